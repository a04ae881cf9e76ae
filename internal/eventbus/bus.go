// Package eventbus is an in-memory fanout for pipeline events. The audit
// writer and the debug event log subscribe to it.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	TypeSessionState    = "session.state"
	TypeSessionFatal    = "session.fatal"
	TypeMessageDetected = "message.detected"
	TypeMessageSkipped  = "message.skipped"
	TypeDispatchResult  = "dispatch.result"
	TypeCycleFailed     = "cycle.failed"
)

// Event is a small signal. Publish never blocks; a slow subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Nop discards every event.
var Nop Bus = nopBus{}

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; unsubscribe takes the write lock
	// before closing, so a send never hits a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
