package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "mailwatch/pkg/logx"
)

// Supervisor runs named goroutines tied to one context.
//   - panic recovery
//   - optional cancel-on-first-error
//   - restart loops with jittered backoff
//   - per-name stats for /healthz
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	errOnce  sync.Once
	firstErr atomic.Value // error
	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	stats map[string]*Stats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the supervisor context on the first goroutine error.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

// Stats is a best-effort view of goroutines sharing a name.
type Stats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at,omitempty"`
	LastErr     string    `json:"last_err,omitempty"`
}

// Snapshot is a point-in-time view used by the ops endpoint.
type Snapshot struct {
	FirstError string  `json:"first_error,omitempty"`
	Goroutines []Stats `json:"goroutines"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*Stats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded error, if any.
func (s *Supervisor) Err() error {
	err, _ := s.firstErr.Load().(error)
	return err
}

func (s *Supervisor) Snapshot() Snapshot {
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.stats {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.mu.Unlock()
	sort.Slice(snap.Goroutines, func(i, j int) bool { return snap.Goroutines[i].Name < snap.Goroutines[j].Name })
	return snap
}

func (s *Supervisor) entry(name string) *Stats {
	st := s.stats[name]
	if st == nil {
		st = &Stats{Name: name}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.entry(name)
	st.Started++
	st.Active++
	st.LastStartAt = now
	if restart {
		st.Restarts++
	}
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, err error, panicked bool) {
	s.mu.Lock()
	st := s.entry(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = time.Now()
	if panicked {
		st.Panics++
	}
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// run calls fn converting a panic into an error.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err, panicked = fmt.Errorf("panic: %v", r), true
		}
	}()
	return fn(s.ctx), false
}

// Go runs fn once. A non-nil error (other than cancellation) is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.noteStart(name, false)
		s.log.Debug("goroutine started", logx.String("name", name))

		err, panicked := s.run(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, err, panicked)
			s.fail(err)
			return
		}
		s.noteStop(name, nil, false)
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int
}

type RestartOption func(*restartCfg)

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up (and records the error) after n restarts. 0 is unlimited.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and restarts it on error or panic until the context ends.
// A nil return stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.minBackoff
		for restarts := 0; ; restarts++ {
			startedAt := s.noteStart(name, restarts > 0)
			err, panicked := s.run(name, fn)
			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, nil, panicked)
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, err, panicked)

			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err)
				return
			}
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff + time.Duration(time.Now().UnixNano()%(int64(backoff)/5+1))
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	}()
}

// Stop cancels the context and waits for every goroutine or ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine exits or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
