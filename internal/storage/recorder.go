package storage

import (
	"context"
	"time"

	"mailwatch/internal/dispatch"
	"mailwatch/internal/eventbus"
	logx "mailwatch/pkg/logx"
)

// Recorder writes dispatch results from the bus into the audit store.
type Recorder struct {
	store  Store
	log    logx.Logger
	events <-chan eventbus.Event
	unsub  func()
}

// NewRecorder subscribes right away, so results published before Run starts
// are kept in the buffer.
func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	events, unsub := bus.Subscribe(256)
	return &Recorder{store: store, log: log, events: events, unsub: unsub}
}

// Run consumes events until ctx ends, then writes what is already buffered.
// Events published after Run returns are not recorded.
func (r *Recorder) Run(ctx context.Context) error {
	events := r.events
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					r.record(ctx, ev)
				default:
					return nil
				}
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	res, isResult := ev.Data.(dispatch.ResultEvent)
	if ev.Type != eventbus.TypeDispatchResult || !isResult {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.AppendAudit(wctx, AuditFromResult(ev.Time, res)); err != nil {
		r.log.Warn("audit write failed", logx.String("envelope", res.EnvelopeID), logx.Err(err))
	}
}

func AuditFromResult(at time.Time, res dispatch.ResultEvent) AuditEntry {
	return AuditEntry{
		At:           at,
		EnvelopeID:   res.EnvelopeID,
		Key:          res.Key,
		Account:      res.Account,
		Tier:         res.Tier,
		System:       res.System,
		Subject:      res.Subject,
		Channel:      res.Channel,
		Address:      res.Address,
		OK:           res.Success,
		Attempts:     res.Attempts,
		Chunks:       res.Chunks,
		FailedChunks: res.FailedChunks,
		Error:        res.Err,
		TookMS:       res.Duration.Milliseconds(),
	}
}
