// Package dispatch delivers rendered alerts to destinations. Each destination
// is an independent unit of work with its own retry schedule; one slow or
// failing destination never delays another.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"mailwatch/internal/alert"
	"mailwatch/internal/channel"
	"mailwatch/internal/eventbus"
	"mailwatch/internal/observability/metrics"
	logx "mailwatch/pkg/logx"
)

// ChannelSettings tune one channel type.
type ChannelSettings struct {
	Policy     Policy
	MaxChunk   int     // bytes; 0 disables chunking
	RatePerSec float64 // 0 disables rate limiting
}

type Config struct {
	// Workers bounds concurrent destinations per Dispatch call.
	Workers  int
	Channels map[channel.Kind]ChannelSettings
}

// Result is the outcome for one destination.
type Result struct {
	Destination  channel.Destination
	Success      bool
	Attempts     int // across all chunks
	Chunks       int
	FailedChunks int
	Err          error // last error, nil on success
	Duration     time.Duration
}

// ResultEvent is published on the bus for every Result.
type ResultEvent struct {
	EnvelopeID   string        `json:"envelope_id"`
	Key          string        `json:"key,omitempty"`
	Account      string        `json:"account,omitempty"`
	Tier         string        `json:"tier"`
	System       bool          `json:"system,omitempty"`
	Subject      string        `json:"subject,omitempty"`
	Channel      string        `json:"channel"`
	Address      string        `json:"address"`
	Success      bool          `json:"success"`
	Attempts     int           `json:"attempts"`
	Chunks       int           `json:"chunks"`
	FailedChunks int           `json:"failed_chunks"`
	Err          string        `json:"err,omitempty"`
	Duration     time.Duration `json:"duration"`
}

type channelState struct {
	settings ChannelSettings
	limiter  *rate.Limiter
}

type Dispatcher struct {
	reg     *channel.Registry
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	mu       sync.RWMutex
	workers  int
	channels map[channel.Kind]*channelState

	// sleep waits between attempts; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(reg *channel.Registry, cfg Config, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Dispatcher {
	if bus == nil {
		bus = eventbus.Nop
	}
	d := &Dispatcher{
		reg:      reg,
		log:      log,
		bus:      bus,
		metrics:  m,
		channels: map[channel.Kind]*channelState{},
		sleep:    sleepCtx,
	}
	d.Apply(cfg)
	return d
}

// Apply swaps retry, chunk and rate settings. Limiters are kept when the rate
// is unchanged so reloads don't reset their token buckets.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers = cfg.Workers
	if d.workers <= 0 {
		d.workers = 8
	}
	next := make(map[channel.Kind]*channelState, len(cfg.Channels))
	for k, s := range cfg.Channels {
		st := &channelState{settings: s}
		if prev := d.channels[k]; prev != nil && prev.settings.RatePerSec == s.RatePerSec {
			st.limiter = prev.limiter
		} else if s.RatePerSec > 0 {
			st.limiter = rate.NewLimiter(rate.Limit(s.RatePerSec), 1)
		}
		next[k] = st
	}
	d.channels = next
}

func (d *Dispatcher) state(k channel.Kind) *channelState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if st := d.channels[k]; st != nil {
		return st
	}
	return &channelState{settings: ChannelSettings{Policy: Policy{MaxAttempts: 1}}}
}

// Dispatch delivers env to every destination and returns one Result per
// destination in input order. It returns after every destination was
// attempted, whatever the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, env alert.Envelope, dests []channel.Destination) []Result {
	results := make([]Result, len(dests))
	if len(dests) == 0 {
		return results
	}
	d.mu.RLock()
	workers := d.workers
	d.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(workers)
	for i, dest := range dests {
		i, dest := i, dest
		g.Go(func() error {
			results[i] = d.deliver(ctx, env, dest)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, env alert.Envelope, dest channel.Destination) Result {
	start := time.Now()
	res := Result{Destination: dest}
	log := d.log.With(
		logx.String("envelope", env.ID),
		logx.String("key", env.Key),
		logx.String("dest", dest.String()),
	)

	ch, ok := d.reg.Get(dest.Channel)
	if !ok {
		res.Err = &Error{Destination: dest, Err: ErrNoChannel}
		log.Error("delivery failed", logx.Err(res.Err))
		d.report(env, res)
		return res
	}

	st := d.state(dest.Channel)
	chunks := Split(env.Text, st.settings.MaxChunk)
	res.Chunks = len(chunks)
	meta := env.Meta()

	var lastErr error
	for i, text := range chunks {
		// A failed chunk does not stop the ones after it.
		msg := channel.Message{Text: text, Chunk: i + 1, Chunks: len(chunks), Meta: meta}
		n, err := d.sendChunk(ctx, ch, st, msg, dest, log)
		res.Attempts += n
		if err != nil {
			res.FailedChunks++
			lastErr = err
		}
	}

	res.Success = res.FailedChunks == 0
	res.Duration = time.Since(start)
	if !res.Success {
		res.Err = &Error{Destination: dest, Attempts: res.Attempts, Err: lastErr}
		log.Warn("delivery failed",
			logx.Int("attempts", res.Attempts),
			logx.Int("failed_chunks", res.FailedChunks),
			logx.Int("chunks", res.Chunks),
			logx.Err(lastErr),
		)
	} else {
		log.Debug("delivered", logx.Int("attempts", res.Attempts), logx.Int("chunks", res.Chunks), logx.Duration("took", res.Duration))
	}
	d.report(env, res)
	return res
}

func (d *Dispatcher) sendChunk(ctx context.Context, ch channel.Channel, st *channelState, msg channel.Message, dest channel.Destination, log logx.Logger) (int, error) {
	p := st.settings.Policy
	maxAttempts := p.attempts()

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if st.limiter != nil {
			if err := st.limiter.Wait(ctx); err != nil {
				return attempts, errors.Join(lastErr, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return attempts, errors.Join(lastErr, err)
		}

		attempts++
		actx, cancel := context.WithTimeout(ctx, p.timeout())
		err := ch.Send(actx, msg, dest)
		cancel()
		d.metrics.DispatchAttempt(string(dest.Channel), err == nil)
		if err == nil {
			return attempts, nil
		}
		lastErr = err

		if IsNoRetry(err) || attempt == maxAttempts {
			break
		}
		wait := p.DelayAfter(attempt)
		if hint, ok := retryAfterHint(err); ok && hint > wait {
			wait = hint
			if p.MaxDelay > 0 && wait > p.MaxDelay {
				wait = p.MaxDelay
			}
		}
		log.Debug("send failed; retrying",
			logx.Int("chunk", msg.Chunk),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Duration("delay", wait),
			logx.Err(err),
		)
		if err := d.sleep(ctx, wait); err != nil {
			break
		}
	}
	return attempts, lastErr
}

func (d *Dispatcher) report(env alert.Envelope, res Result) {
	d.metrics.DispatchResult(string(res.Destination.Channel), res.Success, res.Duration)
	ev := ResultEvent{
		EnvelopeID:   env.ID,
		Key:          env.Key,
		Account:      env.Account,
		Tier:         env.Tier.String(),
		System:       env.System,
		Subject:      env.Subject,
		Channel:      string(res.Destination.Channel),
		Address:      res.Destination.Address,
		Success:      res.Success,
		Attempts:     res.Attempts,
		Chunks:       res.Chunks,
		FailedChunks: res.FailedChunks,
		Duration:     res.Duration,
	}
	if res.Err != nil {
		ev.Err = res.Err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchResult, Data: ev})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// LogSender adapts one destination to logx.Sender. It sends once, without
// retries or events, so log forwarding cannot feed back into itself.
type LogSender struct {
	Registry    *channel.Registry
	Destination channel.Destination
}

func (s LogSender) SendLog(ctx context.Context, text string) error {
	ch, ok := s.Registry.Get(s.Destination.Channel)
	if !ok {
		return ErrNoChannel
	}
	return ch.Send(ctx, channel.Message{Text: text, Chunk: 1, Chunks: 1, Meta: channel.Meta{Event: "log"}}, s.Destination)
}
