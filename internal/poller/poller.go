// Package poller drives the watch cycle of one account: ensure the session,
// search unseen messages, skip the ones already alerted, and hand the rest
// through classify, route, render and dispatch.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"mailwatch/internal/alert"
	"mailwatch/internal/channel"
	"mailwatch/internal/dedupe"
	"mailwatch/internal/dispatch"
	"mailwatch/internal/eventbus"
	"mailwatch/internal/mailbox"
	"mailwatch/internal/message"
	"mailwatch/internal/observability/metrics"
	"mailwatch/internal/routing"
	logx "mailwatch/pkg/logx"
)

type Config struct {
	Interval   time.Duration
	FetchLimit int // 0 means no limit
	// FailureAlertThreshold consecutive failed cycles trigger a system alert.
	FailureAlertThreshold int
	// ContinueOnFatal keeps the loop alive after authentication exhaustion.
	ContinueOnFatal bool
	// Concurrency bounds messages handled in parallel within a cycle.
	Concurrency int
}

func (c Config) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return time.Minute
}

// Tracker hands out the context for dispatch work and registers it so
// shutdown can drain it. *lifecycle.Controller implements it.
type Tracker interface {
	Track() (ctx context.Context, done func(), ok bool)
}

// Dispatcher is the subset of *dispatch.Dispatcher the poller uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, env alert.Envelope, dests []channel.Destination) []dispatch.Result
}

type Deps struct {
	Supervisor *mailbox.Supervisor
	Parser     *message.Parser
	Dedupe     *dedupe.Store
	Classifier *alert.Classifier
	Router     *routing.Router
	Dispatcher Dispatcher
	Tracker    Tracker

	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

// CycleFailedEvent is published for every failed cycle.
type CycleFailedEvent struct {
	Account     string `json:"account"`
	Consecutive int    `json:"consecutive"`
	Err         string `json:"err"`
}

// SkippedEvent is published when one message is skipped.
type SkippedEvent struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
	Err    string `json:"err"`
}

// DetectedEvent is published for every parsed message.
type DetectedEvent struct {
	Key     string `json:"key"`
	From    string `json:"from"`
	Subject string `json:"subject"`
}

// CycleStats summarizes one cycle.
type CycleStats struct {
	Unseen     int
	New        int
	Parsed     int
	Alerted    int
	FailedDest int
}

type Poller struct {
	d       Deps
	account string
	log     logx.Logger

	mu       sync.Mutex
	cfg      Config
	renderer alert.Renderer

	failures   int
	alerted    bool // failure alert sent, recovery pending
	fatalSent  bool
	lastCycle  atomic.Int64 // unix nano of the last finished cycle
	lastOK     atomic.Bool
	cycleCount atomic.Uint64
}

func New(cfg Config, r alert.Renderer, d Deps) *Poller {
	if d.Bus == nil {
		d.Bus = eventbus.Nop
	}
	if d.Parser == nil {
		d.Parser = &message.Parser{}
	}
	acct := d.Supervisor.Account().ID
	return &Poller{
		d:        d,
		account:  acct,
		log:      d.Log.With(logx.String("account", acct)),
		cfg:      cfg,
		renderer: r,
	}
}

func (p *Poller) Account() string { return p.account }

// SetConfig applies reloaded settings from the next cycle on. A changed
// interval takes effect after the current wait.
func (p *Poller) SetConfig(cfg Config, r alert.Renderer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	p.renderer = r
}

func (p *Poller) config() (Config, alert.Renderer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg, p.renderer
}

// Status is a health snapshot.
type Status struct {
	Account   string    `json:"account"`
	State     string    `json:"state"`
	LastCycle time.Time `json:"last_cycle,omitzero"`
	LastOK    bool      `json:"last_ok"`
	Cycles    uint64    `json:"cycles"`
}

func (p *Poller) Status() Status {
	st := Status{
		Account: p.account,
		State:   p.d.Supervisor.State().String(),
		LastOK:  p.lastOK.Load(),
		Cycles:  p.cycleCount.Load(),
	}
	if ns := p.lastCycle.Load(); ns > 0 {
		st.LastCycle = time.Unix(0, ns)
	}
	return st
}

// Poll returns the parsed unseen messages that were never alerted before.
// ErrFatal is returned as is. Any other readiness failure, and a failed
// SELECT or SEARCH, ends the poll with an error and no messages. A protocol
// failure while fetching ends the poll early but still returns the messages
// fetched so far, since FETCH may already have flagged them \Seen.
func (p *Poller) Poll(ctx context.Context) ([]message.Parsed, error) {
	cfg, _ := p.config()
	sup := p.d.Supervisor

	sess, err := sup.EnsureReady(ctx)
	if err != nil {
		return nil, err
	}
	if err := sess.Select(ctx); err != nil {
		return nil, p.protocolFailure(ctx, err)
	}
	refs, err := sess.SearchUnseen(ctx)
	if err != nil {
		return nil, p.protocolFailure(ctx, err)
	}

	fresh := make([]mailbox.MessageRef, 0, len(refs))
	for _, ref := range refs {
		if !p.d.Dedupe.HasSeen(ref.Key()) {
			fresh = append(fresh, ref)
		}
	}
	if cfg.FetchLimit > 0 && len(fresh) > cfg.FetchLimit {
		p.log.Info("fetch limit reached; rest deferred to next cycle",
			logx.Int("new", len(fresh)),
			logx.Int("limit", cfg.FetchLimit),
		)
		fresh = fresh[:cfg.FetchLimit]
	}
	if len(refs) > 0 {
		p.log.Debug("unseen messages", logx.Int("unseen", len(refs)), logx.Int("new", len(fresh)))
	}

	out := make([]message.Parsed, 0, len(fresh))
	for _, ref := range fresh {
		raw, err := sess.Fetch(ctx, ref)
		if err != nil {
			if mailbox.IsMessageLevel(err) {
				p.skip(ref, "fetch", err)
				// An oversized message is reported once, not every cycle.
				if errors.Is(err, mailbox.ErrTooLarge) {
					p.d.Dedupe.MarkSeen(ref.Key())
				}
				continue
			}
			return out, p.protocolFailure(ctx, err)
		}
		msg, err := p.d.Parser.Parse(ref, raw)
		if err != nil {
			p.skip(ref, "parse", err)
			continue
		}
		p.d.Metrics.MessageDetected(p.account)
		p.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeMessageDetected, Data: DetectedEvent{
			Key: msg.Key, From: msg.From, Subject: msg.Subject,
		}})
		out = append(out, msg)
	}
	return out, nil
}

func (p *Poller) protocolFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.d.Supervisor.Invalidate(err)
	return err
}

func (p *Poller) skip(ref mailbox.MessageRef, reason string, err error) {
	p.log.Warn("message skipped", logx.String("key", ref.Key()), logx.String("reason", reason), logx.Err(err))
	p.d.Metrics.MessageSkipped(p.account, reason)
	p.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeMessageSkipped, Data: SkippedEvent{
		Key: ref.Key(), Reason: reason, Err: err.Error(),
	}})
}

// RunCycle polls once and alerts every new message. It returns after all
// dispatch work of the cycle finished. Messages are marked seen once every
// destination was attempted, whatever the outcome.
func (p *Poller) RunCycle(ctx context.Context) (CycleStats, error) {
	var st CycleStats
	msgs, pollErr := p.Poll(ctx)
	st.Parsed = len(msgs)
	if len(msgs) == 0 {
		return st, pollErr
	}

	wctx, done, ok := p.track(ctx)
	if !ok {
		p.log.Warn("shutting down; messages left for the next run", logx.Int("count", len(msgs)))
		return st, pollErr
	}
	defer done()

	cfg, r := p.config()
	var failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(max(1, cfg.Concurrency))
	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			failed.Add(int64(p.handle(wctx, r, msg)))
			return nil
		})
	}
	_ = g.Wait()
	st.Alerted = len(msgs)
	st.FailedDest = int(failed.Load())
	return st, pollErr
}

// handle alerts one message and returns the number of failed destinations.
func (p *Poller) handle(ctx context.Context, r alert.Renderer, msg message.Parsed) int {
	if !p.d.Dedupe.Claim(msg.Key) {
		return 0
	}
	tier := p.d.Classifier.Classify(msg.Subject)
	dests := p.d.Router.Route(ctx, msg, tier)
	env := r.Render(msg, tier, p.d.Supervisor.Account().Host)
	p.d.Metrics.Alert(tier.String())

	log := p.log.With(logx.String("key", msg.Key), logx.String("tier", tier.String()))
	failed := 0
	if len(dests) == 0 {
		log.Error("no destinations for alert; check routing.default", logx.String("from", msg.From))
	} else {
		for _, res := range p.d.Dispatcher.Dispatch(ctx, env, dests) {
			if !res.Success {
				failed++
			}
		}
	}
	p.d.Dedupe.MarkSeen(msg.Key)
	log.Info("alert processed",
		logx.String("from", msg.From),
		logx.String("subject", msg.Subject),
		logx.Int("destinations", len(dests)),
		logx.Int("failed", failed),
	)
	return failed
}

func (p *Poller) track(ctx context.Context) (context.Context, func(), bool) {
	if p.d.Tracker == nil {
		return ctx, func() {}, true
	}
	return p.d.Tracker.Track()
}

// Run polls immediately and then every interval until ctx ends (nil) or
// authentication is exhausted (ErrFatal, unless ContinueOnFatal). Cycles
// never overlap.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller started", logx.Duration("interval", p.cfgInterval()))
	defer p.log.Info("poller stopped")

	for {
		if err := p.cycle(ctx); err != nil {
			return err
		}
		t := time.NewTimer(p.cfgInterval())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (p *Poller) cfgInterval() time.Duration {
	cfg, _ := p.config()
	return cfg.interval()
}

// cycle runs one cycle with failure accounting. It returns a non-nil error
// only when the loop must stop.
func (p *Poller) cycle(ctx context.Context) error {
	start := time.Now()
	st, err := p.RunCycle(ctx)
	took := time.Since(start)
	p.cycleCount.Add(1)
	p.lastCycle.Store(time.Now().UnixNano())

	if ctx.Err() != nil {
		return nil
	}
	p.lastOK.Store(err == nil)
	p.d.Metrics.Cycle(p.account, took, err == nil)

	if err == nil {
		if st.Parsed > 0 {
			p.log.Info("cycle done",
				logx.Int("alerted", st.Alerted),
				logx.Int("failed_destinations", st.FailedDest),
				logx.Duration("took", took),
			)
		}
		p.recovered()
		return nil
	}

	if errors.Is(err, mailbox.ErrFatal) {
		p.fatal(err)
		cfg, _ := p.config()
		if cfg.ContinueOnFatal {
			return nil
		}
		return err
	}

	p.failed(err)
	return nil
}

func (p *Poller) failed(err error) {
	cfg, _ := p.config()
	p.mu.Lock()
	p.failures++
	n := p.failures
	sendAlert := cfg.FailureAlertThreshold > 0 && n == cfg.FailureAlertThreshold
	if sendAlert {
		p.alerted = true
	}
	p.mu.Unlock()

	p.log.Warn("cycle failed", logx.Int("consecutive", n), logx.Err(err))
	p.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeCycleFailed, Data: CycleFailedEvent{
		Account: p.account, Consecutive: n, Err: err.Error(),
	}})
	if sendAlert {
		p.notify("Mailbox monitoring failing",
			fmt.Sprintf("Account %s: %d consecutive failed cycles.\nLast error: %v", p.account, n, err))
	}
}

func (p *Poller) recovered() {
	p.mu.Lock()
	n, wasAlerted := p.failures, p.alerted
	p.failures = 0
	p.alerted = false
	p.fatalSent = false
	p.mu.Unlock()

	if wasAlerted {
		p.log.Info("monitoring recovered", logx.Int("failed_cycles", n))
		p.notify("Mailbox monitoring recovered",
			fmt.Sprintf("Account %s is being monitored again after %d failed cycles.", p.account, n))
	}
}

func (p *Poller) fatal(err error) {
	p.mu.Lock()
	first := !p.fatalSent
	p.fatalSent = true
	p.mu.Unlock()
	if !first {
		return
	}
	p.log.Error("authentication exhausted; account stopped", logx.Err(err))
	p.notify("Mailbox authentication failed",
		fmt.Sprintf("Account %s stopped after repeated login failures. Check its credentials.\n%v", p.account, err))
}

// notify sends a system notice to the default destinations.
func (p *Poller) notify(title, body string) {
	dests := p.d.Router.Defaults()
	if len(dests) == 0 {
		return
	}
	ctx, done, ok := p.track(context.Background())
	if !ok {
		return
	}
	defer done()
	_, r := p.config()
	p.d.Dispatcher.Dispatch(ctx, r.System(title, body), dests)
}
