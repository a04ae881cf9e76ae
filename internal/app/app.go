// Package app builds the alert pipeline from config and owns the process
// lifecycle: start, hot reload and graceful stop.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mailwatch/internal/alert"
	"mailwatch/internal/channel"
	"mailwatch/internal/config"
	"mailwatch/internal/dedupe"
	"mailwatch/internal/dispatch"
	"mailwatch/internal/eventbus"
	"mailwatch/internal/housekeeping"
	"mailwatch/internal/mailbox"
	"mailwatch/internal/message"
	"mailwatch/internal/observability/metrics"
	"mailwatch/internal/observability/ops"
	"mailwatch/internal/poller"
	"mailwatch/internal/routing"
	"mailwatch/internal/runtime/lifecycle"
	"mailwatch/internal/runtime/supervisor"
	"mailwatch/internal/storage"
	logx "mailwatch/pkg/logx"
)

// ErrFatal is returned by Err when an account stopped on authentication
// exhaustion and on_fatal is "stop".
var ErrFatal = mailbox.ErrFatal

type Option func(*options)

type options struct {
	dialer mailbox.Dialer
	sd     *notifier
}

// WithDialer replaces the IMAP dialer.
func WithDialer(d mailbox.Dialer) Option { return func(o *options) { o.dialer = d } }

// watched is one account: its session owner and its poll loop.
type watched struct {
	id     string
	sup    *mailbox.Supervisor
	poller *poller.Poller
}

type App struct {
	cfgm    *config.Manager
	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	sd      *notifier

	store    storage.Store
	registry *channel.Registry
	disp     *dispatch.Dispatcher
	class    *alert.Classifier
	static   *routing.StaticDirectory
	router   *routing.Router
	dedupe   *dedupe.Store
	accounts []*watched
	sched    *housekeeping.Scheduler
	ops      *ops.Server

	renderer        atomic.Pointer[alert.Renderer]
	shutdownTimeout atomic.Int64
	notices         atomic.Bool

	mu   sync.Mutex
	life *lifecycle.Controller
	sup  *supervisor.Supervisor
}

// New builds every component from the manager's current snapshot. Nothing
// touches the network until Start or RunOnce.
func New(cfgm *config.Manager, opts ...Option) (*App, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		return nil, errors.New("app: config not loaded")
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	// The alert sink needs the channel registry, so logging starts without it.
	bootLog := mapLogging(cfg)
	bootLog.Alert.Enabled = false
	logSvc, root := logx.New(bootLog)
	log := root.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		sd:      o.sd,
	}
	if a.sd == nil {
		a.sd = newNotifier(root.With(logx.String("comp", "systemd")))
	}

	dc, err := mapDispatch(cfg)
	if err != nil {
		return nil, err
	}
	if a.registry, err = buildChannels(cfg, dc, root); err != nil {
		return nil, err
	}
	a.disp = dispatch.New(a.registry, dc, root.With(logx.String("comp", "dispatch")), a.bus, a.metrics)
	a.applyLogging(cfg)

	sc, enabled, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		if a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage"))); err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	table, dir := mapRouting(cfg)
	a.static = routing.NewStaticDirectory(dir)
	var directory routing.Directory = a.static
	if ds, ok := a.store.(storage.DirectoryStore); ok {
		directory = routing.Chain{ds, a.static}
	}
	a.router = routing.NewRouter(table, directory, root.With(logx.String("comp", "routing")))
	a.class = alert.NewClassifier(cfg.Classifier.Critical, cfg.Classifier.Moderate)

	dd, err := mapDedupe(cfg)
	if err != nil {
		return nil, a.closeOnErr(err)
	}
	a.dedupe = dedupe.New(dd)

	r, err := mapRenderer(cfg)
	if err != nil {
		return nil, a.closeOnErr(err)
	}
	a.renderer.Store(&r)
	a.notices.Store(systemNotices(cfg))
	st, err := mapShutdownTimeout(cfg)
	if err != nil {
		return nil, a.closeOnErr(err)
	}
	a.shutdownTimeout.Store(int64(st))

	dialer := o.dialer
	if dialer == nil {
		d, err := mapDialer(cfg)
		if err != nil {
			return nil, a.closeOnErr(err)
		}
		dialer = d
	}
	mc, err := mapConnection(cfg)
	if err != nil {
		return nil, a.closeOnErr(err)
	}
	pc, err := mapPoll(cfg)
	if err != nil {
		return nil, a.closeOnErr(err)
	}
	parser := &message.Parser{}
	for _, ac := range cfg.Accounts {
		if !ac.IsEnabled() {
			continue
		}
		acct := mapAccount(cfg, ac)
		alog := root.With(logx.String("comp", "mailbox"), logx.String("account", acct.ID))
		sup := mailbox.NewSupervisor(acct, mc, dialer,
			mailbox.WithLogger(alog),
			mailbox.WithBus(a.bus),
			mailbox.WithMetrics(a.metrics),
		)
		p := poller.New(pc, r, poller.Deps{
			Supervisor: sup,
			Parser:     parser,
			Dedupe:     a.dedupe,
			Classifier: a.class,
			Router:     a.router,
			Dispatcher: a.disp,
			Tracker:    a,
			Log:        root.With(logx.String("comp", "poller")),
			Bus:        a.bus,
			Metrics:    a.metrics,
		})
		a.accounts = append(a.accounts, &watched{id: acct.ID, sup: sup, poller: p})
	}

	a.sched = housekeeping.NewScheduler(cfg.Heartbeat.Timezone, root)

	if cfg.Ops.Enabled {
		oc, err := mapOps(cfg)
		if err != nil {
			return nil, a.closeOnErr(err)
		}
		a.ops = ops.New(oc, a.opsSources(), root)
	}
	return a, nil
}

func (a *App) closeOnErr(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	return err
}

func (a *App) applyLogging(cfg *config.Config) {
	if cfg.Logging.Alert.Enabled {
		a.logs.SetSender(dispatch.LogSender{Registry: a.registry, Destination: mapDestination(cfg.Logging.Alert.Destination)})
	}
	a.logs.Apply(mapLogging(cfg))
}

// Track implements poller.Tracker. Before Start it hands out a plain
// background context.
func (a *App) Track() (context.Context, func(), bool) {
	a.mu.Lock()
	life := a.life
	a.mu.Unlock()
	if life == nil {
		return context.Background(), func() {}, true
	}
	return life.Track()
}

func (a *App) housekeepingJobs(cfg *config.Config) (housekeeping.Config, []housekeeping.Job, error) {
	hc, err := mapHousekeeping(cfg)
	if err != nil {
		return hc, nil, err
	}
	deps := housekeeping.Deps{
		Dedupe:   a.dedupe,
		Store:    a.store,
		Notifier: a.disp,
		Renderer: func() alert.Renderer { return *a.renderer.Load() },
		Defaults: a.router.Defaults,
		Status:   a.statusLine,
		Metrics:  a.metrics,
		Log:      a.log.With(logx.String("comp", "housekeeping")),
	}
	return hc, housekeeping.Jobs(hc, deps), nil
}

// Start launches every loop under one supervisor. A poller stopping on
// ErrFatal cancels the supervisor; Done and Err report it.
func (a *App) Start(ctx context.Context) error {
	life := lifecycle.New(ctx)
	sup := supervisor.New(life.RunContext(),
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.mu.Lock()
	a.life, a.sup = life, sup
	a.mu.Unlock()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return a.validate(cfg) })

	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.bus, a.log.With(logx.String("comp", "audit")))
		// Audit outlives the run context so drained dispatch results are kept.
		sup.Go("storage.recorder", func(context.Context) error { return rec.Run(life.WorkContext()) })
	}

	sup.Go("eventbus.log", func(c context.Context) error {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	for _, w := range a.accounts {
		sup.Go("poller."+w.id, w.poller.Run)
	}

	hc, jobs, err := a.housekeepingJobs(a.cfgm.Get())
	if err != nil {
		return err
	}
	if err := a.sched.Replace(hc.Timezone, jobs); err != nil {
		return err
	}
	a.sched.Start(life.RunContext())

	if a.ops != nil {
		sup.GoRestart("ops.http", a.ops.Run, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	sub := a.cfgm.Subscribe(8)
	sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	sup.Go("config.watch", a.cfgm.Watch)
	sup.Go("systemd.watchdog", func(c context.Context) error { return a.sd.Watchdog(c, a.healthy) })

	ids := make([]string, 0, len(a.accounts))
	for _, w := range a.accounts {
		ids = append(ids, w.id)
	}
	a.notice("Mailbox monitor started", fmt.Sprintf("Watching %d account(s): %s", len(ids), strings.Join(ids, ", ")))

	a.sd.Ready()
	a.log.Info("app started", logx.Strs("accounts", ids), logx.Int("channels", len(a.registry.Kinds())))
	return nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first goroutine error, if any.
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// notice sends a system notice to the default destinations when enabled.
func (a *App) notice(title, body string) {
	if !a.notices.Load() {
		return
	}
	dests := a.router.Defaults()
	if len(dests) == 0 {
		return
	}
	ctx, done, ok := a.Track()
	if !ok {
		return
	}
	defer done()
	r := a.renderer.Load()
	for _, res := range a.disp.Dispatch(ctx, r.System(title, body), dests) {
		if !res.Success {
			a.log.Warn("system notice failed", logx.String("title", title), logx.String("dest", res.Destination.String()), logx.Err(res.Err))
		}
	}
}

// RunOnce runs a single cycle per account, then logs out. It returns the
// joined cycle errors.
func (a *App) RunOnce(ctx context.Context) error {
	life := lifecycle.New(ctx)
	a.mu.Lock()
	a.life = life
	a.mu.Unlock()

	recDone := make(chan struct{})
	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.bus, a.log.With(logx.String("comp", "audit")))
		go func() {
			defer close(recDone)
			_ = rec.Run(life.WorkContext())
		}()
	} else {
		close(recDone)
	}

	var errs []error
	for _, w := range a.accounts {
		st, err := w.poller.RunCycle(life.RunContext())
		if err != nil {
			a.log.Warn("cycle failed", logx.String("account", w.id), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", w.id, err))
			continue
		}
		a.log.Info("cycle done",
			logx.String("account", w.id),
			logx.Int("unseen", st.Unseen),
			logx.Int("alerted", st.Alerted),
			logx.Int("failed_destinations", st.FailedDest),
		)
	}

	life.Stop(a.drainTimeout(), lifecycle.StopOnce)
	<-recDone
	a.shutdown(context.Background())
	return errors.Join(errs...)
}

func (a *App) drainTimeout() time.Duration { return time.Duration(a.shutdownTimeout.Load()) }

// Stop runs the shutdown sequence: notice, stop new cycles, drain dispatch
// up to dispatch.shutdown_timeout, log out every session, close storage.
func (a *App) Stop(ctx context.Context, reason lifecycle.StopReason) error {
	a.mu.Lock()
	life, sup := a.life, a.sup
	a.mu.Unlock()
	if life == nil || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	step := stepper{log: a.log, parent: ctx}
	step.run("notice", 10*time.Second, func(context.Context) error {
		a.notice("Mailbox monitor stopping", "Reason: "+string(reason))
		return nil
	})
	step.run("housekeeping", 2*time.Second, a.sched.Stop)
	step.run("drain", a.drainTimeout()+time.Second, func(context.Context) error {
		if !life.Stop(a.drainTimeout(), reason) {
			a.log.Warn("dispatch did not drain in time; remaining attempts canceled")
		}
		return nil
	})
	step.run("supervisor", 5*time.Second, func(c context.Context) error {
		sup.Cancel()
		err := sup.Wait(c)
		if errors.Is(err, ErrFatal) {
			return nil
		}
		return err
	})
	a.shutdown(ctx)
	return nil
}

// shutdown logs out every session and closes storage and logging.
func (a *App) shutdown(ctx context.Context) {
	step := stepper{log: a.log, parent: ctx}
	step.run("mailbox.logout", 15*time.Second, func(c context.Context) error {
		var wg sync.WaitGroup
		for _, w := range a.accounts {
			w := w
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = w.sup.Close(c)
			}()
		}
		wg.Wait()
		return nil
	})
	step.run("storage", 2*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.log.Info("stopped")
	_ = a.logs.Close()
}

// stepper bounds each shutdown step so one component cannot stall the rest.
type stepper struct {
	log    logx.Logger
	parent context.Context
}

func (s stepper) run(name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(s.parent, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		s.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
