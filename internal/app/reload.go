package app

import (
	"context"
	"errors"
	"strings"

	"mailwatch/internal/config"
	"mailwatch/internal/mailbox"
	logx "mailwatch/pkg/logx"
)

// validate rejects a reload that cannot be applied. It runs after
// config.Validate, so it only covers what the mappers and the scheduler add.
func (a *App) validate(cfg *config.Config) error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapDispatch(cfg)
	add(err)
	_, err = mapConnection(cfg)
	add(err)
	_, err = mapPoll(cfg)
	add(err)
	_, err = mapRenderer(cfg)
	add(err)
	_, err = mapDedupe(cfg)
	add(err)
	_, err = mapShutdownTimeout(cfg)
	add(err)
	_, _, err = mapStorage(cfg)
	add(err)
	_, err = mapOps(cfg)
	add(err)
	if s := strings.TrimSpace(cfg.Dedupe.PruneSchedule); s != "" {
		add(a.sched.Validate(s))
	}
	if s := strings.TrimSpace(cfg.Heartbeat.Schedule); s != "" && cfg.Heartbeat.Enabled {
		add(a.sched.Validate(s))
	}
	return errors.Join(errs...)
}

// reloadLoop applies published snapshots until ctx ends. Bursts are
// coalesced to the latest snapshot.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			next = c
		}
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}

		sections, attrs, restart := config.SummarizeChange(last, next)
		if len(sections) == 0 {
			a.log.Debug("config reload received, but no effective changes detected")
			continue
		}
		if err := a.apply(next); err != nil {
			a.log.Warn("config apply failed; keeping previous", logx.Err(err))
			continue
		}
		last = next

		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config applied", fields...)
		if restart {
			a.log.Warn("some changes need a restart to take effect (accounts added or removed, channel credentials, storage, ops)")
		}
	}
}

// apply pushes the reloadable sections into the running components.
func (a *App) apply(cfg *config.Config) error {
	dc, err := mapDispatch(cfg)
	if err != nil {
		return err
	}
	r, err := mapRenderer(cfg)
	if err != nil {
		return err
	}
	dd, err := mapDedupe(cfg)
	if err != nil {
		return err
	}
	mc, err := mapConnection(cfg)
	if err != nil {
		return err
	}
	pc, err := mapPoll(cfg)
	if err != nil {
		return err
	}
	st, err := mapShutdownTimeout(cfg)
	if err != nil {
		return err
	}
	hc, jobs, err := a.housekeepingJobs(cfg)
	if err != nil {
		return err
	}

	a.applyLogging(cfg)
	a.class.SetKeywords(cfg.Classifier.Critical, cfg.Classifier.Moderate)
	table, dir := mapRouting(cfg)
	a.router.SetTable(table)
	a.static.Set(dir)
	a.dedupe.SetConfig(dd)
	a.disp.Apply(dc)
	a.renderer.Store(&r)
	a.notices.Store(systemNotices(cfg))
	a.shutdownTimeout.Store(int64(st))

	byID := map[string]config.AccountConfig{}
	for _, ac := range cfg.Accounts {
		if ac.IsEnabled() {
			byID[strings.TrimSpace(ac.ID)] = ac
		}
	}
	for _, w := range a.accounts {
		ac, ok := byID[w.id]
		if !ok {
			a.log.Warn("account removed or disabled; it keeps running until restart", logx.String("account", w.id))
			continue
		}
		w.sup.Reconfigure(mapAccount(cfg, ac), mc)
		w.poller.SetConfig(pc, r)
		// With on_fatal: continue the poller is still running; any applied
		// reload is the operator's signal to try the credentials again.
		if pc.ContinueOnFatal && w.sup.State() == mailbox.Fatal {
			a.log.Info("re-arming account after reload", logx.String("account", w.id))
			w.sup.Reset()
		}
	}

	return a.sched.Replace(hc.Timezone, jobs)
}
