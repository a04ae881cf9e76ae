package housekeeping

import (
	"context"
	"fmt"
	"time"

	"mailwatch/internal/alert"
	"mailwatch/internal/channel"
	"mailwatch/internal/dedupe"
	"mailwatch/internal/dispatch"
	"mailwatch/internal/observability/metrics"
	"mailwatch/internal/storage"
	logx "mailwatch/pkg/logx"
)

const (
	JobDedupePrune = "dedupe-prune"
	JobAuditPrune  = "audit-prune"
	JobHeartbeat   = "heartbeat"

	DefaultPruneSchedule     = "@every 10m"
	DefaultHeartbeatSchedule = "0 0 8 * * *"
)

// Config selects which jobs run.
type Config struct {
	PruneSchedule     string
	AuditRetention    time.Duration
	Heartbeat         bool
	HeartbeatSchedule string
	Timezone          string
}

// Notifier delivers system notices.
type Notifier interface {
	Dispatch(ctx context.Context, env alert.Envelope, dests []channel.Destination) []dispatch.Result
}

// Deps are the collaborators the jobs act on. Store and Notifier may be nil.
type Deps struct {
	Dedupe   *dedupe.Store
	Store    storage.Store
	Notifier Notifier
	Renderer func() alert.Renderer
	Defaults func() []channel.Destination
	Status   func() string
	Metrics  *metrics.Metrics
	Log      logx.Logger
	Now      func() time.Time
}

// Jobs builds the job set for cfg.
func Jobs(cfg Config, d Deps) []Job {
	prune := cfg.PruneSchedule
	if prune == "" {
		prune = DefaultPruneSchedule
	}
	var out []Job
	if d.Dedupe != nil {
		out = append(out, Job{Name: JobDedupePrune, Schedule: prune, Timeout: time.Minute, Run: PruneDedupe(d)})
	}
	if d.Store != nil && cfg.AuditRetention > 0 {
		out = append(out, Job{Name: JobAuditPrune, Schedule: prune, Timeout: 5 * time.Minute, Run: PruneAudit(d, cfg.AuditRetention)})
	}
	if cfg.Heartbeat && d.Notifier != nil {
		hb := cfg.HeartbeatSchedule
		if hb == "" {
			hb = DefaultHeartbeatSchedule
		}
		out = append(out, Job{Name: JobHeartbeat, Schedule: hb, Timeout: 2 * time.Minute, Run: Heartbeat(d)})
	}
	return out
}

// PruneDedupe evicts seen keys past the store's bounds and refreshes the gauge.
func PruneDedupe(d Deps) func(context.Context) error {
	return func(context.Context) error {
		n := d.Dedupe.Prune()
		d.Metrics.SetDedupeEntries(d.Dedupe.Len())
		if n > 0 {
			d.Log.Info("dedupe pruned", logx.Int("evicted", n), logx.Int("entries", d.Dedupe.Len()))
		}
		return nil
	}
}

// PruneAudit deletes audit rows older than retention.
func PruneAudit(d Deps, retention time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		before := now(d).Add(-retention)
		n, err := d.Store.PruneAudit(ctx, before)
		if err != nil {
			return fmt.Errorf("prune audit: %w", err)
		}
		if n > 0 {
			d.Log.Info("audit pruned", logx.Int64("rows", n), logx.Time("before", before))
		}
		return nil
	}
}

// Heartbeat sends a "monitor alive" notice to the default destinations.
func Heartbeat(d Deps) func(context.Context) error {
	return func(ctx context.Context) error {
		dests := d.Defaults()
		if len(dests) == 0 {
			return nil
		}
		body := "All watched mailboxes are being monitored."
		if d.Status != nil {
			if s := d.Status(); s != "" {
				body = s
			}
		}
		r := alert.Renderer{}
		if d.Renderer != nil {
			r = d.Renderer()
		}
		env := r.System("Monitor alive", body)
		failed := 0
		for _, res := range d.Notifier.Dispatch(ctx, env, dests) {
			if !res.Success {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("heartbeat: %d of %d destinations failed", failed, len(dests))
		}
		return nil
	}
}

func now(d Deps) time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
