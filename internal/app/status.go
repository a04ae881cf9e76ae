package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailwatch/internal/mailbox"
	"mailwatch/internal/observability/ops"
	"mailwatch/internal/poller"
	"mailwatch/internal/runtime/supervisor"
	"mailwatch/internal/storage"
)

// Health is the /healthz body.
type Health struct {
	Status        string              `json:"status"`
	Accounts      []poller.Status     `json:"accounts"`
	DedupeEntries int                 `json:"dedupe_entries"`
	Supervisor    supervisor.Snapshot `json:"supervisor"`
}

func (a *App) Health() Health {
	h := Health{Status: "ok", DedupeEntries: a.dedupe.Len()}
	for _, w := range a.accounts {
		h.Accounts = append(h.Accounts, w.poller.Status())
	}
	if !a.healthy() {
		h.Status = "degraded"
	}
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup != nil {
		h.Supervisor = sup.Snapshot()
	}
	return h
}

// healthy is false once any account is in Fatal.
func (a *App) healthy() bool { return a.fatalAccounts() == nil }

func (a *App) fatalAccounts() error {
	var errs []error
	for _, w := range a.accounts {
		if w.sup.State() == mailbox.Fatal {
			errs = append(errs, fmt.Errorf("%s: authentication failed", w.id))
		}
	}
	return errors.Join(errs...)
}

// statusLine is the heartbeat body.
func (a *App) statusLine() string {
	var b strings.Builder
	for i, w := range a.accounts {
		if i > 0 {
			b.WriteByte('\n')
		}
		st := w.poller.Status()
		fmt.Fprintf(&b, "%s: %s", st.Account, st.State)
		if !st.LastCycle.IsZero() {
			ok := "ok"
			if !st.LastOK {
				ok = "failed"
			}
			fmt.Fprintf(&b, ", last cycle %s at %s", ok, st.LastCycle.Format(time.RFC3339))
		}
	}
	fmt.Fprintf(&b, "\nAlerted messages remembered: %d", a.dedupe.Len())
	return b.String()
}

func (a *App) opsSources() ops.Sources {
	src := ops.Sources{
		Status: func() (any, bool) {
			h := a.Health()
			return h, h.Status == "ok"
		},
		Metrics: a.metrics.Handler(),
		Ready:   []ops.Check{{Name: "accounts", Fn: a.fatalAccounts}},
	}
	if p, ok := a.store.(storage.Pinger); ok {
		src.Ready = append(src.Ready, ops.Check{Name: "storage", Fn: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return p.Ping(ctx)
		}})
	}
	return src
}
