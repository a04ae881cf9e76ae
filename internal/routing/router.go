// Package routing resolves the destinations of an alert.
package routing

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"mailwatch/internal/alert"
	"mailwatch/internal/channel"
	"mailwatch/internal/message"
	logx "mailwatch/pkg/logx"
)

// Directory finds destinations registered for a sender pattern. Patterns are
// a full address or a "*@domain" wildcard; matching is exact on the pattern.
type Directory interface {
	FindDestinationsBySender(ctx context.Context, pattern string) ([]channel.Destination, error)
}

// Table is the routing configuration that can be swapped on reload.
type Table struct {
	// Accounts maps an account id to its override destinations.
	Accounts map[string][]channel.Destination
	Default  []channel.Destination
}

// Router resolves destinations in order: account override, directory by
// exact sender, directory by sender domain, default. The first non-empty
// stage wins.
type Router struct {
	table   atomic.Pointer[Table]
	dir     Directory
	log     logx.Logger
	timeout time.Duration
}

func NewRouter(t Table, dir Directory, log logx.Logger) *Router {
	r := &Router{dir: dir, log: log, timeout: 5 * time.Second}
	r.SetTable(t)
	return r
}

func (r *Router) SetTable(t Table) { r.table.Store(&t) }

// Defaults returns the configured default destinations.
func (r *Router) Defaults() []channel.Destination {
	return Dedupe(r.table.Load().Default)
}

// Route never returns an empty list while defaults are configured. Directory
// failures are logged and treated as no match.
func (r *Router) Route(ctx context.Context, msg message.Parsed, tier alert.Tier) []channel.Destination {
	t := r.table.Load()
	if d := t.Accounts[msg.Ref.Account]; len(d) > 0 {
		return Dedupe(d)
	}
	if r.dir != nil && msg.From != "" {
		if d := r.lookup(ctx, msg.From, tier); len(d) > 0 {
			return Dedupe(d)
		}
		if dom := msg.Domain(); dom != "" {
			if d := r.lookup(ctx, "*@"+dom, tier); len(d) > 0 {
				return Dedupe(d)
			}
		}
	}
	return Dedupe(t.Default)
}

func (r *Router) lookup(ctx context.Context, pattern string, tier alert.Tier) []channel.Destination {
	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	d, err := r.dir.FindDestinationsBySender(lctx, strings.ToLower(pattern))
	if err != nil {
		r.log.Warn("directory lookup failed", logx.String("pattern", pattern), logx.String("tier", tier.String()), logx.Err(err))
		return nil
	}
	return d
}

// Dedupe drops repeated destinations, keeping first-seen order.
func Dedupe(in []channel.Destination) []channel.Destination {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]channel.Destination, 0, len(in))
	for _, d := range in {
		k := d.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}
	return out
}
