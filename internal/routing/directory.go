package routing

import (
	"context"
	"strings"
	"sync/atomic"

	"mailwatch/internal/channel"
)

// StaticDirectory serves routes from configuration. Safe for concurrent use;
// Set replaces the whole table.
type StaticDirectory struct {
	m atomic.Pointer[map[string][]channel.Destination]
}

func NewStaticDirectory(entries map[string][]channel.Destination) *StaticDirectory {
	d := &StaticDirectory{}
	d.Set(entries)
	return d
}

func (d *StaticDirectory) Set(entries map[string][]channel.Destination) {
	m := make(map[string][]channel.Destination, len(entries))
	for k, v := range entries {
		k = strings.ToLower(strings.TrimSpace(k))
		m[k] = append(m[k], v...)
	}
	d.m.Store(&m)
}

func (d *StaticDirectory) FindDestinationsBySender(_ context.Context, pattern string) ([]channel.Destination, error) {
	m := *d.m.Load()
	return m[strings.ToLower(pattern)], nil
}

// Chain consults directories in order and returns the first non-empty
// answer. An error from one directory is returned only if no later
// directory has a match.
type Chain []Directory

func (c Chain) FindDestinationsBySender(ctx context.Context, pattern string) ([]channel.Destination, error) {
	var firstErr error
	for _, d := range c {
		if d == nil {
			continue
		}
		out, err := d.FindDestinationsBySender(ctx, pattern)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	return nil, firstErr
}
