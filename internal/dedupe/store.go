// Package dedupe remembers which messages were already handled during the
// life of the process. Nothing is persisted.
package dedupe

import (
	"sort"
	"sync"
	"time"
)

// Entry is one seen key.
type Entry struct {
	Key       string
	FirstSeen time.Time
}

// Config bounds the store. The zero value never evicts, so a key marked seen
// stays seen until the process exits.
type Config struct {
	// Retention evicts entries older than this on Prune. 0 disables.
	Retention time.Duration
	// MaxEntries evicts the oldest entries beyond this size on Prune. 0 disables.
	MaxEntries int
}

// Store is safe for concurrent use. MarkSeen is an atomic check-then-mark.
// Claim reserves a key while it is being handled, so two handlers never both
// act on it.
type Store struct {
	mu      sync.RWMutex
	seen    map[string]time.Time
	pending map[string]struct{}
	cfg     Config
	now     func() time.Time
}

func New(cfg Config) *Store {
	return &Store{
		seen:    make(map[string]time.Time),
		pending: make(map[string]struct{}),
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetConfig swaps the eviction bounds. It takes effect on the next Prune.
func (s *Store) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Store) HasSeen(key string) bool {
	s.mu.RLock()
	_, ok := s.seen[key]
	s.mu.RUnlock()
	return ok
}

// Claim reserves key for the caller. It is false when key is already seen or
// claimed. A claim ends with MarkSeen or Release.
func (s *Store) Claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false
	}
	if _, ok := s.pending[key]; ok {
		return false
	}
	s.pending[key] = struct{}{}
	return true
}

// Release drops a claim without marking key seen.
func (s *Store) Release(key string) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}

// MarkSeen records key, ending any claim on it, and reports whether it was
// newly added.
func (s *Store) MarkSeen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = s.now()
	return true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// Entries returns a snapshot ordered by first-seen time.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.seen))
	for k, t := range s.seen {
		out = append(out, Entry{Key: k, FirstSeen: t})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Prune applies the configured bounds and returns how many entries it evicted.
// With the zero Config it is a no-op.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	if s.cfg.Retention > 0 {
		cutoff := s.now().Add(-s.cfg.Retention)
		for k, t := range s.seen {
			if t.Before(cutoff) {
				delete(s.seen, k)
				removed++
			}
		}
	}
	if s.cfg.MaxEntries > 0 && len(s.seen) > s.cfg.MaxEntries {
		type kv struct {
			k string
			t time.Time
		}
		all := make([]kv, 0, len(s.seen))
		for k, t := range s.seen {
			all = append(all, kv{k, t})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].t.Before(all[j].t) })
		for _, e := range all[:len(all)-s.cfg.MaxEntries] {
			delete(s.seen, e.k)
			removed++
		}
	}
	return removed
}
