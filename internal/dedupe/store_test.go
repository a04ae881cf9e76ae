package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMarkSeenIsPermanentByDefault(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	if s.HasSeen("ops:1") {
		t.Fatalf("HasSeen before MarkSeen")
	}
	if !s.MarkSeen("ops:1") {
		t.Fatalf("first MarkSeen = false")
	}
	if s.MarkSeen("ops:1") {
		t.Fatalf("second MarkSeen = true")
	}

	// Zero config never evicts, however old the entry.
	s.now = func() time.Time { return time.Now().Add(24 * 365 * time.Hour) }
	if n := s.Prune(); n != 0 {
		t.Fatalf("Prune removed %d, want 0", n)
	}
	if !s.HasSeen("ops:1") {
		t.Fatalf("key reverted to unseen")
	}
}

func TestMarkSeenConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkSeen("shared:7") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("winners = %d, want 1", got)
	}
}

func TestClaimSingleHandler(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Claim("shared:9") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("claims won = %d, want 1", got)
	}
	if s.HasSeen("shared:9") {
		t.Fatalf("claimed key reported seen")
	}

	s.Release("shared:9")
	if !s.Claim("shared:9") {
		t.Fatalf("Claim after Release = false")
	}
	if !s.MarkSeen("shared:9") {
		t.Fatalf("MarkSeen of claimed key = false")
	}
	if s.Claim("shared:9") {
		t.Fatalf("Claim of seen key = true")
	}
}

func TestPruneRetentionAndCap(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	s := New(Config{})
	s.now = func() time.Time { return clock }
	for i := 0; i < 5; i++ {
		clock = base.Add(time.Duration(i) * time.Hour)
		s.MarkSeen(fmt.Sprintf("a:%d", i))
	}

	clock = base.Add(5 * time.Hour)
	s.SetConfig(Config{Retention: 150 * time.Minute})
	if n := s.Prune(); n != 3 {
		t.Fatalf("retention Prune removed %d, want 3", n)
	}

	s.SetConfig(Config{MaxEntries: 1})
	if n := s.Prune(); n != 1 {
		t.Fatalf("cap Prune removed %d, want 1", n)
	}
	entries := s.Entries()
	if len(entries) != 1 || entries[0].Key != "a:4" {
		t.Fatalf("entries = %v, want only a:4", entries)
	}
}
