package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mailwatch/internal/channel"
	"mailwatch/internal/dispatch"
	"mailwatch/internal/eventbus"
	logx "mailwatch/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v, want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("Open(redis) error = nil")
	}
}

func TestFileStoreAppendsJSONLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit", "dispatch.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	ctx := context.Background()
	for i, ok := range []bool{true, false} {
		e := AuditEntry{EnvelopeID: "env", Tier: "critical", Channel: "telegram", Address: "42", OK: ok, Attempts: i + 1}
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit error: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer f.Close()
	var got []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		got = append(got, e)
	}
	if len(got) != 2 || !got[0].OK || got[1].OK || got[1].Attempts != 2 || got[0].At.IsZero() {
		t.Fatalf("entries = %+v", got)
	}
}

func openTestSQLite(t *testing.T) *sqlStore {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "mw.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st.(*sqlStore)
}

func TestSQLiteDirectory(t *testing.T) {
	t.Parallel()

	st := openTestSQLite(t)
	ctx := context.Background()
	var _ DirectoryStore = st
	var _ Pinger = st
	if err := st.Ping(ctx); err != nil {
		t.Fatalf("Ping error: %v", err)
	}

	routes := []Route{
		{Pattern: "Boss@Example.com", Destination: channel.Destination{Channel: channel.Telegram, Address: "42"}},
		{Pattern: "*@example.com", Destination: channel.Destination{Channel: channel.Webhook, Address: "https://hook"}},
		{Pattern: "boss@example.com", Destination: channel.Destination{Channel: channel.RocketChat, Address: "#ops", Credential: "u:t"}},
	}
	for _, r := range routes {
		if err := st.PutRoute(ctx, r); err != nil {
			t.Fatalf("PutRoute error: %v", err)
		}
	}
	// Upsert replaces the credential in place.
	routes[2].Destination.Credential = "u2:t2"
	if err := st.PutRoute(ctx, routes[2]); err != nil {
		t.Fatalf("PutRoute upsert error: %v", err)
	}

	got, err := st.FindDestinationsBySender(ctx, "BOSS@example.com")
	if err != nil {
		t.Fatalf("Find error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("exact match = %+v, want 2 destinations", got)
	}
	var rc channel.Destination
	for _, d := range got {
		if d.Channel == channel.RocketChat {
			rc = d
		}
	}
	if rc.Credential != "u2:t2" {
		t.Fatalf("credential = %q, want upserted value", rc.Credential)
	}

	got, _ = st.FindDestinationsBySender(ctx, "*@example.com")
	if len(got) != 1 || got[0].Channel != channel.Webhook {
		t.Fatalf("domain match = %+v", got)
	}
	if got, _ := st.FindDestinationsBySender(ctx, "nobody@else.org"); len(got) != 0 {
		t.Fatalf("unknown sender = %+v, want none", got)
	}

	if err := st.DeleteRoute(ctx, routes[1]); err != nil {
		t.Fatalf("DeleteRoute error: %v", err)
	}
	all, err := st.ListRoutes(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListRoutes = %+v, %v", all, err)
	}
}

func TestSQLiteAuditPrune(t *testing.T) {
	t.Parallel()

	st := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now()
	for _, at := range []time.Time{now.Add(-48 * time.Hour), now.Add(-time.Hour), now} {
		if err := st.AppendAudit(ctx, AuditEntry{At: at, EnvelopeID: "e", Tier: "moderate", Channel: "webhook", Address: "x"}); err != nil {
			t.Fatalf("AppendAudit error: %v", err)
		}
	}
	n, err := st.PruneAudit(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PruneAudit = %d, %v, want 1", n, err)
	}
	var left int
	if err := st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_audit`).Scan(&left); err != nil || left != 2 {
		t.Fatalf("rows left = %d, %v, want 2", left, err)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()

	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	if got := postgresDialect.rebind(q); got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Fatalf("postgres rebind = %q", got)
	}
	if got := mysqlDialect.rebind(q); got != q {
		t.Fatalf("mysql rebind = %q", got)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	t.Parallel()

	for _, d := range []dialect{sqliteDialect, postgresDialect, mysqlDialect} {
		b, err := migrationsFS.ReadFile("migrations/" + d.name + ".sql")
		if err != nil || len(b) == 0 {
			t.Fatalf("migration %s: %v", d.name, err)
		}
	}
}

type memStore struct {
	entries chan AuditEntry
}

func (m *memStore) AppendAudit(_ context.Context, e AuditEntry) error {
	select {
	case m.entries <- e:
	default:
	}
	return nil
}
func (m *memStore) PruneAudit(context.Context, time.Time) (int64, error) { return 0, nil }
func (m *memStore) Close() error { return nil }

func TestRecorderWritesDispatchResults(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	st := &memStore{entries: make(chan AuditEntry, 4)}
	rec := NewRecorder(st, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	started := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_ = rec.Run(ctx)
	}()
	<-started

	// Publish until the entry shows up.
	ev := eventbus.Event{Type: eventbus.TypeDispatchResult, Data: dispatch.ResultEvent{
		EnvelopeID: "env-9", Channel: "telegram", Address: "42", Success: true, Attempts: 3, Duration: 1500 * time.Millisecond,
	}}
	var got AuditEntry
	deadline := time.After(2 * time.Second)
wait:
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TypeSessionState})
		bus.Publish(ev)
		select {
		case got = <-st.entries:
			break wait
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no audit entry recorded")
		}
	}
	cancel()
	<-done

	if got.EnvelopeID != "env-9" || !got.OK || got.Attempts != 3 || got.TookMS != 1500 {
		t.Fatalf("entry = %+v", got)
	}
}

func TestSQLiteDSNCarriesPragmas(t *testing.T) {
	t.Parallel()

	dsn := sqliteDSN("/var/lib/mw.db", 0)
	for _, want := range []string{"file:/var/lib/mw.db?", "busy_timeout%281000%29", "journal_mode%28WAL%29"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q missing %q", dsn, want)
		}
	}
	if mem := sqliteDSN(":memory:", 2*time.Second); strings.Contains(mem, "journal_mode") || !strings.Contains(mem, "busy_timeout%282000%29") {
		t.Fatalf("memory dsn = %q", mem)
	}
}
