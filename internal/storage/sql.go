package storage

import (
	"context"
	"database/sql"
	"embed"
	"strconv"
	"strings"
	"time"

	"mailwatch/internal/channel"
	logx "mailwatch/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect struct {
	name string
	// dollar rewrites ? placeholders to $1..$n.
	dollar bool
	upsert string
}

var (
	sqliteDialect = dialect{
		name:   "sqlite",
		upsert: "ON CONFLICT(pattern, channel, address) DO UPDATE SET credential = excluded.credential",
	}
	postgresDialect = dialect{
		name:   "postgres",
		dollar: true,
		upsert: "ON CONFLICT(pattern, channel, address) DO UPDATE SET credential = excluded.credential",
	}
	mysqlDialect = dialect{
		name:   "mysql",
		upsert: "ON DUPLICATE KEY UPDATE credential = VALUES(credential)",
	}
)

// rebind rewrites ? placeholders for the dialect. Queries here never
// contain literal question marks.
func (d dialect) rebind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// sqlStore backs every SQL driver.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + s.d.name + ".sql")
	if err != nil {
		return err
	}
	// One statement per Exec; mysql rejects multi-statement strings by default.
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO dispatch_audit(at, envelope_id, dedupe_key, account, tier, is_system, subject, channel, address, ok, attempts, chunks, failed_chunks, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		e.At.UnixMilli(), e.EnvelopeID, nullStr(e.Key), nullStr(e.Account), e.Tier, boolInt(e.System), nullStr(e.Subject),
		e.Channel, e.Address, boolInt(e.OK), e.Attempts, e.Chunks, e.FailedChunks, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqlStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM dispatch_audit WHERE at < ?`), before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) FindDestinationsBySender(ctx context.Context, pattern string) ([]channel.Destination, error) {
	pattern = normalizePattern(pattern)
	if pattern == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT channel, address, credential FROM routes WHERE pattern = ? ORDER BY created_at, channel, address`), pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []channel.Destination
	for rows.Next() {
		var ch, addr, cred string
		if err := rows.Scan(&ch, &addr, &cred); err != nil {
			return nil, err
		}
		out = append(out, channel.Destination{Channel: channel.ParseKind(ch), Address: addr, Credential: cred})
	}
	return out, rows.Err()
}

func (s *sqlStore) PutRoute(ctx context.Context, r Route) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO routes(pattern, channel, address, credential, created_at) VALUES(?,?,?,?,?) `+s.d.upsert),
		normalizePattern(r.Pattern), string(r.Destination.Channel), r.Destination.Address, r.Destination.Credential, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqlStore) DeleteRoute(ctx context.Context, r Route) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`DELETE FROM routes WHERE pattern = ? AND channel = ? AND address = ?`),
		normalizePattern(r.Pattern), string(r.Destination.Channel), r.Destination.Address,
	)
	return err
}

func (s *sqlStore) ListRoutes(ctx context.Context) ([]Route, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pattern, channel, address, credential FROM routes ORDER BY pattern, created_at, channel, address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Route
	for rows.Next() {
		var r Route
		var ch string
		if err := rows.Scan(&r.Pattern, &ch, &r.Destination.Address, &r.Destination.Credential); err != nil {
			return nil, err
		}
		r.Destination.Channel = channel.ParseKind(ch)
		out = append(out, r)
	}
	return out, rows.Err()
}

func normalizePattern(p string) string { return strings.ToLower(strings.TrimSpace(p)) }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
