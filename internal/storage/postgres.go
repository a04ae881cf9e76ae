package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"

	logx "mailwatch/pkg/logx"
)

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	return openNetworkSQL("postgres", postgresDialect, cfg, log)
}

// openNetworkSQL opens a server-backed database, pings it and migrates.
func openNetworkSQL(driver string, d dialect, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New(driver + " dsn is required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	st := &sqlStore{db: db, d: d, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}
