package storage

import (
	"fmt"
	"strings"

	logx "mailwatch/pkg/logx"
)

type opener func(cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":       openFile,
	"sqlite":     openSQLite,
	"sqlite3":    openSQLite,
	"postgres":   openPostgres,
	"postgresql": openPostgres,
	"mysql":      openMySQL,
}

// Open returns the store for cfg.Driver, or (nil, nil) when storage is off.
// SQL drivers are migrated before Open returns.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	st, err := open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", name, err)
	}
	_, dir := st.(DirectoryStore)
	log.Info("storage opened", logx.String("driver", name), logx.Bool("directory", dir))
	return st, nil
}
