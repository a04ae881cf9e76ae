package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	logx "mailwatch/pkg/logx"
)

// fileStore appends audit entries as JSON Lines to <path>, rotated by
// lumberjack. Age-based cleanup is lumberjack's MaxAge, so PruneAudit is a
// no-op.
type fileStore struct {
	log logx.Logger

	mu  sync.Mutex
	out *lumberjack.Logger
	enc *json.Encoder
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// Fail early on an unwritable path; lumberjack would only report it on
	// the first write.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return &fileStore{log: log, out: out, enc: json.NewEncoder(out)}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return nil
	}
	err := s.out.Close()
	s.out = nil
	s.enc = nil
	return err
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return s.enc.Encode(e)
}

func (s *fileStore) PruneAudit(context.Context, time.Time) (int64, error) { return 0, nil }
