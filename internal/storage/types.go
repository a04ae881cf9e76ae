package storage

import (
	"context"
	"errors"
	"time"

	"mailwatch/internal/channel"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. Driver "" or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// File driver rotation; zero values use lumberjack defaults.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// AuditEntry records one delivery result. Keep it compact and schema-stable.
type AuditEntry struct {
	At           time.Time `json:"at"`
	EnvelopeID   string    `json:"envelope_id"`
	Key          string    `json:"key,omitempty"`
	Account      string    `json:"account,omitempty"`
	Tier         string    `json:"tier"`
	System       bool      `json:"system,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	Channel      string    `json:"channel"`
	Address      string    `json:"address"`
	OK           bool      `json:"ok"`
	Attempts     int       `json:"attempts"`
	Chunks       int       `json:"chunks"`
	FailedChunks int       `json:"failed_chunks,omitempty"`
	Error        string    `json:"error,omitempty"`
	TookMS       int64     `json:"took_ms"`
}

// Route maps a sender pattern (address or "*@domain") to one destination.
type Route struct {
	Pattern     string
	Destination channel.Destination
}

// Store is the audit sink every driver provides.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// PruneAudit removes entries older than before and returns how many.
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Pinger is implemented by stores backed by a network or file database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DirectoryStore is implemented by the SQL drivers.
type DirectoryStore interface {
	Store
	FindDestinationsBySender(ctx context.Context, pattern string) ([]channel.Destination, error)
	PutRoute(ctx context.Context, r Route) error
	DeleteRoute(ctx context.Context, r Route) error
	ListRoutes(ctx context.Context) ([]Route, error)
}
