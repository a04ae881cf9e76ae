package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "10m").
// Zero or omitted values fall back to the defaults documented on each field.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Accounts   []AccountConfig  `json:"accounts"`
	Poll       PollConfig       `json:"poll"`
	Connection ConnectionConfig `json:"connection"`
	Classifier ClassifierConfig `json:"classifier"`
	Alerts     AlertsConfig     `json:"alerts"`
	Routing    RoutingConfig    `json:"routing"`
	Channels   ChannelsConfig   `json:"channels"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Dedupe     DedupeConfig     `json:"dedupe"`
	Heartbeat  HeartbeatConfig  `json:"heartbeat"`
	Storage    StorageConfig    `json:"storage"`
	Ops        OpsConfig        `json:"ops"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

// LoggingFile is the rotating JSON log file.
//
// Defaults: path "./mailwatch.log", max_size_mb 50.
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingAlert forwards warn/error log records to one destination.
type LoggingAlert struct {
	Enabled     bool              `json:"enabled"`
	Destination DestinationConfig `json:"destination"`
	MinLevel    string            `json:"min_level,omitempty"`    // default: warn
	RatePerSec  int               `json:"rate_per_sec,omitempty"` // default: 1
	Queue       int               `json:"queue,omitempty"`        // default: 128

	// RepeatWindow drops a repeated level+message inside the window.
	RepeatWindow string `json:"repeat_window,omitempty"` // default: "10m"
}

// AccountConfig is one watched mailbox.
//
// Defaults: port 993, mailbox "INBOX", tls.mode "implicit", enabled true.
type AccountConfig struct {
	ID       string    `json:"id"`
	Host     string    `json:"host"`
	Port     int       `json:"port,omitempty"`
	Username string    `json:"username"`
	Password string    `json:"password"` // never logged
	Mailbox  string    `json:"mailbox,omitempty"`
	Enabled  *bool     `json:"enabled,omitempty"`
	TLS      TLSConfig `json:"tls"`

	// Destinations overrides routing for every message of this account.
	Destinations []DestinationConfig `json:"destinations,omitempty"`
}

func (a AccountConfig) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }

type TLSConfig struct {
	Mode               string `json:"mode,omitempty"` // implicit | starttls
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
	ServerName         string `json:"server_name,omitempty"`
}

// DestinationConfig names a channel type and a channel-specific address.
//
// Address forms:
//   - telegram: "<chat_id>" or "<chat_id>/<thread_id>"
//   - webhook: "https://..."
//   - rocketchat: "#channel" or "@user"
//
// Credential optionally overrides the channel's default credential
// (bot token, webhook secret, "user_id:token").
type DestinationConfig struct {
	Channel    string `json:"channel"`
	Address    string `json:"address"`
	Credential string `json:"credential,omitempty"`
}

// PollConfig controls the per-account poll loop.
//
// Defaults:
//   - interval: "60s"
//   - fetch_limit: 50
//   - mark_seen: true
//   - max_message_bytes: 26214400
//   - failure_alert_threshold: 3
//   - on_fatal: "stop"
//   - concurrency: 4
type PollConfig struct {
	Interval              string `json:"interval,omitempty"`
	FetchLimit            int    `json:"fetch_limit,omitempty"`
	MarkSeen              *bool  `json:"mark_seen,omitempty"`
	MaxMessageBytes       int    `json:"max_message_bytes,omitempty"`
	FailureAlertThreshold int    `json:"failure_alert_threshold,omitempty"`
	OnFatal               string `json:"on_fatal,omitempty"`
	Concurrency           int    `json:"concurrency,omitempty"`
}

// ConnectionConfig controls session establishment and reconnect backoff.
//
// Defaults:
//   - max_attempts: 5
//   - base_delay: "30s"
//   - backoff_factor: 1.5
//   - max_delay: "10m"
//   - dial_timeout: "30s"
//   - command_timeout: "60s"
//   - probe_interval: "0s" (probe before every cycle)
//   - logout_timeout: "10s"
type ConnectionConfig struct {
	MaxAttempts    int     `json:"max_attempts,omitempty"`
	BaseDelay      string  `json:"base_delay,omitempty"`
	BackoffFactor  float64 `json:"backoff_factor,omitempty"`
	MaxDelay       string  `json:"max_delay,omitempty"`
	DialTimeout    string  `json:"dial_timeout,omitempty"`
	CommandTimeout string  `json:"command_timeout,omitempty"`
	ProbeInterval  string  `json:"probe_interval,omitempty"`
	LogoutTimeout  string  `json:"logout_timeout,omitempty"`
}

// ClassifierConfig holds subject keywords. Empty lists use the built-in defaults.
type ClassifierConfig struct {
	Critical []string `json:"critical,omitempty"`
	Moderate []string `json:"moderate,omitempty"`
}

// AlertsConfig controls rendering and system notices.
//
// Defaults: body_max_chars 1500, system_notices true, timezone "Local".
type AlertsConfig struct {
	BodyMaxChars  int    `json:"body_max_chars,omitempty"`
	SystemNotices *bool  `json:"system_notices,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

type RoutingConfig struct {
	Default   []DestinationConfig `json:"default"`
	Directory DirectoryConfig     `json:"directory"`
}

// DirectoryConfig holds static sender routes. Patterns are either a full
// address ("ops@example.com") or a domain wildcard ("*@example.com").
// When storage uses a SQL driver, its directory table is consulted first.
type DirectoryConfig struct {
	Entries []DirectoryEntry `json:"entries,omitempty"`
}

type DirectoryEntry struct {
	Pattern      string              `json:"pattern"`
	Destinations []DestinationConfig `json:"destinations"`
}

type ChannelsConfig struct {
	Telegram   TelegramChannelConfig   `json:"telegram"`
	Webhook    WebhookChannelConfig    `json:"webhook"`
	RocketChat RocketChatChannelConfig `json:"rocketchat"`
}

// TelegramChannelConfig.
//
// Defaults: max_chunk 3800, rate_per_sec 1, retry {5, "15s", exponential, "2m", "30s"}.
type TelegramChannelConfig struct {
	Enabled    bool        `json:"enabled"`
	Token      string      `json:"token"` // never logged
	APIURL     string      `json:"api_url,omitempty"`
	MaxChunk   int         `json:"max_chunk,omitempty"`
	RatePerSec float64     `json:"rate_per_sec,omitempty"`
	Retry      RetryConfig `json:"retry"`
}

// WebhookChannelConfig.
//
// Defaults: max_chunk 60000, rate_per_sec 5, retry {3, "5s", exponential, "1m", "15s"}.
type WebhookChannelConfig struct {
	Enabled    bool        `json:"enabled"`
	Secret     string      `json:"secret,omitempty"` // HMAC key, never logged
	MaxChunk   int         `json:"max_chunk,omitempty"`
	RatePerSec float64     `json:"rate_per_sec,omitempty"`
	Retry      RetryConfig `json:"retry"`
}

// RocketChatChannelConfig posts through REST (url + user_id + token)
// or through an incoming webhook (webhook_url).
//
// Defaults: max_chunk 4000, rate_per_sec 2, retry {3, "5s", exponential, "1m", "15s"}.
type RocketChatChannelConfig struct {
	Enabled    bool        `json:"enabled"`
	URL        string      `json:"url,omitempty"`
	UserID     string      `json:"user_id,omitempty"`
	Token      string      `json:"token,omitempty"` // never logged
	WebhookURL string      `json:"webhook_url,omitempty"`
	MaxChunk   int         `json:"max_chunk,omitempty"`
	RatePerSec float64     `json:"rate_per_sec,omitempty"`
	Retry      RetryConfig `json:"retry"`
}

// RetryConfig is the per-channel dispatch retry policy.
// Policy is "fixed" or "exponential".
type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Delay       string `json:"delay,omitempty"`
	Policy      string `json:"policy,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// DispatchConfig. Defaults: workers 8, shutdown_timeout "15s".
type DispatchConfig struct {
	Workers         int    `json:"workers,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// DedupeConfig controls optional eviction of seen keys.
// With retention "0s" and max_entries 0 nothing is ever evicted.
type DedupeConfig struct {
	Retention     string `json:"retention,omitempty"`
	MaxEntries    int    `json:"max_entries,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"` // default: "@every 10m"
}

// HeartbeatConfig sends a periodic "monitor alive" notice to the default destinations.
type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron with optional seconds; default "0 0 8 * * *"
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional SQL directory and dispatch audit trail.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./mailwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // none | file | sqlite | postgres | mysql
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres, mysql; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// AuditRetention deletes older SQL audit rows on the prune schedule.
	AuditRetention string `json:"audit_retention,omitempty"`
	// File driver rotation.
	MaxSizeMB  int `json:"max_size_mb,omitempty"`
	MaxBackups int `json:"max_backups,omitempty"`
	MaxAgeDays int `json:"max_age_days,omitempty"`
}

// OpsConfig controls the optional ops HTTP server (health, metrics, pprof).
//
// Security note: prefer binding to localhost. A non-loopback address needs
// a token or an explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9187"
	Token         string `json:"token,omitempty"` // optional bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Metrics       *bool  `json:"metrics,omitempty"` // default: true
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
