package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError lists every problem found in a config. It is returned at
// startup (halting it) and on reload (keeping the previous snapshot).
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p *problems) duration(path, raw string) {
	if _, err := ParseDurationField(path, raw); err != nil {
		*p = append(*p, err.Error())
	}
}

// Validate checks cross-field consistency. It does not apply defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &ValidationError{Problems: []string{"config is nil"}}
	}
	var p problems

	enabled := map[string]bool{
		"telegram":   cfg.Channels.Telegram.Enabled,
		"webhook":    cfg.Channels.Webhook.Enabled,
		"rocketchat": cfg.Channels.RocketChat.Enabled,
	}
	checkDest := func(path string, d DestinationConfig) {
		ch := strings.ToLower(strings.TrimSpace(d.Channel))
		on, known := enabled[ch]
		switch {
		case !known:
			p.addf("%s.channel: unknown channel %q", path, d.Channel)
			return
		case !on:
			p.addf("%s.channel: channel %q is not enabled", path, ch)
		}
		addr := strings.TrimSpace(d.Address)
		if addr == "" {
			p.addf("%s.address: required", path)
			return
		}
		switch ch {
		case "telegram":
			id, _, _ := strings.Cut(addr, "/")
			if _, err := strconv.ParseInt(id, 10, 64); err != nil {
				p.addf("%s.address: telegram chat id %q is not numeric", path, addr)
			}
		case "webhook":
			u, err := url.Parse(addr)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				p.addf("%s.address: webhook url %q must be http(s)", path, addr)
			}
		case "rocketchat":
			if !strings.HasPrefix(addr, "#") && !strings.HasPrefix(addr, "@") {
				p.addf("%s.address: rocketchat target %q must start with # or @", path, addr)
			}
		}
	}

	// Accounts.
	seen := map[string]bool{}
	active := 0
	allOverridden := true
	for i, a := range cfg.Accounts {
		path := fmt.Sprintf("accounts[%d]", i)
		id := strings.TrimSpace(a.ID)
		if id == "" {
			p.addf("%s.id: required", path)
		} else if seen[id] {
			p.addf("%s.id: duplicate %q", path, id)
		}
		seen[id] = true
		if !a.IsEnabled() {
			continue
		}
		active++
		if strings.TrimSpace(a.Host) == "" {
			p.addf("%s.host: required", path)
		}
		if strings.TrimSpace(a.Username) == "" {
			p.addf("%s.username: required", path)
		}
		if a.Password == "" {
			p.addf("%s.password: required", path)
		}
		if a.Port < 0 || a.Port > 65535 {
			p.addf("%s.port: out of range", path)
		}
		switch strings.ToLower(a.TLS.Mode) {
		case "", "implicit", "starttls":
		default:
			p.addf("%s.tls.mode: must be implicit or starttls", path)
		}
		if len(a.Destinations) == 0 {
			allOverridden = false
		}
		for j, d := range a.Destinations {
			checkDest(fmt.Sprintf("%s.destinations[%d]", path, j), d)
		}
	}
	if active == 0 {
		p.addf("accounts: at least one enabled account is required")
	}

	// Routing.
	if len(cfg.Routing.Default) == 0 && !allOverridden {
		p.addf("routing.default: required unless every account has destinations")
	}
	for i, d := range cfg.Routing.Default {
		checkDest(fmt.Sprintf("routing.default[%d]", i), d)
	}
	for i, e := range cfg.Routing.Directory.Entries {
		path := fmt.Sprintf("routing.directory.entries[%d]", i)
		pat := strings.TrimSpace(e.Pattern)
		if pat == "" || !strings.Contains(pat, "@") {
			p.addf("%s.pattern: %q must be an address or *@domain", path, e.Pattern)
		}
		for j, d := range e.Destinations {
			checkDest(fmt.Sprintf("%s.destinations[%d]", path, j), d)
		}
	}

	// Channels.
	if cfg.Channels.Telegram.Enabled && strings.TrimSpace(cfg.Channels.Telegram.Token) == "" {
		p.addf("channels.telegram.token: required when enabled")
	}
	if rc := cfg.Channels.RocketChat; rc.Enabled {
		rest := rc.URL != "" && rc.UserID != "" && rc.Token != ""
		if !rest && rc.WebhookURL == "" {
			p.addf("channels.rocketchat: url+user_id+token or webhook_url required when enabled")
		}
	}
	for name, r := range map[string]RetryConfig{
		"telegram":   cfg.Channels.Telegram.Retry,
		"webhook":    cfg.Channels.Webhook.Retry,
		"rocketchat": cfg.Channels.RocketChat.Retry,
	} {
		path := "channels." + name + ".retry"
		switch strings.ToLower(r.Policy) {
		case "", "fixed", "exponential":
		default:
			p.addf("%s.policy: must be fixed or exponential", path)
		}
		if r.MaxAttempts < 0 {
			p.addf("%s.max_attempts: must be >= 0", path)
		}
		p.duration(path+".delay", r.Delay)
		p.duration(path+".max_delay", r.MaxDelay)
		p.duration(path+".timeout", r.Timeout)
	}

	// Logging alert sink.
	if cfg.Logging.Alert.Enabled {
		checkDest("logging.alert.destination", cfg.Logging.Alert.Destination)
	}
	p.duration("logging.alert.repeat_window", cfg.Logging.Alert.RepeatWindow)

	// Poll and connection.
	p.duration("poll.interval", cfg.Poll.Interval)
	switch strings.ToLower(cfg.Poll.OnFatal) {
	case "", "stop", "continue":
	default:
		p.addf("poll.on_fatal: must be stop or continue")
	}
	c := cfg.Connection
	if c.MaxAttempts < 0 {
		p.addf("connection.max_attempts: must be >= 0")
	}
	if c.BackoffFactor != 0 && c.BackoffFactor < 1 {
		p.addf("connection.backoff_factor: must be >= 1")
	}
	p.duration("connection.base_delay", c.BaseDelay)
	p.duration("connection.max_delay", c.MaxDelay)
	p.duration("connection.dial_timeout", c.DialTimeout)
	p.duration("connection.command_timeout", c.CommandTimeout)
	p.duration("connection.probe_interval", c.ProbeInterval)
	p.duration("connection.logout_timeout", c.LogoutTimeout)

	p.duration("dispatch.shutdown_timeout", cfg.Dispatch.ShutdownTimeout)
	p.duration("dedupe.retention", cfg.Dedupe.Retention)
	if cfg.Dedupe.MaxEntries < 0 {
		p.addf("dedupe.max_entries: must be >= 0")
	}
	// With BODY.PEEK the server keeps the message unseen, so an evicted key
	// would be alerted again on the next cycle.
	if cfg.Poll.MarkSeen != nil && !*cfg.Poll.MarkSeen {
		ret, _ := ParseDurationField("dedupe.retention", cfg.Dedupe.Retention)
		if ret > 0 || cfg.Dedupe.MaxEntries > 0 {
			p.addf("dedupe: retention and max_entries require poll.mark_seen: true")
		}
	}

	// Storage.
	switch strings.ToLower(cfg.Storage.Driver) {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			p.addf("storage.path: required for driver %q", cfg.Storage.Driver)
		}
	case "postgres", "mysql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			p.addf("storage.dsn: required for %s", cfg.Storage.Driver)
		}
	default:
		p.addf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	p.duration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	p.duration("storage.audit_retention", cfg.Storage.AuditRetention)

	// Ops server.
	if o := cfg.Ops; o.Enabled {
		addr := strings.TrimSpace(o.Addr)
		if addr == "" {
			addr = DefaultOpsAddr
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			p.addf("ops.addr: %v", err)
		} else if !isLoopback(host) && o.Token == "" && !o.AllowInsecure {
			p.addf("ops.addr: non-loopback address requires token or allow_insecure")
		}
		p.duration("ops.read_timeout", o.ReadTimeout)
		p.duration("ops.idle_timeout", o.IdleTimeout)
	}

	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

// DefaultOpsAddr is used when ops.addr is empty.
const DefaultOpsAddr = "127.0.0.1:9187"

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
