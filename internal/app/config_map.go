package app

import (
	"fmt"
	"strings"
	"time"

	"mailwatch/internal/alert"
	"mailwatch/internal/channel"
	"mailwatch/internal/config"
	"mailwatch/internal/dedupe"
	"mailwatch/internal/dispatch"
	"mailwatch/internal/housekeeping"
	"mailwatch/internal/mailbox"
	"mailwatch/internal/observability/ops"
	"mailwatch/internal/poller"
	"mailwatch/internal/routing"
	"mailwatch/internal/storage"
	logx "mailwatch/pkg/logx"
)

// mapLogging never fails: durations were checked by config.Validate.
func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	repeat, _ := config.ParseDurationField("logging.alert.repeat_window", l.Alert.RepeatWindow)
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Alert: logx.AlertConfig{
			Enabled:      l.Alert.Enabled,
			MinLevel:     l.Alert.MinLevel,
			RatePerSec:   l.Alert.RatePerSec,
			Queue:        l.Alert.Queue,
			RepeatWindow: repeat,
		},
	}
}

func mapDestination(d config.DestinationConfig) channel.Destination {
	return channel.Destination{
		Channel:    channel.ParseKind(d.Channel),
		Address:    strings.TrimSpace(d.Address),
		Credential: d.Credential,
	}
}

func mapDestinations(in []config.DestinationConfig) []channel.Destination {
	if len(in) == 0 {
		return nil
	}
	out := make([]channel.Destination, 0, len(in))
	for _, d := range in {
		out = append(out, mapDestination(d))
	}
	return out
}

func markSeen(cfg *config.Config) bool {
	return cfg.Poll.MarkSeen == nil || *cfg.Poll.MarkSeen
}

func mapAccount(cfg *config.Config, a config.AccountConfig) mailbox.Account {
	mode := mailbox.TLSImplicit
	if strings.EqualFold(a.TLS.Mode, string(mailbox.TLSStartTLS)) {
		mode = mailbox.TLSStartTLS
	}
	maxBytes := int64(cfg.Poll.MaxMessageBytes)
	if maxBytes == 0 {
		maxBytes = 25 << 20
	}
	return mailbox.Account{
		ID:                 strings.TrimSpace(a.ID),
		Host:               strings.TrimSpace(a.Host),
		Port:               a.Port,
		Username:           a.Username,
		Password:           a.Password,
		Mailbox:            a.Mailbox,
		TLS:                mode,
		InsecureSkipVerify: a.TLS.InsecureSkipVerify,
		ServerName:         a.TLS.ServerName,
		MarkSeen:           markSeen(cfg),
		MaxMessageBytes:    maxBytes,
	}
}

func mapConnection(cfg *config.Config) (mailbox.Config, error) {
	c := cfg.Connection
	base, err := config.ParseDurationOrDefault("connection.base_delay", c.BaseDelay, 30*time.Second)
	if err != nil {
		return mailbox.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("connection.max_delay", c.MaxDelay, 10*time.Minute)
	if err != nil {
		return mailbox.Config{}, err
	}
	probe, err := config.ParseDurationField("connection.probe_interval", c.ProbeInterval)
	if err != nil {
		return mailbox.Config{}, err
	}
	logout, err := config.ParseDurationOrDefault("connection.logout_timeout", c.LogoutTimeout, 10*time.Second)
	if err != nil {
		return mailbox.Config{}, err
	}
	attempts := c.MaxAttempts
	if attempts == 0 {
		attempts = 5
	}
	factor := c.BackoffFactor
	if factor == 0 {
		factor = 1.5
	}
	return mailbox.Config{
		MaxAttempts:   attempts,
		BaseDelay:     base,
		BackoffFactor: factor,
		MaxDelay:      maxDelay,
		ProbeInterval: probe,
		LogoutTimeout: logout,
	}, nil
}

func mapDialer(cfg *config.Config) (*mailbox.IMAPDialer, error) {
	dial, err := config.ParseDurationOrDefault("connection.dial_timeout", cfg.Connection.DialTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	cmd, err := config.ParseDurationOrDefault("connection.command_timeout", cfg.Connection.CommandTimeout, 60*time.Second)
	if err != nil {
		return nil, err
	}
	return &mailbox.IMAPDialer{DialTimeout: dial, CommandTimeout: cmd}, nil
}

func mapPoll(cfg *config.Config) (poller.Config, error) {
	p := cfg.Poll
	interval, err := config.ParseDurationOrDefault("poll.interval", p.Interval, 60*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	limit := p.FetchLimit
	if limit == 0 {
		limit = 50
	}
	threshold := p.FailureAlertThreshold
	if threshold == 0 {
		threshold = 3
	}
	conc := p.Concurrency
	if conc <= 0 {
		conc = 4
	}
	return poller.Config{
		Interval:              interval,
		FetchLimit:            limit,
		FailureAlertThreshold: threshold,
		ContinueOnFatal:       strings.EqualFold(p.OnFatal, "continue"),
		Concurrency:           conc,
	}, nil
}

func mapRenderer(cfg *config.Config) (alert.Renderer, error) {
	r := alert.Renderer{BodyMaxChars: cfg.Alerts.BodyMaxChars}
	if tz := strings.TrimSpace(cfg.Alerts.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return alert.Renderer{}, fmt.Errorf("alerts.timezone: invalid %q: %w", tz, err)
		}
		r.Location = loc
	}
	return r, nil
}

func systemNotices(cfg *config.Config) bool {
	return cfg.Alerts.SystemNotices == nil || *cfg.Alerts.SystemNotices
}

func mapRouting(cfg *config.Config) (routing.Table, map[string][]channel.Destination) {
	t := routing.Table{
		Accounts: map[string][]channel.Destination{},
		Default:  mapDestinations(cfg.Routing.Default),
	}
	for _, a := range cfg.Accounts {
		if ds := mapDestinations(a.Destinations); len(ds) > 0 {
			t.Accounts[strings.TrimSpace(a.ID)] = ds
		}
	}
	dir := map[string][]channel.Destination{}
	for _, e := range cfg.Routing.Directory.Entries {
		pat := strings.ToLower(strings.TrimSpace(e.Pattern))
		dir[pat] = append(dir[pat], mapDestinations(e.Destinations)...)
	}
	return t, dir
}

type channelDefaults struct {
	maxChunk int
	rate     float64
	retry    dispatch.Policy
}

var (
	telegramDefaults   = channelDefaults{maxChunk: 3800, rate: 1, retry: dispatch.Policy{MaxAttempts: 5, Delay: 15 * time.Second, Backoff: dispatch.Exponential, MaxDelay: 2 * time.Minute, Timeout: 30 * time.Second}}
	webhookDefaults    = channelDefaults{maxChunk: 60000, rate: 5, retry: dispatch.Policy{MaxAttempts: 3, Delay: 5 * time.Second, Backoff: dispatch.Exponential, MaxDelay: time.Minute, Timeout: 15 * time.Second}}
	rocketChatDefaults = channelDefaults{maxChunk: 4000, rate: 2, retry: dispatch.Policy{MaxAttempts: 3, Delay: 5 * time.Second, Backoff: dispatch.Exponential, MaxDelay: time.Minute, Timeout: 15 * time.Second}}
)

func mapChannelSettings(name string, def channelDefaults, maxChunk int, rate float64, r config.RetryConfig) (dispatch.ChannelSettings, error) {
	p := def.retry
	path := "channels." + name + ".retry"
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if strings.TrimSpace(r.Policy) != "" {
		p.Backoff = dispatch.ParseBackoff(r.Policy)
	}
	var err error
	if p.Delay, err = config.ParseDurationOrDefault(path+".delay", r.Delay, p.Delay); err != nil {
		return dispatch.ChannelSettings{}, err
	}
	if p.MaxDelay, err = config.ParseDurationOrDefault(path+".max_delay", r.MaxDelay, p.MaxDelay); err != nil {
		return dispatch.ChannelSettings{}, err
	}
	if p.Timeout, err = config.ParseDurationOrDefault(path+".timeout", r.Timeout, p.Timeout); err != nil {
		return dispatch.ChannelSettings{}, err
	}
	if maxChunk == 0 {
		maxChunk = def.maxChunk
	}
	if rate == 0 {
		rate = def.rate
	}
	return dispatch.ChannelSettings{Policy: p, MaxChunk: maxChunk, RatePerSec: rate}, nil
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	ch := cfg.Channels
	out := dispatch.Config{Workers: cfg.Dispatch.Workers, Channels: map[channel.Kind]dispatch.ChannelSettings{}}
	if out.Workers <= 0 {
		out.Workers = 8
	}
	if ch.Telegram.Enabled {
		s, err := mapChannelSettings("telegram", telegramDefaults, ch.Telegram.MaxChunk, ch.Telegram.RatePerSec, ch.Telegram.Retry)
		if err != nil {
			return dispatch.Config{}, err
		}
		out.Channels[channel.Telegram] = s
	}
	if ch.Webhook.Enabled {
		s, err := mapChannelSettings("webhook", webhookDefaults, ch.Webhook.MaxChunk, ch.Webhook.RatePerSec, ch.Webhook.Retry)
		if err != nil {
			return dispatch.Config{}, err
		}
		out.Channels[channel.Webhook] = s
	}
	if ch.RocketChat.Enabled {
		s, err := mapChannelSettings("rocketchat", rocketChatDefaults, ch.RocketChat.MaxChunk, ch.RocketChat.RatePerSec, ch.RocketChat.Retry)
		if err != nil {
			return dispatch.Config{}, err
		}
		out.Channels[channel.RocketChat] = s
	}
	return out, nil
}

func mapShutdownTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("dispatch.shutdown_timeout", cfg.Dispatch.ShutdownTimeout, 15*time.Second)
}

func mapDedupe(cfg *config.Config) (dedupe.Config, error) {
	ret, err := config.ParseDurationField("dedupe.retention", cfg.Dedupe.Retention)
	if err != nil {
		return dedupe.Config{}, err
	}
	return dedupe.Config{Retention: ret, MaxEntries: cfg.Dedupe.MaxEntries}, nil
}

func mapHousekeeping(cfg *config.Config) (housekeeping.Config, error) {
	ret, err := config.ParseDurationField("storage.audit_retention", cfg.Storage.AuditRetention)
	if err != nil {
		return housekeeping.Config{}, err
	}
	return housekeeping.Config{
		PruneSchedule:     cfg.Dedupe.PruneSchedule,
		AuditRetention:    ret,
		Heartbeat:         cfg.Heartbeat.Enabled,
		HeartbeatSchedule: cfg.Heartbeat.Schedule,
		Timezone:          cfg.Heartbeat.Timezone,
	}, nil
}

// mapStorage returns enabled=false for driver none.
func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         sc.DSN,
		BusyTimeout: busy,
		MaxSizeMB:   sc.MaxSizeMB,
		MaxBackups:  sc.MaxBackups,
		MaxAgeDays:  sc.MaxAgeDays,
	}, true, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		Metrics:       o.Metrics == nil || *o.Metrics,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}
