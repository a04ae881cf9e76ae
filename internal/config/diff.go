package config

import (
	"reflect"

	logx "mailwatch/pkg/logx"
)

// SummarizeChange returns the changed top-level sections, safe log attrs
// (never secrets) and whether any change needs a restart to take effect.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	restart := false

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Accounts, newCfg.Accounts) {
		changed = append(changed, "accounts")
		attrs = append(attrs, logx.Int("accounts.count", len(newCfg.Accounts)))
		// Existing accounts are reconfigured in place; the poller set is fixed.
		if !reflect.DeepEqual(enabledAccounts(oldCfg), enabledAccounts(newCfg)) {
			restart = true
		}
	}
	if !reflect.DeepEqual(oldCfg.Poll, newCfg.Poll) || !reflect.DeepEqual(oldCfg.Connection, newCfg.Connection) {
		changed = append(changed, "poll")
		attrs = append(attrs, logx.String("poll.interval", newCfg.Poll.Interval))
	}
	if !reflect.DeepEqual(oldCfg.Classifier, newCfg.Classifier) {
		changed = append(changed, "classifier")
		attrs = append(attrs,
			logx.Int("classifier.critical", len(newCfg.Classifier.Critical)),
			logx.Int("classifier.moderate", len(newCfg.Classifier.Moderate)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
	}
	if !reflect.DeepEqual(oldCfg.Routing, newCfg.Routing) {
		changed = append(changed, "routing")
		attrs = append(attrs,
			logx.Int("routing.default", len(newCfg.Routing.Default)),
			logx.Int("routing.directory", len(newCfg.Routing.Directory.Entries)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		o, n := oldCfg.Channels, newCfg.Channels
		// Credentials and endpoints are bound when the channel is built.
		if o.Telegram.Enabled != n.Telegram.Enabled || o.Telegram.Token != n.Telegram.Token || o.Telegram.APIURL != n.Telegram.APIURL ||
			o.Webhook.Enabled != n.Webhook.Enabled || o.Webhook.Secret != n.Webhook.Secret ||
			o.RocketChat.Enabled != n.RocketChat.Enabled || o.RocketChat.URL != n.RocketChat.URL ||
			o.RocketChat.UserID != n.RocketChat.UserID || o.RocketChat.Token != n.RocketChat.Token ||
			o.RocketChat.WebhookURL != n.RocketChat.WebhookURL {
			restart = true
		}
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		if oldCfg.Dispatch.ShutdownTimeout != newCfg.Dispatch.ShutdownTimeout {
			attrs = append(attrs, logx.String("dispatch.shutdown_timeout", newCfg.Dispatch.ShutdownTimeout))
		}
	}
	if !reflect.DeepEqual(oldCfg.Dedupe, newCfg.Dedupe) {
		changed = append(changed, "dedupe")
		attrs = append(attrs,
			logx.String("dedupe.retention", newCfg.Dedupe.Retention),
			logx.Int("dedupe.max_entries", newCfg.Dedupe.MaxEntries),
		)
	}
	if !reflect.DeepEqual(oldCfg.Heartbeat, newCfg.Heartbeat) {
		changed = append(changed, "heartbeat")
		attrs = append(attrs, logx.Bool("heartbeat.enabled", newCfg.Heartbeat.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		restart = true
	}
	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		restart = true
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}
	return changed, attrs, restart
}

func enabledAccounts(cfg *Config) []string {
	var ids []string
	for _, a := range cfg.Accounts {
		if a.IsEnabled() {
			ids = append(ids, a.ID)
		}
	}
	return ids
}
