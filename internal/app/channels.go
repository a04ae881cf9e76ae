package app

import (
	"fmt"

	"mailwatch/internal/channel"
	"mailwatch/internal/channel/rocketchat"
	"mailwatch/internal/channel/telegram"
	"mailwatch/internal/channel/webhook"
	"mailwatch/internal/config"
	"mailwatch/internal/dispatch"
	logx "mailwatch/pkg/logx"
)

// buildChannels creates the enabled channels. Credentials and endpoints are
// bound here, so changing them needs a restart.
func buildChannels(cfg *config.Config, dc dispatch.Config, log logx.Logger) (*channel.Registry, error) {
	ch := cfg.Channels
	var out []channel.Channel

	if ch.Telegram.Enabled {
		tg, err := telegram.New(telegram.Config{
			Token:   ch.Telegram.Token,
			APIURL:  ch.Telegram.APIURL,
			Timeout: dc.Channels[channel.Telegram].Policy.Timeout,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("channels.telegram: %w", err)
		}
		out = append(out, tg)
	}
	if ch.Webhook.Enabled {
		out = append(out, webhook.New(webhook.Config{
			Secret:  ch.Webhook.Secret,
			Timeout: dc.Channels[channel.Webhook].Policy.Timeout,
		}))
	}
	if ch.RocketChat.Enabled {
		rc, err := rocketchat.New(rocketchat.Config{
			URL:        ch.RocketChat.URL,
			UserID:     ch.RocketChat.UserID,
			Token:      ch.RocketChat.Token,
			WebhookURL: ch.RocketChat.WebhookURL,
			Timeout:    dc.Channels[channel.RocketChat].Policy.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("channels.rocketchat: %w", err)
		}
		out = append(out, rc)
	}
	return channel.NewRegistry(out...), nil
}
