// Package rocketchat delivers alerts to Rocket.Chat through the REST API
// (chat.postMessage) or an incoming-webhook integration.
package rocketchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mailwatch/internal/channel"
	"mailwatch/internal/dispatch"
)

type Config struct {
	// URL is the server base, e.g. https://chat.example.com.
	URL    string
	UserID string
	Token  string
	// WebhookURL is used when no REST credentials are configured.
	WebhookURL string
	Alias      string
	Emoji      string
	Timeout    time.Duration
}

func (c Config) rest() bool { return c.URL != "" && c.UserID != "" && c.Token != "" }

type Channel struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) (*Channel, error) {
	cfg.URL = strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if !cfg.rest() && cfg.WebhookURL == "" {
		return nil, errors.New("rocketchat: need url, user_id and token, or webhook_url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Alias == "" {
		cfg.Alias = "mailwatch"
	}
	if cfg.Emoji == "" {
		cfg.Emoji = ":email:"
	}
	return &Channel{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (c *Channel) Kind() channel.Kind { return channel.RocketChat }

type postMessage struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
	Alias   string `json:"alias,omitempty"`
	Emoji   string `json:"emoji,omitempty"`
}

// Send posts to dest.Address ("#room" or "@user"). Rocket.Chat renders the
// same bold/italic/code markers, so text is forwarded as is. A credential
// of the form "userID:token" overrides the REST login.
func (c *Channel) Send(ctx context.Context, msg channel.Message, dest channel.Destination) error {
	body := postMessage{
		Channel: strings.TrimSpace(dest.Address),
		Text:    msg.Text,
		Alias:   c.cfg.Alias,
		Emoji:   c.cfg.Emoji,
	}
	userID, token := c.cfg.UserID, c.cfg.Token
	if dest.Credential != "" {
		u, t, ok := strings.Cut(dest.Credential, ":")
		if !ok || u == "" || t == "" {
			return dispatch.NoRetry(errors.New("rocketchat: credential must be userID:token"))
		}
		userID, token = u, t
	}

	if c.cfg.URL != "" && userID != "" && token != "" {
		if body.Channel == "" {
			return dispatch.NoRetry(errors.New("rocketchat: empty room"))
		}
		return c.post(ctx, c.cfg.URL+"/api/v1/chat.postMessage", body, func(h http.Header) {
			h.Set("X-User-Id", userID)
			h.Set("X-Auth-Token", token)
		})
	}
	return c.post(ctx, c.cfg.WebhookURL, body, nil)
}

func (c *Channel) post(ctx context.Context, url string, body postMessage, auth func(http.Header)) error {
	b, err := json.Marshal(body)
	if err != nil {
		return dispatch.NoRetry(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return dispatch.NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != nil {
		auth(req.Header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || auth == nil {
		return dispatch.CheckResponse(resp)
	}

	// The REST API can answer 200 with success=false.
	var out struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("rocketchat: decode reply: %w", err)
	}
	if !out.Success {
		return dispatch.NoRetry(fmt.Errorf("rocketchat: %s", out.Error))
	}
	return nil
}
