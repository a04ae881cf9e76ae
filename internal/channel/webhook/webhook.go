// Package webhook posts alerts as signed JSON to arbitrary HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"mailwatch/internal/channel"
	"mailwatch/internal/dispatch"
)

type Config struct {
	// Secret signs payloads; a destination credential overrides it.
	Secret    string
	Timeout   time.Duration
	UserAgent string
}

// Payload is the JSON body. Text is plain; Markup keeps the marker syntax.
type Payload struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	AlertID   string    `json:"alert_id,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	Account   string    `json:"account,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	From      string    `json:"from,omitempty"`
	Date      time.Time `json:"date,omitzero"`
	Text      string    `json:"text"`
	Markup    string    `json:"markup"`
	Chunk     int       `json:"chunk"`
	Chunks    int       `json:"chunks"`
	Timestamp time.Time `json:"timestamp"`
}

type Channel struct {
	cfg  Config
	http *http.Client
	now  func() time.Time
}

func New(cfg Config) *Channel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "mailwatch-webhook/1"
	}
	return &Channel{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, now: time.Now}
}

func (c *Channel) Kind() channel.Kind { return channel.Webhook }

func (c *Channel) Send(ctx context.Context, msg channel.Message, dest channel.Destination) error {
	if err := ValidateURL(dest.Address); err != nil {
		return dispatch.NoRetry(err)
	}
	p := Payload{
		ID:        uuid.NewString(),
		Event:     msg.Meta.Event,
		AlertID:   msg.Meta.ID,
		Tier:      msg.Meta.Tier,
		Account:   msg.Meta.Account,
		Subject:   msg.Meta.Subject,
		From:      msg.Meta.From,
		Date:      msg.Meta.Date,
		Text:      channel.ToPlain(msg.Text),
		Markup:    msg.Text,
		Chunk:     max(msg.Chunk, 1),
		Chunks:    max(msg.Chunks, 1),
		Timestamp: c.now().UTC(),
	}
	if p.Event == "" {
		p.Event = "alert"
	}
	body, err := json.Marshal(p)
	if err != nil {
		return dispatch.NoRetry(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.Address, bytes.NewReader(body))
	if err != nil {
		return dispatch.NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("X-Webhook-Event", p.Event)
	req.Header.Set("X-Webhook-ID", p.ID)
	secret := c.cfg.Secret
	if dest.Credential != "" {
		secret = dest.Credential
	}
	if secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(body, secret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return dispatch.CheckResponse(resp)
}

// Sign returns "sha256=<hex hmac>" of body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

// ValidateURL accepts absolute http and https URLs.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook: invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook: url must be http(s) with a host: %q", raw)
	}
	return nil
}
