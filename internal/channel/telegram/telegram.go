// Package telegram delivers alerts through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"mailwatch/internal/channel"
	"mailwatch/internal/dispatch"
	logx "mailwatch/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides https://api.telegram.org.
	APIURL  string
	Timeout time.Duration
}

// Channel sends HTML messages. A destination credential selects another bot
// token; bots are created lazily and cached per token.
type Channel struct {
	cfg  Config
	log  logx.Logger
	http *http.Client

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Channel{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: cfg.Timeout},
		bots: map[string]*tele.Bot{},
	}
	if _, err := c.bot(cfg.Token); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Channel) Kind() channel.Kind { return channel.Telegram }

func (c *Channel) bot(token string) (*tele.Bot, error) {
	token = strings.TrimSpace(token)
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.bots[token]; b != nil {
		return b, nil
	}
	// Offline skips getMe; a bad token surfaces on the first send.
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     c.cfg.APIURL,
		Client:  c.http,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	c.bots[token] = b
	return b, nil
}

// Send posts msg as HTML. Telegram's flood wait becomes a RetryAfter hint;
// 400 and 403 (bad chat, bot blocked) are not retried.
func (c *Channel) Send(ctx context.Context, msg channel.Message, dest channel.Destination) error {
	chatID, threadID, err := ParseAddress(dest.Address)
	if err != nil {
		return dispatch.NoRetry(err)
	}
	token := c.cfg.Token
	if dest.Credential != "" {
		token = dest.Credential
	}
	b, err := c.bot(token)
	if err != nil {
		return dispatch.NoRetry(err)
	}

	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              threadID,
	}
	text := channel.ToHTML(msg.Text)

	// telebot has no context support; the http client timeout bounds the
	// request and ctx bounds our wait.
	done := make(chan error, 1)
	go func() {
		_, err := b.Send(&tele.Chat{ID: chatID}, text, opts)
		done <- err
	}()
	select {
	case err = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return classify(err)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return dispatch.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		if permanent(te.Code) {
			return dispatch.NoRetry(err)
		}
		return err
	}
	// Descriptions telebot does not know come back as "telegram: <desc> (<code>)".
	msg := err.Error()
	if i := strings.LastIndexByte(msg, '('); i >= 0 && strings.HasSuffix(msg, ")") {
		if code, convErr := strconv.Atoi(msg[i+1 : len(msg)-1]); convErr == nil && permanent(code) {
			return dispatch.NoRetry(err)
		}
	}
	return err
}

func permanent(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// ParseAddress reads "chatID" or "chatID/threadID".
func ParseAddress(addr string) (chatID int64, threadID int, err error) {
	addr = strings.TrimSpace(addr)
	chat, thread, hasThread := strings.Cut(addr, "/")
	chatID, err = strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("telegram: invalid chat id %q", addr)
	}
	if hasThread {
		threadID, err = strconv.Atoi(strings.TrimSpace(thread))
		if err != nil || threadID < 0 {
			return 0, 0, fmt.Errorf("telegram: invalid thread id %q", addr)
		}
	}
	return chatID, threadID, nil
}
