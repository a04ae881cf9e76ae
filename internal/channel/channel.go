// Package channel defines the outbound notification capability and the
// destination value type shared by routing and dispatch. Concrete channels
// live in subpackages (telegram, webhook, rocketchat).
package channel

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// Kind tags a channel implementation.
type Kind string

const (
	Telegram   Kind = "telegram"
	Webhook    Kind = "webhook"
	RocketChat Kind = "rocketchat"
)

// ParseKind normalizes a configured channel name.
func ParseKind(s string) Kind { return Kind(strings.ToLower(strings.TrimSpace(s))) }

// Destination is a channel-specific delivery target.
type Destination struct {
	Channel    Kind
	Address    string
	Credential string // optional override, never logged
}

// Key is the destination identity used for de-duplication.
func (d Destination) Key() string {
	return string(d.Channel) + "|" + d.Address + "|" + d.Credential
}

// String is safe to log.
func (d Destination) String() string { return string(d.Channel) + ":" + d.Address }

// Meta describes the alert a payload belongs to. Channels with structured
// payloads (webhook) forward it; chat channels ignore it.
type Meta struct {
	ID      string
	Event   string // "alert" or "system"
	Tier    string
	Account string
	Subject string
	From    string
	Date    time.Time
}

// Message is one payload (or one chunk of it). Text uses the markup subset
// understood by ToHTML and ToPlain.
type Message struct {
	Text   string
	Chunk  int // 1-based
	Chunks int
	Meta   Meta
}

// Channel delivers a message to a destination. Errors may be wrapped with
// dispatch.NoRetry or dispatch.RetryAfter to steer retries.
type Channel interface {
	Kind() Kind
	Send(ctx context.Context, msg Message, dest Destination) error
}

var ErrUnknownChannel = errors.New("channel: unknown channel")

// Registry maps kinds to channel implementations.
type Registry struct {
	m map[Kind]Channel
}

func NewRegistry(chs ...Channel) *Registry {
	r := &Registry{m: make(map[Kind]Channel, len(chs))}
	for _, ch := range chs {
		if ch != nil {
			r.m[ch.Kind()] = ch
		}
	}
	return r
}

func (r *Registry) Get(k Kind) (Channel, bool) {
	if r == nil {
		return nil, false
	}
	ch, ok := r.m[k]
	return ch, ok
}

func (r *Registry) Kinds() []Kind {
	if r == nil {
		return nil
	}
	out := make([]Kind, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
