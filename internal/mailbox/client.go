package mailbox

import (
	"context"
	"net"
	"strconv"
)

// TLSMode selects how the connection is encrypted.
type TLSMode string

const (
	TLSImplicit TLSMode = "implicit"
	TLSStartTLS TLSMode = "starttls"
)

// Account is everything needed to open and use one mailbox session.
type Account struct {
	ID       string
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string

	TLS                TLSMode
	InsecureSkipVerify bool
	ServerName         string

	// MarkSeen makes FETCH set \Seen; otherwise BODY.PEEK is used.
	MarkSeen bool
	// MaxMessageBytes skips larger messages. 0 means no limit.
	MaxMessageBytes int64
}

func (a Account) Addr() string {
	port := a.Port
	if port == 0 {
		port = 993
		if a.TLS == TLSStartTLS {
			port = 143
		}
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(port))
}

func (a Account) mailbox() string {
	if a.Mailbox == "" {
		return "INBOX"
	}
	return a.Mailbox
}

// Client is one connected protocol session. Calls must not overlap; the
// supervisor serializes them.
type Client interface {
	Login(username, password string) error
	// Select returns the mailbox UIDVALIDITY.
	Select(mailbox string) (uint32, error)
	SearchUnseen() ([]uint32, error)
	// Size returns RFC822.SIZE without touching flags.
	Size(uid uint32) (int64, error)
	Fetch(uid uint32, markSeen bool, maxBytes int64) ([]byte, error)
	Noop() error
	Logout() error
	Close() error
}

// Dialer opens a connected, not yet authenticated client.
type Dialer interface {
	Dial(ctx context.Context, acct Account) (Client, error)
}
