package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// IMAPDialer opens sessions with go-imap.
type IMAPDialer struct {
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

func (d IMAPDialer) Dial(ctx context.Context, acct Account) (Client, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nd := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := nd.DialContext(ctx, "tcp", acct.Addr())
	if err != nil {
		return nil, &NetworkError{Op: "dial", Err: err}
	}

	serverName := acct.ServerName
	if serverName == "" {
		serverName = acct.Host
	}
	tlsCfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: acct.InsecureSkipVerify, //nolint:gosec // opt-in per account
		MinVersion:         tls.VersionTLS12,
	}

	if acct.TLS != TLSStartTLS {
		tc := tls.Client(conn, tlsCfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, &NetworkError{Op: "tls", Err: err}
		}
		conn = tc
	}

	// The greeting read is bounded by the dial deadline.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, err := client.New(conn)
	if err != nil {
		_ = conn.Close()
		return nil, &NetworkError{Op: "greeting", Err: err}
	}
	_ = conn.SetDeadline(time.Time{})
	c.Timeout = d.CommandTimeout
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}

	if acct.TLS == TLSStartTLS {
		if err := c.StartTLS(tlsCfg); err != nil {
			_ = c.Terminate()
			return nil, &NetworkError{Op: "starttls", Err: err}
		}
	}
	return &imapClient{c: c, user: acct.Username}, nil
}

type imapClient struct {
	c    *client.Client
	user string
}

func (ic *imapClient) Login(username, password string) error {
	err := ic.c.Login(username, password)
	if err == nil {
		return nil
	}
	// A NO/BAD leaves the connection usable; anything else means it broke
	// while authenticating.
	if ic.c.State() == imap.LogoutState || isNetErr(err) {
		return &NetworkError{Op: "login", Err: err}
	}
	return &AuthError{User: username, Err: err}
}

func (ic *imapClient) Select(mailbox string) (uint32, error) {
	st, err := ic.c.Select(mailbox, false)
	if err != nil {
		return 0, err
	}
	return st.UidValidity, nil
}

func (ic *imapClient) SearchUnseen() ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	return ic.c.UidSearch(criteria)
}

func (ic *imapClient) Size(uid uint32) (int64, error) {
	seq := new(imap.SeqSet)
	seq.AddNum(uid)
	items := []imap.FetchItem{imap.FetchUid, imap.FetchRFC822Size}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- ic.c.UidFetch(seq, items, ch) }()

	size := int64(-1)
	for msg := range ch {
		if msg != nil && size < 0 {
			size = int64(msg.Size)
		}
	}
	if err := <-done; err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, ErrMessageGone
	}
	return size, nil
}

// Fetch downloads BODY[]. maxBytes still caps the read in case the server
// under-reported the size.
func (ic *imapClient) Fetch(uid uint32, markSeen bool, maxBytes int64) ([]byte, error) {
	seq := new(imap.SeqSet)
	seq.AddNum(uid)
	section := &imap.BodySectionName{Peek: !markSeen}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- ic.c.UidFetch(seq, items, ch) }()

	var raw []byte
	var readErr error
	for msg := range ch {
		if msg == nil || raw != nil || readErr != nil {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		r := io.Reader(body)
		if maxBytes > 0 {
			r = io.LimitReader(body, maxBytes+1)
		}
		b, err := io.ReadAll(r)
		if err != nil {
			readErr = err
			continue
		}
		if maxBytes > 0 && int64(len(b)) > maxBytes {
			readErr = fmt.Errorf("%w: over %d bytes", ErrTooLarge, maxBytes)
			continue
		}
		raw = b
	}
	if err := <-done; err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}
	if raw == nil {
		return nil, ErrMessageGone
	}
	return raw, nil
}

func (ic *imapClient) Noop() error   { return ic.c.Noop() }
func (ic *imapClient) Logout() error { return ic.c.Logout() }

func (ic *imapClient) Close() error {
	if ic.c.State() == imap.LogoutState {
		return nil
	}
	return ic.c.Terminate()
}

func isNetErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
