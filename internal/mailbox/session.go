package mailbox

import (
	"context"
	"errors"
	"fmt"
)

// Session is a handle to the supervisor's current connection. It becomes
// stale once the supervisor drops or replaces that connection; calls on a
// stale handle return a ProtocolError.
type Session struct {
	sup    *Supervisor
	client Client

	// Set by Select, read by SearchUnseen. Both run under sup.mu.
	selected string
	validity uint32
}

// Select opens the account's mailbox.
func (s *Session) Select(ctx context.Context) error {
	return s.run(ctx, "select", func(c Client, a Account) error {
		v, err := c.Select(a.mailbox())
		if err != nil {
			return err
		}
		s.selected, s.validity = a.mailbox(), v
		return nil
	})
}

// SearchUnseen returns the unseen messages of the selected mailbox.
func (s *Session) SearchUnseen(ctx context.Context) ([]MessageRef, error) {
	var refs []MessageRef
	err := s.run(ctx, "search", func(c Client, a Account) error {
		uids, err := c.SearchUnseen()
		if err != nil {
			return err
		}
		mbox := s.selected
		if mbox == "" {
			mbox = a.mailbox()
		}
		refs = make([]MessageRef, 0, len(uids))
		for _, uid := range uids {
			refs = append(refs, MessageRef{Account: a.ID, Mailbox: mbox, Validity: s.validity, UID: uid})
		}
		return nil
	})
	return refs, err
}

// Fetch returns the raw RFC 5322 message. ErrMessageGone and ErrTooLarge are
// returned as is; other failures are ProtocolErrors. With a size limit the
// size is checked first, so an oversized message is neither downloaded nor
// flagged \Seen.
func (s *Session) Fetch(ctx context.Context, ref MessageRef) ([]byte, error) {
	var raw []byte
	err := s.run(ctx, "fetch", func(c Client, a Account) error {
		if a.MaxMessageBytes > 0 {
			n, err := c.Size(ref.UID)
			if err != nil {
				return err
			}
			if n > a.MaxMessageBytes {
				return fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
			}
		}
		b, err := c.Fetch(ref.UID, a.MarkSeen, a.MaxMessageBytes)
		raw = b
		return err
	})
	return raw, err
}

func (s *Session) run(ctx context.Context, op string, fn func(Client, Account) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sup := s.sup
	sup.mu.Lock()
	defer sup.mu.Unlock()

	if sup.client == nil || sup.client != s.client {
		return &ProtocolError{Op: op, Err: errStaleSession}
	}
	err := fn(s.client, sup.acct)
	switch {
	case err == nil:
		sup.lastOK = sup.now()
		return nil
	case IsMessageLevel(err):
		sup.lastOK = sup.now()
		return err
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		err = &ProtocolError{Op: op, Err: err}
	}
	return err
}
