package mailbox

import (
	"errors"
	"fmt"
)

var (
	// ErrFatal is returned once authentication failed max_attempts times in a
	// row. The supervisor makes no further attempts until Reset.
	ErrFatal = errors.New("mailbox: authentication exhausted")
	// ErrUnavailable is returned when max_attempts consecutive network
	// failures ended a connect round. The next EnsureReady starts over.
	ErrUnavailable = errors.New("mailbox: server unavailable")
	ErrClosed      = errors.New("mailbox: supervisor closed")

	// Message-level fetch outcomes. They skip one message and keep the session.
	ErrMessageGone = errors.New("mailbox: message no longer exists")
	ErrTooLarge    = errors.New("mailbox: message exceeds size limit")

	errStaleSession = errors.New("session was replaced")
	errReconfigured = errors.New("account changed while connecting")
)

// NetworkError is a dial, TLS or probe failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("mailbox %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError is a rejected LOGIN.
type AuthError struct {
	User string
	Err  error
}

func (e *AuthError) Error() string { return fmt.Sprintf("mailbox login %q: %v", e.User, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// ProtocolError is an unexpected failure of SELECT, SEARCH or FETCH. The
// session is dropped and reopened on the next cycle.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("mailbox %s: %v", e.Op, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// IsMessageLevel reports whether err only affects a single message.
func IsMessageLevel(err error) bool {
	return errors.Is(err, ErrMessageGone) || errors.Is(err, ErrTooLarge)
}
