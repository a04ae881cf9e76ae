package dispatch

import (
	"errors"
	"fmt"
	"time"

	"mailwatch/internal/channel"
)

var ErrNoChannel = errors.New("dispatch: no channel registered for destination")

// Error is a delivery failure for one destination after retries.
type Error struct {
	Destination channel.Destination
	Attempts    int
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("deliver to %s failed after %d attempt(s): %v", e.Destination, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NoRetry marks an error as permanent (bad chat id, 4xx): the dispatcher
// stops retrying that chunk.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a server-provided delay (HTTP Retry-After, Telegram
// flood wait). The dispatcher waits at least this long, bounded by the
// policy's MaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

func retryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}
