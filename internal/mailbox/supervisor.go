// Package mailbox owns the IMAP session of one account: connect,
// authenticate, keepalive probe and reconnect with backoff.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"mailwatch/internal/eventbus"
	"mailwatch/internal/observability/metrics"
	logx "mailwatch/pkg/logx"
)

// Config is the reconnect policy.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	// ProbeInterval is how stale the last successful command may be before
	// EnsureReady sends NOOP. 0 probes on every call.
	ProbeInterval time.Duration
	LogoutTimeout time.Duration
}

func (c Config) maxAttempts() int { return max(1, c.MaxAttempts) }

// Delay returns the wait after the n-th consecutive failure (n >= 1).
func (c Config) Delay(n int) time.Duration {
	f := c.BackoffFactor
	if f < 1 {
		f = 1
	}
	d := float64(c.BaseDelay) * math.Pow(f, float64(max(n, 1)-1))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

type Option func(*Supervisor)

func WithLogger(l logx.Logger) Option { return func(s *Supervisor) { s.log = l } }
func WithBus(b eventbus.Bus) Option { return func(s *Supervisor) { s.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Supervisor) { s.metrics = m } }
func withSleep(f func(context.Context, time.Duration) error) Option {
	return func(s *Supervisor) { s.sleep = f }
}
func withClock(f func() time.Time) Option { return func(s *Supervisor) { s.now = f } }

// Supervisor is the single owner of an account's session state. Commands on
// the session run under mu. connMu serializes connect rounds; mu is released
// while a round dials or sleeps, so readers and Invalidate, Reconfigure and
// Close never wait on backoff.
type Supervisor struct {
	dialer  Dialer
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time

	connMu sync.Mutex
	state  atomic.Int32

	mu       sync.Mutex
	acct     Account
	cfg      Config
	client   Client
	session  *Session
	attempts int
	lastOK   time.Time
	user     string
	closed   bool
}

func NewSupervisor(acct Account, cfg Config, dialer Dialer, opts ...Option) *Supervisor {
	s := &Supervisor{
		dialer: dialer,
		log:    logx.Nop(),
		bus:    eventbus.Nop,
		sleep:  sleepCtx,
		now:    time.Now,
		acct:   acct,
		cfg:    cfg,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("account", acct.ID))
	s.metrics.SetSessionState(acct.ID, Disconnected.String(), StateNames())
	return s
}

func (s *Supervisor) Account() Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acct
}

// State never blocks.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Attempts returns the consecutive failure counter.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// EnsureReady returns a usable session, connecting if needed. It blocks
// through backoff sleeps until the session is Ready, the attempts are
// exhausted (ErrFatal or ErrUnavailable) or ctx ends.
func (s *Supervisor) EnsureReady(ctx context.Context) (*Session, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if sess, done, err := s.probe(); done {
		return sess, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sess, err := s.connect(ctx)
		switch {
		case err == nil:
			return sess, nil
		case errors.Is(err, ErrClosed):
			return nil, err
		case errors.Is(err, errReconfigured):
			continue
		}
		if ctx.Err() != nil {
			s.setState(Disconnected, nil)
			return nil, ctx.Err()
		}

		delay, err := s.failure(err)
		if delay < 0 {
			return nil, err
		}
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// probe answers EnsureReady without connecting when it can: closed, fatal or
// a live session. A failed NOOP drops the session and lets the caller connect.
func (s *Supervisor) probe() (*Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, true, ErrClosed
	}
	if s.State() == Fatal {
		return nil, true, ErrFatal
	}
	if s.State() != Ready || s.client == nil {
		return nil, false, nil
	}
	if s.cfg.ProbeInterval > 0 && s.now().Sub(s.lastOK) < s.cfg.ProbeInterval {
		return s.session, true, nil
	}
	err := s.client.Noop()
	if err == nil {
		s.lastOK = s.now()
		return s.session, true, nil
	}
	s.log.Warn("keepalive probe failed; reconnecting", logx.Err(err))
	s.metrics.ConnectFailure(s.acct.ID, "probe")
	s.dropLocked()
	s.setStateLocked(Disconnected, &NetworkError{Op: "noop", Err: err})
	return nil, false, nil
}

// failure counts one failed connect. It returns the backoff before the next
// attempt, or a negative delay and the error that ends the round.
func (s *Supervisor) failure(err error) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	maxAttempts := s.cfg.maxAttempts()
	var authErr *AuthError
	isAuth := errors.As(err, &authErr)
	kind := "network"
	if isAuth {
		kind = "auth"
	}
	s.metrics.ConnectFailure(s.acct.ID, kind)

	if s.attempts >= maxAttempts {
		if isAuth {
			s.log.Error("authentication failed; giving up",
				logx.Int("attempts", s.attempts),
				logx.Err(err),
			)
			s.setStateLocked(Fatal, err)
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionFatal, Data: StateEvent{
				Account: s.acct.ID, From: Authenticating.String(), To: Fatal.String(), Attempt: s.attempts, Err: err.Error(),
			}})
			return -1, fmt.Errorf("%w: %w", ErrFatal, err)
		}
		s.log.Warn("server unavailable; attempts exhausted",
			logx.Int("attempts", s.attempts),
			logx.Err(err),
		)
		s.attempts = 0
		s.setStateLocked(Disconnected, err)
		return -1, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	delay := s.cfg.Delay(s.attempts)
	msg := "connect failed; retrying"
	if isAuth {
		msg = "authentication failed; retrying"
	}
	s.log.Warn(msg,
		logx.Int("attempt", s.attempts),
		logx.Int("max", maxAttempts),
		logx.Duration("delay", delay),
		logx.Err(err),
	)
	s.setStateLocked(Disconnected, err)
	return delay, nil
}

// connect dials and logs in without holding mu. The new client is installed
// only if the supervisor was neither closed nor given another account in the
// meantime.
func (s *Supervisor) connect(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	acct := s.acct
	s.setStateLocked(Connecting, nil)
	s.mu.Unlock()

	c, err := s.dialer.Dial(ctx, acct)
	if err != nil {
		var ne *NetworkError
		if !errors.As(err, &ne) {
			err = &NetworkError{Op: "dial", Err: err}
		}
		return nil, err
	}

	s.setState(Authenticating, nil)
	if err := c.Login(acct.Username, acct.Password); err != nil {
		_ = c.Close()
		var ae *AuthError
		var ne *NetworkError
		if !errors.As(err, &ae) && !errors.As(err, &ne) {
			err = &AuthError{User: acct.Username, Err: err}
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		_ = c.Close()
		return nil, ErrClosed
	case s.acct != acct:
		_ = c.Close()
		return nil, errReconfigured
	}
	s.client = c
	s.user = acct.Username
	s.session = &Session{sup: s, client: c}
	s.attempts = 0
	s.lastOK = s.now()
	s.setStateLocked(Ready, nil)
	s.log.Info("session ready", logx.String("user", s.user), logx.String("addr", acct.Addr()))
	return s.session, nil
}

// Invalidate drops the current session. The next EnsureReady reconnects.
func (s *Supervisor) Invalidate(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateLocked(reason)
}

func (s *Supervisor) invalidateLocked(reason error) {
	if s.client == nil {
		return
	}
	s.log.Warn("dropping session", logx.Err(reason))
	s.dropLocked()
	if s.State() != Fatal {
		s.setStateLocked(Disconnected, reason)
	}
}

func (s *Supervisor) dropLocked() {
	if s.client != nil {
		_ = s.client.Close()
	}
	s.client = nil
	s.session = nil
}

// Reset re-arms a Fatal supervisor.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
	if s.State() == Fatal {
		s.setStateLocked(Disconnected, nil)
	}
}

// Reconfigure swaps the account and policy. A changed account drops the
// session and clears Fatal so new credentials get a fresh round.
func (s *Supervisor) Reconfigure(acct Account, cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if acct == s.acct {
		return
	}
	s.acct = acct
	s.dropLocked()
	s.attempts = 0
	if s.State() != Disconnected {
		s.setStateLocked(Disconnected, nil)
	}
}

// Close logs out, bounded by LogoutTimeout. The supervisor refuses further
// use afterwards.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	c := s.client
	if c == nil {
		return nil
	}
	s.client = nil
	s.session = nil

	timeout := s.cfg.LogoutTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Logout() }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	_ = c.Close()
	if s.State() != Fatal {
		s.setStateLocked(Disconnected, nil)
	}
	if err != nil {
		s.log.Warn("logout failed", logx.Err(err))
		return err
	}
	s.log.Info("logged out")
	return nil
}

func (s *Supervisor) setState(to State, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(to, cause)
}

func (s *Supervisor) setStateLocked(to State, cause error) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.metrics.SetSessionState(s.acct.ID, to.String(), StateNames())

	ev := StateEvent{Account: s.acct.ID, From: from.String(), To: to.String(), Attempt: s.attempts}
	if cause != nil {
		ev.Err = cause.Error()
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionState, Data: ev})
	s.log.Debug("session state", logx.String("from", ev.From), logx.String("to", ev.To))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
