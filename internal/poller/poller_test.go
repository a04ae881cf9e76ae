package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"mailwatch/internal/alert"
	"mailwatch/internal/channel"
	"mailwatch/internal/dedupe"
	"mailwatch/internal/dispatch"
	"mailwatch/internal/mailbox"
	"mailwatch/internal/routing"
	logx "mailwatch/pkg/logx"
)

type fakeIMAP struct {
	mu        sync.Mutex
	loginErr  error
	searchErr error
	unseen    []uint32
	bodies    map[uint32]string
	fetched   []uint32
}

func (f *fakeIMAP) Login(string, string) error { return f.loginErr }
func (f *fakeIMAP) Select(string) (uint32, error) { return 0, nil }
func (f *fakeIMAP) SearchUnseen() ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.unseen...), f.searchErr
}

func (f *fakeIMAP) Size(uid uint32) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bodies[uid]
	if !ok {
		return 0, mailbox.ErrMessageGone
	}
	return int64(len(b)), nil
}

func (f *fakeIMAP) Fetch(uid uint32, _ bool, _ int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, uid)
	b, ok := f.bodies[uid]
	if !ok {
		return nil, mailbox.ErrMessageGone
	}
	return []byte(b), nil
}
func (f *fakeIMAP) Noop() error { return nil }
func (f *fakeIMAP) Logout() error { return nil }
func (f *fakeIMAP) Close() error { return nil }

type fakeDialer struct {
	client *fakeIMAP
	dials  int
}

func (d *fakeDialer) Dial(context.Context, mailbox.Account) (mailbox.Client, error) {
	d.dials++
	return d.client, nil
}

type sent struct {
	env   alert.Envelope
	dests []channel.Destination
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]bool // address -> fail
}

func (f *fakeDispatcher) Dispatch(_ context.Context, env alert.Envelope, dests []channel.Destination) []dispatch.Result {
	f.mu.Lock()
	f.sent = append(f.sent, sent{env: env, dests: dests})
	f.mu.Unlock()
	out := make([]dispatch.Result, len(dests))
	for i, d := range dests {
		out[i] = dispatch.Result{Destination: d, Success: !f.fail[d.Address], Attempts: 1}
	}
	return out
}

func (f *fakeDispatcher) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func rawMessage(subject string) string {
	return "From: Alerts <alerts@example.com>\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 01 Apr 2024 10:00:00 +0000\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n\r\n" +
		"body of " + subject + "\r\n"
}

type fixture struct {
	imap   *fakeIMAP
	dialer *fakeDialer
	sup    *mailbox.Supervisor
	seen   *dedupe.Store
	disp   *fakeDispatcher
	poller *Poller
}

var defaultDest = channel.Destination{Channel: channel.Telegram, Address: "100"}

func newFixture(t *testing.T, cfg Config, imap *fakeIMAP) *fixture {
	t.Helper()
	d := &fakeDialer{client: imap}
	sup := mailbox.NewSupervisor(mailbox.Account{ID: "ops", Host: "imap.example.com"},
		mailbox.Config{MaxAttempts: 1}, d)
	f := &fixture{
		imap:   imap,
		dialer: d,
		sup:    sup,
		seen:   dedupe.New(dedupe.Config{}),
		disp:   &fakeDispatcher{},
	}
	router := routing.NewRouter(routing.Table{Default: []channel.Destination{defaultDest}}, nil, logx.Nop())
	f.poller = New(cfg, alert.Renderer{Location: time.UTC}, Deps{
		Supervisor: sup,
		Dedupe:     f.seen,
		Classifier: alert.NewClassifier(nil, nil),
		Router:     router,
		Dispatcher: f.disp,
		Log:        logx.Nop(),
	})
	return f
}

func TestPollSkipsAlreadySeenBeforeFetch(t *testing.T) {
	t.Parallel()

	imap := &fakeIMAP{
		unseen: []uint32{10, 11, 12},
		bodies: map[uint32]string{10: rawMessage("a"), 11: rawMessage("b"), 12: rawMessage("c")},
	}
	f := newFixture(t, Config{Concurrency: 2}, imap)
	f.seen.MarkSeen("ops:INBOX:0:11")
	before := f.seen.Len()

	msgs, err := f.poller.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Key != "ops:INBOX:0:10" || msgs[1].Key != "ops:INBOX:0:12" {
		t.Fatalf("Poll = %+v, want UIDs 10 and 12", msgs)
	}
	for _, uid := range imap.fetched {
		if uid == 11 {
			t.Fatalf("seen message was fetched")
		}
	}

	st, err := f.poller.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if st.Alerted != 2 {
		t.Fatalf("alerted = %d, want 2", st.Alerted)
	}
	if got := f.seen.Len() - before; got != 2 {
		t.Fatalf("dedupe grew by %d, want 2", got)
	}

	// Nothing new on the next cycle.
	if _, err := f.poller.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle error: %v", err)
	}
	if got := len(f.disp.snapshot()); got != 2 {
		t.Fatalf("dispatches = %d, want 2 in total", got)
	}
}

func TestRunCycleMarksSeenEvenWhenDeliveryFails(t *testing.T) {
	t.Parallel()

	imap := &fakeIMAP{unseen: []uint32{5}, bodies: map[uint32]string{5: rawMessage("URGENTE: queda de link")}}
	f := newFixture(t, Config{}, imap)
	f.disp.fail = map[string]bool{defaultDest.Address: true}

	st, err := f.poller.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if st.FailedDest != 1 {
		t.Fatalf("failed destinations = %d, want 1", st.FailedDest)
	}
	if !f.seen.HasSeen("ops:INBOX:0:5") {
		t.Fatalf("message not marked seen after failed delivery")
	}
	sent := f.disp.snapshot()
	if len(sent) != 1 || sent[0].env.Tier != alert.Critical {
		t.Fatalf("sent = %+v, want one critical alert", sent)
	}
	if !strings.Contains(sent[0].env.Text, "imap.example.com") {
		t.Fatalf("alert text lacks server: %q", sent[0].env.Text)
	}
}

func TestPollSkipsBrokenMessage(t *testing.T) {
	t.Parallel()

	imap := &fakeIMAP{unseen: []uint32{1, 2}, bodies: map[uint32]string{2: rawMessage("ok")}}
	f := newFixture(t, Config{}, imap)

	msgs, err := f.poller.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Key != "ops:INBOX:0:2" {
		t.Fatalf("Poll = %+v, want only UID 2", msgs)
	}
}

func TestPollSkipsOversizedWithoutFetchingBody(t *testing.T) {
	t.Parallel()

	imap := &fakeIMAP{unseen: []uint32{3}, bodies: map[uint32]string{3: rawMessage("huge")}}
	f := newFixture(t, Config{}, imap)
	f.sup.Reconfigure(mailbox.Account{ID: "ops", Host: "imap.example.com", MarkSeen: true, MaxMessageBytes: 16},
		mailbox.Config{MaxAttempts: 1})

	for n := 0; n < 2; n++ {
		msgs, err := f.poller.Poll(context.Background())
		if err != nil || len(msgs) != 0 {
			t.Fatalf("Poll = %+v, %v, want nothing", msgs, err)
		}
	}
	if len(imap.fetched) != 0 {
		t.Fatalf("oversized body fetched: %v", imap.fetched)
	}
	if !f.seen.HasSeen("ops:INBOX:0:3") {
		t.Fatalf("oversized message not remembered")
	}
}

func TestConcurrentHandlersDispatchOnce(t *testing.T) {
	t.Parallel()

	imap := &fakeIMAP{unseen: []uint32{8}, bodies: map[uint32]string{8: rawMessage("URGENT disk full")}}
	f := newFixture(t, Config{}, imap)
	msgs, err := f.poller.Poll(context.Background())
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Poll = %+v, %v", msgs, err)
	}

	_, r := f.poller.config()
	var wg sync.WaitGroup
	for n := 0; n < 16; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.poller.handle(context.Background(), r, msgs[0])
		}()
	}
	wg.Wait()
	if got := len(f.disp.snapshot()); got != 1 {
		t.Fatalf("dispatches = %d, want 1", got)
	}
	if !f.seen.HasSeen(msgs[0].Key) {
		t.Fatalf("message not marked seen")
	}
}

func TestPollFetchLimit(t *testing.T) {
	t.Parallel()

	imap := &fakeIMAP{unseen: []uint32{1, 2, 3}, bodies: map[uint32]string{}}
	for uid := uint32(1); uid <= 3; uid++ {
		imap.bodies[uid] = rawMessage(fmt.Sprint(uid))
	}
	f := newFixture(t, Config{FetchLimit: 2}, imap)

	msgs, err := f.poller.Poll(context.Background())
	if err != nil || len(msgs) != 2 {
		t.Fatalf("Poll = %d msgs, %v, want 2", len(msgs), err)
	}
}

func TestSearchFailureReconnectsAndIsNotFatal(t *testing.T) {
	t.Parallel()

	imap := &fakeIMAP{searchErr: errors.New("BAD unexpected response")}
	f := newFixture(t, Config{}, imap)

	_, err := f.poller.Poll(context.Background())
	var pe *mailbox.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
	if errors.Is(err, mailbox.ErrFatal) {
		t.Fatalf("protocol error reported as fatal")
	}
	if f.sup.State() != mailbox.Disconnected {
		t.Fatalf("state = %v, want disconnected after protocol error", f.sup.State())
	}

	imap.mu.Lock()
	imap.searchErr = nil
	imap.mu.Unlock()
	if _, err := f.poller.Poll(context.Background()); err != nil {
		t.Fatalf("Poll after reconnect: %v", err)
	}
	if f.dialer.dials != 2 {
		t.Fatalf("dials = %d, want 2", f.dialer.dials)
	}
}

func TestFailureAlertAndRecovery(t *testing.T) {
	t.Parallel()

	imap := &fakeIMAP{searchErr: errors.New("BAD")}
	f := newFixture(t, Config{FailureAlertThreshold: 3}, imap)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := f.poller.cycle(ctx); err != nil {
			t.Fatalf("cycle %d returned %v", i, err)
		}
	}
	sent := f.disp.snapshot()
	if len(sent) != 1 || !sent[0].env.System || !strings.Contains(sent[0].env.Text, "failing") {
		t.Fatalf("sent = %+v, want one failure notice", sent)
	}

	imap.mu.Lock()
	imap.searchErr = nil
	imap.mu.Unlock()
	if err := f.poller.cycle(ctx); err != nil {
		t.Fatalf("recovery cycle returned %v", err)
	}
	sent = f.disp.snapshot()
	if len(sent) != 2 || !strings.Contains(sent[1].env.Text, "recovered") {
		t.Fatalf("sent = %+v, want a recovery notice", sent)
	}
}

func TestRunStopsOnFatal(t *testing.T) {
	t.Parallel()

	imap := &fakeIMAP{loginErr: errors.New("NO invalid credentials")}
	f := newFixture(t, Config{Interval: time.Hour}, imap)

	done := make(chan error, 1)
	go func() { done <- f.poller.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, mailbox.ErrFatal) {
			t.Fatalf("Run = %v, want ErrFatal", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop on fatal")
	}
	sent := f.disp.snapshot()
	if len(sent) != 1 || !strings.Contains(sent[0].env.Text, "authentication failed") {
		t.Fatalf("sent = %+v, want one fatal notice", sent)
	}
}

func TestRunContinueOnFatalReturnsOnCancel(t *testing.T) {
	t.Parallel()

	imap := &fakeIMAP{loginErr: errors.New("NO invalid credentials")}
	f := newFixture(t, Config{Interval: 5 * time.Millisecond, ContinueOnFatal: true}, imap)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := f.poller.Run(ctx); err != nil {
		t.Fatalf("Run = %v, want nil on cancel", err)
	}
	if got := len(f.disp.snapshot()); got != 1 {
		t.Fatalf("fatal notices = %d, want 1", got)
	}
	if f.dialer.dials != 1 {
		t.Fatalf("dials = %d, want 1", f.dialer.dials)
	}
}
