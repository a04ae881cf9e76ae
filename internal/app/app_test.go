package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"mailwatch/internal/channel"
	"mailwatch/internal/channel/webhook"
	"mailwatch/internal/config"
	"mailwatch/internal/mailbox"
	logx "mailwatch/pkg/logx"
)

const rawAlert = "From: Boss <boss@example.com>\r\n" +
	"To: alerts@example.com\r\n" +
	"Subject: URGENT database down\r\n" +
	"Date: Mon, 02 Mar 2026 10:00:00 +0000\r\n" +
	"Message-ID: <1@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Primary is not answering.\r\n"

type fakeMailbox struct {
	mu       sync.Mutex
	msgs     map[uint32][]byte
	seen     map[uint32]bool
	loginErr error
	dials    int
}

func newFakeMailbox(msgs map[uint32][]byte) *fakeMailbox {
	return &fakeMailbox{msgs: msgs, seen: map[uint32]bool{}}
}

func (f *fakeMailbox) Dial(context.Context, mailbox.Account) (mailbox.Client, error) {
	f.mu.Lock()
	f.dials++
	f.mu.Unlock()
	return &fakeIMAP{box: f}, nil
}

type fakeIMAP struct{ box *fakeMailbox }

func (c *fakeIMAP) Login(string, string) error {
	c.box.mu.Lock()
	defer c.box.mu.Unlock()
	return c.box.loginErr
}
func (c *fakeIMAP) Select(string) (uint32, error) { return 1, nil }
func (c *fakeIMAP) SearchUnseen() ([]uint32, error) {
	c.box.mu.Lock()
	defer c.box.mu.Unlock()
	var out []uint32
	for uid := range c.box.msgs {
		if !c.box.seen[uid] {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
func (c *fakeIMAP) Size(uid uint32) (int64, error) {
	c.box.mu.Lock()
	defer c.box.mu.Unlock()
	raw, ok := c.box.msgs[uid]
	if !ok {
		return 0, mailbox.ErrMessageGone
	}
	return int64(len(raw)), nil
}
func (c *fakeIMAP) Fetch(uid uint32, markSeen bool, _ int64) ([]byte, error) {
	c.box.mu.Lock()
	defer c.box.mu.Unlock()
	raw, ok := c.box.msgs[uid]
	if !ok {
		return nil, mailbox.ErrMessageGone
	}
	if markSeen {
		c.box.seen[uid] = true
	}
	return raw, nil
}
func (c *fakeIMAP) Noop() error   { return nil }
func (c *fakeIMAP) Logout() error { return nil }
func (c *fakeIMAP) Close() error  { return nil }

type hookSink struct {
	mu       sync.Mutex
	payloads []webhook.Payload
}

func (h *hookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p webhook.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.payloads = append(h.payloads, p)
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (h *hookSink) events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.payloads))
	for _, p := range h.payloads {
		out = append(out, p.Event+":"+p.Subject)
	}
	sort.Strings(out)
	return out
}

func (h *hookSink) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		h.mu.Lock()
		got := len(h.payloads)
		h.mu.Unlock()
		if got >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("webhook payloads = %d, want %d", got, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

const testConfig = `
accounts:
  - id: ops
    host: imap.test
    username: alerts@example.com
    password: pw
poll:
  interval: 1h
connection:
  base_delay: 1ms
  max_attempts: 2
channels:
  webhook:
    enabled: true
    secret: s3cret
    retry: {max_attempts: 1, delay: 1ms}
routing:
  default:
    - channel: webhook
      address: HOOK_URL
storage:
  driver: file
  path: AUDIT_PATH
`

type fixture struct {
	app   *App
	box   *fakeMailbox
	hook  *hookSink
	audit string
	sd    *[]string
}

func newFixture(t *testing.T, box *fakeMailbox, extra string) fixture {
	t.Helper()
	hook := &hookSink{}
	srv := httptest.NewServer(hook)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	audit := filepath.Join(dir, "audit.jsonl")
	body := strings.NewReplacer("HOOK_URL", srv.URL, "AUDIT_PATH", audit).Replace(testConfig) + extra
	path := filepath.Join(dir, "mailwatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgm := config.NewManager(path)
	if _, err := cfgm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var mu sync.Mutex
	states := []string{}
	sd := func(o *options) {
		o.sd = &notifier{log: logx.Nop(), notify: func(state string) (bool, error) {
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
			return true, nil
		}}
	}
	a, err := New(cfgm, WithDialer(box), sd)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{app: a, box: box, hook: hook, audit: audit, sd: &states}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n
}

func TestRunOnceDeliversAndAudits(t *testing.T) {
	t.Parallel()

	box := newFakeMailbox(map[uint32][]byte{7: []byte(rawAlert)})
	fx := newFixture(t, box, "")

	if err := fx.app.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := fx.hook.events()
	if len(got) != 1 || got[0] != "alert:URGENT database down" {
		t.Fatalf("payloads = %v", got)
	}
	fx.hook.mu.Lock()
	tier := fx.hook.payloads[0].Tier
	fx.hook.mu.Unlock()
	if tier != "critical" {
		t.Fatalf("tier = %q, want critical", tier)
	}
	if n := countLines(t, fx.audit); n != 1 {
		t.Fatalf("audit lines = %d, want 1", n)
	}
	box.mu.Lock()
	seen := box.seen[7]
	box.mu.Unlock()
	if !seen {
		t.Fatalf("message not flagged seen")
	}
}

func TestStartStopSendsNotices(t *testing.T) {
	t.Parallel()

	box := newFakeMailbox(map[uint32][]byte{7: []byte(rawAlert)})
	fx := newFixture(t, box, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fx.app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fx.hook.waitFor(t, 2)

	if h := fx.app.Health(); h.Status != "ok" || len(h.Accounts) != 1 {
		t.Fatalf("health = %+v", h)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := fx.app.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{
		"alert:URGENT database down",
		"system:Mailbox monitor started",
		"system:Mailbox monitor stopping",
	}
	if got := fx.hook.events(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("payloads = %v, want %v", got, want)
	}
	if states := strings.Join(*fx.sd, ","); !strings.Contains(states, "READY=1") || !strings.Contains(states, "STOPPING=1") {
		t.Fatalf("sd_notify states = %s", states)
	}
	if err := fx.app.Err(); err != nil {
		t.Fatalf("Err = %v, want nil", err)
	}
}

func TestAuthExhaustionStopsApp(t *testing.T) {
	t.Parallel()

	box := newFakeMailbox(nil)
	box.loginErr = errors.New("NO [AUTHENTICATIONFAILED] invalid credentials")
	fx := newFixture(t, box, "alerts:\n  system_notices: false\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fx.app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-fx.app.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("app did not stop on authentication exhaustion")
	}
	if err := fx.app.Err(); !errors.Is(err, ErrFatal) {
		t.Fatalf("Err = %v, want ErrFatal", err)
	}
	if h := fx.app.Health(); h.Status != "degraded" {
		t.Fatalf("health status = %q, want degraded", h.Status)
	}
	_ = fx.app.Stop(context.Background(), StopFatalError)

	// One fatal notice even with system notices off, nothing else.
	got := fx.hook.events()
	if len(got) != 1 || got[0] != "system:Mailbox authentication failed" {
		t.Fatalf("payloads = %v", got)
	}
	box.mu.Lock()
	dials := box.dials
	box.mu.Unlock()
	if dials != 2 {
		t.Fatalf("dials = %d, want 2", dials)
	}
}

func TestMapDefaults(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	pc, err := mapPoll(cfg)
	if err != nil {
		t.Fatalf("mapPoll: %v", err)
	}
	if pc.Interval != time.Minute || pc.FetchLimit != 50 || pc.FailureAlertThreshold != 3 || pc.Concurrency != 4 || pc.ContinueOnFatal {
		t.Fatalf("poll = %+v", pc)
	}
	mc, err := mapConnection(cfg)
	if err != nil {
		t.Fatalf("mapConnection: %v", err)
	}
	if mc.MaxAttempts != 5 || mc.BaseDelay != 30*time.Second || mc.BackoffFactor != 1.5 || mc.MaxDelay != 10*time.Minute {
		t.Fatalf("connection = %+v", mc)
	}

	cfg.Channels.Telegram = config.TelegramChannelConfig{Enabled: true, Token: "1:x", Retry: config.RetryConfig{MaxAttempts: 2}}
	dc, err := mapDispatch(cfg)
	if err != nil {
		t.Fatalf("mapDispatch: %v", err)
	}
	tg := dc.Channels[channel.Telegram]
	if dc.Workers != 8 || tg.MaxChunk != 3800 || tg.RatePerSec != 1 {
		t.Fatalf("dispatch = %+v", dc)
	}
	if tg.Policy.MaxAttempts != 2 || tg.Policy.Delay != 15*time.Second || tg.Policy.MaxDelay != 2*time.Minute {
		t.Fatalf("telegram policy = %+v", tg.Policy)
	}
	if _, ok := dc.Channels[channel.Webhook]; ok {
		t.Fatalf("webhook settings present while disabled")
	}

	acct := mapAccount(cfg, config.AccountConfig{ID: " ops ", Host: "imap.test", TLS: config.TLSConfig{Mode: "STARTTLS"}})
	if acct.ID != "ops" || acct.TLS != mailbox.TLSStartTLS || !acct.MarkSeen || acct.MaxMessageBytes != 25<<20 {
		t.Fatalf("account = %+v", acct)
	}
	if acct.Addr() != "imap.test:143" {
		t.Fatalf("Addr = %s, want imap.test:143", acct.Addr())
	}

	off := false
	cfg.Poll.MarkSeen = &off
	cfg.Poll.OnFatal = "continue"
	if mapAccount(cfg, config.AccountConfig{}).MarkSeen {
		t.Fatalf("MarkSeen = true, want false")
	}
	if pc, _ := mapPoll(cfg); !pc.ContinueOnFatal {
		t.Fatalf("ContinueOnFatal = false, want true")
	}
}

func TestMapRoutingCollectsOverridesAndDirectory(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Accounts: []config.AccountConfig{
			{ID: "a", Destinations: []config.DestinationConfig{{Channel: "Telegram", Address: " 42 "}}},
			{ID: "b"},
		},
		Routing: config.RoutingConfig{
			Default: []config.DestinationConfig{{Channel: "webhook", Address: "https://hook"}},
			Directory: config.DirectoryConfig{Entries: []config.DirectoryEntry{
				{Pattern: "*@Example.com", Destinations: []config.DestinationConfig{{Channel: "rocketchat", Address: "#ops"}}},
			}},
		},
	}
	table, dir := mapRouting(cfg)
	if len(table.Accounts) != 1 || table.Accounts["a"][0] != (channel.Destination{Channel: channel.Telegram, Address: "42"}) {
		t.Fatalf("accounts = %+v", table.Accounts)
	}
	if len(table.Default) != 1 || table.Default[0].Channel != channel.Webhook {
		t.Fatalf("default = %+v", table.Default)
	}
	if ds := dir["*@example.com"]; len(ds) != 1 || ds[0].Address != "#ops" {
		t.Fatalf("directory = %+v", dir)
	}
}

func TestValidateRejectsBadSchedules(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, newFakeMailbox(nil), "")
	cfg := *fx.app.cfgm.Get()
	if err := fx.app.validate(&cfg); err != nil {
		t.Fatalf("validate(current) = %v", err)
	}
	cfg.Heartbeat = config.HeartbeatConfig{Enabled: true, Schedule: "every morning"}
	if err := fx.app.validate(&cfg); err == nil {
		t.Fatalf("validate(bad heartbeat) = nil, want error")
	}
	cfg.Heartbeat = config.HeartbeatConfig{}
	cfg.Alerts.Timezone = "Mars/Olympus"
	if err := fx.app.validate(&cfg); err == nil {
		t.Fatalf("validate(bad timezone) = nil, want error")
	}
	_ = fx.app.store.Close()
}

func TestApplyReloadsLiveSections(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, newFakeMailbox(nil), "")
	defer func() { _ = fx.app.store.Close() }()

	cfg := *fx.app.cfgm.Get()
	cfg.Classifier = config.ClassifierConfig{Critical: []string{"pager"}}
	cfg.Poll.Interval = "5m"
	cfg.Accounts = []config.AccountConfig{{ID: "ops", Host: "imap.other", Username: "u", Password: "p"}}
	if err := fx.app.apply(&cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := fx.app.class.Classify("Pager duty"); got.String() != "critical" {
		t.Fatalf("Classify after reload = %s, want critical", got)
	}
	if got := fx.app.class.Classify("URGENT"); got.String() == "critical" {
		t.Fatalf("old keyword still critical after reload")
	}
	if host := fx.app.accounts[0].sup.Account().Host; host != "imap.other" {
		t.Fatalf("account host = %s, want imap.other", host)
	}
}
