package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
accounts:
  - id: ops
    host: imap.example.com
    username: alerts@example.com
    password: ${MAILWATCH_TEST_PASSWORD:-fallback}
channels:
  telegram:
    enabled: true
    token: "123:abc"
routing:
  default:
    - channel: telegram
      address: "-1001234"
`

func TestDecodeYAMLExpandsEnv(t *testing.T) {
	t.Setenv("MAILWATCH_TEST_PASSWORD", "s3cr$t")

	cfg, err := Decode("mailwatch.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := cfg.Accounts[0].Password; got != "s3cr$t" {
		t.Fatalf("password = %q, want %q", got, "s3cr$t")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeEnvDefault(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("c.yml", []byte(strings.ReplaceAll(sampleYAML, "MAILWATCH_TEST_PASSWORD", "MAILWATCH_SURELY_UNSET_VAR")))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := cfg.Accounts[0].Password; got != "fallback" {
		t.Fatalf("password = %q, want fallback", got)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.json", []byte(`{"accounts":[],"bogus":1}`))
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestValidateReportsProblems(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Accounts: []AccountConfig{{ID: "a", Host: "h", Username: "u"}},
		Routing: RoutingConfig{Default: []DestinationConfig{
			{Channel: "telegram", Address: "not-a-number"},
			{Channel: "pigeon", Address: "x"},
		}},
		Connection: ConnectionConfig{BaseDelay: "soon"},
		Poll:       PollConfig{OnFatal: "explode"},
	}
	err := Validate(cfg)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	wants := []string{
		"accounts[0].password: required",
		`routing.default[0].channel: channel "telegram" is not enabled`,
		`telegram chat id "not-a-number" is not numeric`,
		`unknown channel "pigeon"`,
		"connection.base_delay: invalid duration",
		"poll.on_fatal",
	}
	msg := ve.Error()
	for _, w := range wants {
		if !strings.Contains(msg, w) {
			t.Fatalf("error %q missing %q", msg, w)
		}
	}
}

func TestValidateOpsRequiresTokenOffLoopback(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	cfg.Ops = OpsConfig{Enabled: true, Addr: "0.0.0.0:9187"}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected ops error")
	}
	cfg.Ops.Token = "t"
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateDedupeEvictionNeedsMarkSeen(t *testing.T) {
	t.Parallel()

	off, on := false, true
	tests := []struct {
		name      string
		markSeen  *bool
		retention string
		max       int
		wantErr   bool
	}{
		{"peek without bounds", &off, "", 0, false},
		{"peek with retention", &off, "24h", 0, true},
		{"peek with cap", &off, "", 1000, true},
		{"mark seen with bounds", &on, "24h", 1000, false},
		{"default mark seen", nil, "7d", 0, false},
	}
	for _, tt := range tests {
		cfg, err := Decode("c.yaml", []byte(sampleYAML))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		cfg.Poll.MarkSeen = tt.markSeen
		cfg.Dedupe.Retention = tt.retention
		cfg.Dedupe.MaxEntries = tt.max
		err = Validate(cfg)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: Validate = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !strings.Contains(err.Error(), "poll.mark_seen") {
			t.Fatalf("%s: error %q does not name poll.mark_seen", tt.name, err)
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Classifier: ClassifierConfig{Critical: []string{"a"}}}
	newCfg := &Config{Classifier: ClassifierConfig{Critical: []string{"a", "b"}}, Storage: StorageConfig{Driver: "sqlite"}}

	changed, _, restart := SummarizeChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "classifier,storage" {
		t.Fatalf("changed = %v", changed)
	}
	if !restart {
		t.Fatalf("restart = false, want true for storage change")
	}

	changed, _, restart = SummarizeChange(oldCfg, &Config{Classifier: ClassifierConfig{Moderate: []string{"x"}}})
	if len(changed) != 1 || restart {
		t.Fatalf("changed = %v restart = %v", changed, restart)
	}

	one := &Config{Accounts: []AccountConfig{{ID: "a", Host: "imap.a"}}}
	moved := &Config{Accounts: []AccountConfig{{ID: "a", Host: "imap.b"}}, Poll: PollConfig{Interval: "30s"}}
	if changed, _, restart = SummarizeChange(one, moved); restart || strings.Join(changed, ",") != "accounts,poll" {
		t.Fatalf("changed = %v restart = %v, want live accounts,poll", changed, restart)
	}
	added := &Config{Accounts: []AccountConfig{{ID: "a", Host: "imap.a"}, {ID: "b", Host: "imap.b"}}}
	if _, _, restart = SummarizeChange(one, added); !restart {
		t.Fatalf("restart = false, want true when an account is added")
	}
}

func TestManagerReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "mailwatch.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	if m.reload(context.Background()) {
		t.Fatalf("reload published an unchanged config")
	}

	updated := sampleYAML + "classifier:\n  critical: [pane]\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	if !m.reload(context.Background()) {
		t.Fatalf("reload did not publish a changed config")
	}
	got := <-sub
	if len(got.Classifier.Critical) != 1 || got.Classifier.Critical[0] != "pane" {
		t.Fatalf("published classifier = %v", got.Classifier)
	}

	if err := os.WriteFile(path, []byte("accounts: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.reload(context.Background()) {
		t.Fatalf("invalid config was published")
	}
	if m.Get() != got {
		t.Fatalf("active snapshot changed after rejected reload")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"90s", 90 * time.Second, false},
		{"60", time.Minute, false},
		{"7d", 7 * 24 * time.Hour, false},
		{" 1h30m ", 90 * time.Minute, false},
		{"-5s", 0, true},
		{"xd", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("f", tc.raw)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseDurationField(%q) err = %v, wantErr %v", tc.raw, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
	if d, _ := ParseDurationOrDefault("f", "0s", time.Minute); d != time.Minute {
		t.Fatalf("ParseDurationOrDefault(0s) = %v, want 1m", d)
	}
}

func TestDecodeSniffsFormat(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("mailwatch.conf", []byte(`{"poll":{"interval":"30s"}}`))
	if err != nil || cfg.Poll.Interval != "30s" {
		t.Fatalf("json sniff: cfg = %+v err = %v", cfg, err)
	}
	cfg, err = Decode("mailwatch.conf", []byte("poll:\n  interval: 45s\n"))
	if err != nil || cfg.Poll.Interval != "45s" {
		t.Fatalf("yaml sniff: cfg = %+v err = %v", cfg, err)
	}
	if _, err := Decode("empty.yaml", nil); err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
	if _, err := Decode("bad.yaml", []byte("poll: [1, 2\n")); err == nil || !strings.Contains(err.Error(), "bad.yaml") {
		t.Fatalf("bad yaml err = %v, want file name in error", err)
	}
}

func TestWatchFollowsEnvFile(t *testing.T) {
	const key = "MAILWATCH_WATCH_TEST_PW"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	dir := t.TempDir()
	path := filepath.Join(dir, "mailwatch.yaml")
	envPath := filepath.Join(dir, ".env")
	body := strings.ReplaceAll(sampleYAML, "MAILWATCH_TEST_PASSWORD", key)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(envPath, []byte(key+"=one\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnv(envPath); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	m := NewManager(path)
	m.debounce = 10 * time.Millisecond
	m.SetEnvFiles(envPath)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Accounts[0].Password != "one" {
		t.Fatalf("password = %q, want one", cfg.Accounts[0].Password)
	}
	if hit, env := m.watched(envPath); !hit || !env {
		t.Fatalf("watched(.env) = %v, %v", hit, env)
	}
	if hit, _ := m.watched(filepath.Join(dir, "other.yaml")); hit {
		t.Fatalf("unrelated file is watched")
	}

	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(envPath, []byte(key+"=two\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-sub:
		if got.Accounts[0].Password != "two" {
			t.Fatalf("reloaded password = %q, want two", got.Accounts[0].Password)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload after .env change")
	}
}
