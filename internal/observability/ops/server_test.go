package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mailwatch/internal/observability/metrics"
	logx "mailwatch/pkg/logx"
)

func get(t *testing.T, h http.Handler, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReadyFollowsChecks(t *testing.T) {
	t.Parallel()

	fatal := true
	s := New(Config{}, Sources{Ready: []Check{{Name: "accounts", Fn: func() error {
		if fatal {
			return errors.New("acct1: fatal")
		}
		return nil
	}}}}, logx.Nop())

	h := s.Handler()
	if rec := get(t, h, "/live", ""); rec.Code != http.StatusOK {
		t.Fatalf("/live = %d, want 200", rec.Code)
	}
	if rec := get(t, h, "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/ready = %d, want 503", rec.Code)
	}
	fatal = false
	if rec := get(t, h, "/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("/ready = %d, want 200", rec.Code)
	}
}

func TestHealthzJSON(t *testing.T) {
	t.Parallel()

	ok := false
	s := New(Config{}, Sources{Status: func() (any, bool) {
		return map[string]any{"accounts": []string{"acct1"}, "ok": ok}, ok
	}}, logx.Nop())
	h := s.Handler()

	rec := get(t, h, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/healthz = %d, want 503", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != false {
		t.Fatalf("body = %v", body)
	}

	ok = true
	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("/healthz = %d, want 200", rec.Code)
	}
}

func TestTokenGuardsEverythingButProbes(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.MessageDetected("acct1")
	s := New(Config{Token: "s3cret", Metrics: true, Pprof: true}, Sources{Metrics: m.Handler()}, logx.Nop())
	h := s.Handler()

	for _, p := range []string{"/healthz", "/metrics", "/debug/pprof/"} {
		if rec := get(t, h, p, ""); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token = %d, want 401", p, rec.Code)
		}
		if rec := get(t, h, p, "wrong"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s wrong token = %d, want 401", p, rec.Code)
		}
	}
	if rec := get(t, h, "/live", ""); rec.Code != http.StatusOK {
		t.Fatalf("/live = %d, want 200", rec.Code)
	}
	rec := get(t, h, "/metrics", "s3cret")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "acct1") {
		t.Fatalf("/metrics = %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/healthz?token=s3cret", ""); rec.Code != http.StatusOK {
		t.Fatalf("/healthz?token = %d, want 200", rec.Code)
	}
}

func TestOptionalEndpointsOff(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	h := New(Config{}, Sources{Metrics: m.Handler()}, logx.Nop()).Handler()
	for _, p := range []string{"/metrics", "/debug/pprof/"} {
		if rec := get(t, h, p, ""); rec.Code != http.StatusNotFound {
			t.Fatalf("%s = %d, want 404", p, rec.Code)
		}
	}
}

func TestRunRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	s := New(Config{Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	if err := s.Run(context.Background()); err == nil {
		t.Fatalf("Run(0.0.0.0 without token) err = nil, want refusal")
	}
}

func TestRunServesUntilCancel(t *testing.T) {
	t.Parallel()

	s := New(Config{Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/live")
	if err != nil {
		t.Fatalf("GET /live: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/live = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil after cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:9187": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9187":          false,
		"0.0.0.0:9187":   false,
		"10.0.0.5:80":    false,
		"garbage":        false,
	}
	for in, want := range cases {
		if got := isLoopbackAddr(in); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", in, got, want)
		}
	}
}
