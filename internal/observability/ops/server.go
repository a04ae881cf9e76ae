// Package ops serves the operational HTTP endpoints: health, readiness,
// Prometheus metrics and optional pprof.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"

	logx "mailwatch/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9187"

// Config controls the ops server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token or AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	Metrics       bool
	ReadTimeout   time.Duration
	IdleTimeout   time.Duration
}

// Check is a named probe. A nil error means healthy.
type Check struct {
	Name string
	Fn   func() error
}

// Sources feed the endpoints. Any field may be nil.
type Sources struct {
	// Status is rendered as JSON on /healthz. ok=false answers 503.
	Status  func() (body any, ok bool)
	Metrics http.Handler
	Live    []Check
	Ready   []Check
}

type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	src  Sources
	addr string
}

func New(cfg Config, src Sources, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{cfg: cfg, src: src, log: log.With(logx.String("comp", "ops"))}
}

// Addr is the bound listen address once Run has started listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler builds the routing table.
//
//	/live, /ready    probes (no auth)
//	/healthz         JSON status
//	/metrics         Prometheus exposition
//	/debug/pprof/    profiling
func (s *Server) Handler() http.Handler {
	cfg := s.cfg
	mux := http.NewServeMux()

	hc := healthcheck.NewHandler()
	hc.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	for _, c := range s.src.Live {
		hc.AddLivenessCheck(c.Name, c.Fn)
	}
	for _, c := range s.src.Ready {
		hc.AddReadinessCheck(c.Name, healthcheck.Timeout(c.Fn, 5*time.Second))
	}
	mux.Handle("/live", hc)
	mux.Handle("/ready", hc)

	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(s.healthz))

	if cfg.Metrics && s.src.Metrics != nil {
		mux.Handle("/metrics", wrap(s.src.Metrics.ServeHTTP))
	}

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	var body any = map[string]string{"status": "ok"}
	ok := true
	if s.src.Status != nil {
		body, ok = s.src.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// Run listens and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg
	addr := strings.TrimSpace(cfg.Addr)

	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("ops refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return errors.New("ops refused to start: insecure bind")
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("ops running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("ops started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
		logx.Bool("metrics", cfg.Metrics),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		s.log.Info("ops stopped")
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
