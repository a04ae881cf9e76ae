package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ---- Config ----

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

// FileConfig describes the rotating JSON file sink.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AlertConfig forwards warn/error records to an operator destination.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
	Queue      int
	// RepeatWindow suppresses a repeated level+message; default 10m.
	RepeatWindow time.Duration
}

// Sender delivers a formatted log record to the operator destination.
type Sender interface {
	SendLog(ctx context.Context, text string) error
}

// ---- Logger API ----

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel

	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field mutates a zerolog event.
//
// Fields are applied in-order; if the same key is set twice, the later one wins.
// The console writer renders them as key=value pairs, JSON sinks keep them structured.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Uint32(k string, v uint32) Field {
	return func(e *zerolog.Event) { e.Uint32(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field {
	return func(e *zerolog.Event) { e.Float64(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Strs(k string, v []string) Field  { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Logger is a lightweight structured logger.
//
// - If created from Service, it stays "live" across Service.Apply() calls.
// - With() returns a derived logger with additional fixed fields.
// - Zero value is a safe no-op logger.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool

	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

// NewConsole creates a standalone console logger, used before the config is loaded.
func NewConsole(level string) Logger {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"

	zl := zerolog.New(newConsoleWriter(Stdout())).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}
}

// NewWriter builds a JSON logger on w. Tests use it to capture output.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(parseLevel(level, zerolog.DebugLevel)).With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	if l.svc != nil {
		return l.svc.current()
	}
	if l.hasBase {
		return l.base
	}
	return zerolog.Nop()
}

// Enabled reports whether the given level would be logged.
func (l Logger) Enabled(level Level) bool {
	zl := l.root()
	return level >= zl.GetLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields...) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}

	// Caller: file:line only.
	if caller := shortCaller(3); caller != "" {
		e.Str(zerolog.CallerFieldName, caller)
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// ---- Service (dynamic config + sinks) ----

type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // stores zerolog.Logger

	file *lumberjack.Logger

	// operator alert sink
	sender      atomic.Value // stores senderBox
	alertQueue  chan string
	alertOnce   sync.Once
	alertCancel context.CancelFunc
	alertWG     sync.WaitGroup

	// guarded by mu
	limiter  *rate.Limiter
	minLevel zerolog.Level
	repeat   time.Duration
	recent   map[string]time.Time
}

type senderBox struct{ s Sender }

// New creates the logging service, applies cfg and returns the root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	q := cfg.Alert.Queue
	if q <= 0 {
		q = 128
	}
	s := &Service{
		cfg:        cfg,
		alertQueue: make(chan string, q),
	}
	s.root.Store(newConsoleRoot(parseLevel(cfg.Level, zerolog.InfoLevel)))
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	v := s.root.Load()
	if v == nil {
		return zerolog.Nop()
	}
	zl, ok := v.(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender attaches the alert sink's delivery path. It can be swapped on reload.
func (s *Service) SetSender(sender Sender) {
	s.sender.Store(senderBox{s: sender})
}

func (s *Service) currentSender() Sender {
	v, _ := s.sender.Load().(senderBox)
	return v.s
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.alertCancel
	s.alertCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.alertWG.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps logger outputs and levels at runtime. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = parseLevel(cfg.Alert.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Alert.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.repeat = cfg.Alert.RepeatWindow
	if s.repeat <= 0 {
		s.repeat = defaultRepeatWindow
	}
	s.recent = map[string]time.Time{}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	lvl := parseLevel(cfg.Level, zerolog.InfoLevel)

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./mailwatch.log"
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				fmt.Fprintf(os.Stderr, "logx: failed creating log dir %q: %v\n", dir, err)
			}
		}
		s.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    max(1, cfg.File.MaxSizeMB),
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		writers = append(writers, zerolog.SyncWriter(s.file))
	}
	if cfg.Alert.Enabled {
		s.alertOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.alertCancel = cancel
			s.alertWG.Add(1)
			go func() {
				defer s.alertWG.Done()
				s.alertWorker(ctx)
			}()
		})
		writers = append(writers, &alertWriter{svc: s})
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	s.root.Store(zl)
}

func newConsoleRoot(lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(newConsoleWriter(Stdout())).Level(lvl).With().Timestamp().Logger()
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func (s *Service) alertWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.alertQueue:
			sender := s.currentSender()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			// Errors here must not be logged again or they would loop back into the sink.
			_ = sender.SendLog(sctx, msg)
			cancel()
		}
	}
}

// ---- alert writer (zerolog sink) ----

type alertWriter struct{ svc *Service }

func (w *alertWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil || s.currentSender() == nil {
		return len(p), nil
	}

	if level < s.alertLevel() {
		return len(p), nil
	}
	msg, key := formatAlertJSON(p)
	if msg == "" || !s.admit(key, time.Now()) {
		return len(p), nil
	}
	select {
	case s.alertQueue <- msg:
	default:
		// drop, never block core logging
	}
	return len(p), nil
}

func (s *Service) alertLevel() zerolog.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minLevel
}

// admit drops a record whose level and message were already forwarded
// within the repeat window, then applies the rate limit. A flapping mailbox
// logs the same warning every cycle; the operator needs it once.
func (s *Service) admit(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limiter == nil {
		return false
	}
	if last, ok := s.recent[key]; ok && now.Sub(last) < s.repeat {
		return false
	}
	if !s.limiter.Allow() {
		return false
	}
	if len(s.recent) >= maxRecent {
		for k, t := range s.recent {
			if now.Sub(t) >= s.repeat {
				delete(s.recent, k)
			}
		}
	}
	if len(s.recent) < maxRecent {
		s.recent[key] = now
	}
	return true
}

const (
	defaultRepeatWindow = 10 * time.Minute
	maxRecent           = 256
)

// sensitive field names are masked before a record leaves the process.
var sensitive = []string{"password", "token", "secret", "credential", "dsn", "authorization"}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitive {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// formatAlertJSON renders a zerolog JSON line as compact multi-line text in
// the markup subset every channel understands. key identifies the record for
// repeat suppression: level and message, without the varying fields.
func formatAlertJSON(p []byte) (text, key string) {
	line := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return truncate(line, 3500), line
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("*[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("]* ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := truncate(fmt.Sprint(m[k]), 600)
		if isSensitive(k) {
			v = "***"
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(v)
	}
	acct, _ := m["account"].(string)
	return truncate(b.String(), 3500), lvl + "|" + acct + "|" + msg
}

// truncate cuts s to at most maxN bytes without splitting a UTF-8 sequence.
func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	const ell = "..."
	cut, tail := maxN-len(ell), ell
	if cut < 1 {
		cut, tail = maxN, ""
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + tail
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}

// Stdout returns the configured stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the configured stderr sink.
func Stderr() io.Writer { return os.Stderr }
