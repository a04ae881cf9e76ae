package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "mailwatch/pkg/logx"
)

// Manager owns the active config snapshot and publishes reloads.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subsMu guards subs and keeps publish from sending on a channel being closed.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
	debounce  time.Duration
	envFiles  []string
}

func NewManager(path string) *Manager {
	return &Manager{path: path, debounce: 250 * time.Millisecond}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a hook that Watch runs before committing a reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads, env-expands and strictly decodes the config file.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Decode parses config bytes. The path extension selects JSON or YAML.
func Decode(path string, b []byte) (*Config, error) {
	jb, err := toJSON(path, expandEnv(b))
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// Load parses and validates the file, then commits it as the active snapshot.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

// publish delivers cfg to every subscriber, dropping the oldest queued
// snapshot for slow ones. Only the latest snapshot matters.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload parses the file and, when it changed and passes validation, commits
// and publishes it. It reports whether a new snapshot was published.
func (m *Manager) reload(ctx context.Context) bool {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return false
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return false
	}

	if err := Validate(cfg); err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return false
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return false
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	return true
}

// SetEnvFiles registers dotenv files that Watch follows next to the config.
// A change re-reads them with override semantics, then reloads the config,
// so rotated credentials reach the running sessions.
func (m *Manager) SetEnvFiles(paths ...string) {
	m.envFiles = m.envFiles[:0]
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			m.envFiles = append(m.envFiles, filepath.Clean(p))
		}
	}
}

// watched reports whether a change to name concerns the manager, and
// whether it is a dotenv file.
func (m *Manager) watched(name string) (hit, env bool) {
	base := filepath.Base(name)
	if strings.EqualFold(base, filepath.Base(m.path)) && filepath.Dir(name) == filepath.Dir(m.path) {
		return true, false
	}
	for _, p := range m.envFiles {
		if base == filepath.Base(p) && filepath.Dir(name) == filepath.Dir(p) {
			return true, true
		}
	}
	return false, false
}

func (m *Manager) watchDirs() []string {
	seen := map[string]bool{}
	var dirs []string
	for _, p := range append([]string{m.path}, m.envFiles...) {
		if d := filepath.Dir(p); !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// debouncer coalesces bursts of file events into one reload.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
	env   bool
	fire  func(env bool)
}

func (d *debouncer) poke(env bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.env = d.env || env
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		env := d.env
		d.env = false
		d.mu.Unlock()
		d.fire(env)
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Watch reloads on config or dotenv changes until ctx is done. Editors that
// replace files can break the fsnotify watcher; it is then recreated after a
// jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	deb := &debouncer{delay: m.debounce, fire: func(env bool) {
		if env {
			if err := reloadEnv(m.envFiles...); err != nil {
				m.log.Warn("env reload failed", logx.Err(err))
			}
		}
		m.reload(ctx)
	}}
	defer deb.stop()

	const (
		restartBase = 250 * time.Millisecond
		restartMax  = 5 * time.Second
	)
	backoff := restartBase
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, deb)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = restartBase
		}
		m.log.Warn("config watcher stopped; restarting", logx.Err(err), logx.Duration("backoff", backoff))
		t := time.NewTimer(backoff + time.Duration(rand.Int63n(int64(backoff/2+1))))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(backoff*2, restartMax)
	}
	return nil
}

// watchOnce runs one fsnotify watcher. It returns nil when the watcher's
// channels close and an error when it could not be set up.
func (m *Manager) watchOnce(ctx context.Context, deb *debouncer) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch init: %w", err)
	}
	defer w.Close()
	dirs := m.watchDirs()
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}
	m.log.Debug("config watcher started", logx.Strs("dirs", dirs))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if hit, env := m.watched(ev.Name); hit && ev.Op&relevant != 0 {
				deb.poke(env)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload")
				deb.poke(len(m.envFiles) > 0)
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}
