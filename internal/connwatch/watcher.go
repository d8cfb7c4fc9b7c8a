package connwatch

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// ProbeFunc checks whether a watched path is healthy. Return nil if so.
type ProbeFunc func(ctx context.Context) error

// WatcherConfig configures a single watcher.
type WatcherConfig struct {
	// Name identifies the watcher in logs and health output ("feed").
	Name string
	// Probe must be safe for concurrent use.
	Probe ProbeFunc
	// Interval between probes (default 1s). The first probe runs
	// immediately.
	Interval time.Duration
	// Timeout bounds each probe (default Interval).
	Timeout time.Duration

	// OnReady runs in its own goroutine whenever the watcher turns
	// healthy, including the first healthy probe.
	OnReady func()
	// OnDown runs in its own goroutine when a healthy watcher turns
	// unhealthy. An initial failure does not count.
	OnDown func(err error)

	Logger *slog.Logger
}

// Health is the state of one watched path as shown by /health.
type Health struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher polls one probe. Create it with [Manager.Watch].
type Watcher struct {
	cfg     WatcherConfig
	nowFunc func() time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	ready     bool
	since     time.Time
	lastCheck time.Time
	lastErr   error
}

// IsReady reports whether the latest probe left the watcher healthy.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// LastError returns the most recent probe error, or nil.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Health returns a snapshot of the watcher.
func (w *Watcher) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := Health{Name: w.cfg.Name, Ready: w.ready, Since: w.since, LastCheck: w.lastCheck}
	if w.lastErr != nil {
		h.LastError = w.lastErr.Error()
	}
	return h
}

// Stop cancels the watcher and waits for it.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	tick := time.NewTicker(w.cfg.Interval)
	defer tick.Stop()
	for {
		w.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// check runs the probe once and fires callbacks on a transition.
func (w *Watcher) check(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	err := w.cfg.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	now := w.nowFunc()
	w.mu.Lock()
	was := w.ready
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = now
	if was != w.ready || w.since.IsZero() {
		w.since = now
	}
	w.mu.Unlock()

	log := w.cfg.Logger.With("watch", w.cfg.Name)
	switch {
	case err == nil && !was:
		log.Info("watch healthy")
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
	case err != nil && was:
		log.Warn("watch unhealthy", "error", err)
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	case err != nil:
		log.Debug("watch still unhealthy", "error", err)
	}
}

// Manager owns a set of named watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts a watcher that runs until ctx ends or it is stopped.
// A watcher with the same name is stopped and replaced. Name and Probe
// are required; missing either is a programming error and panics.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" || cfg.Probe == nil {
		panic("connwatch: watcher needs a Name and a Probe")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{cfg: cfg, nowFunc: time.Now, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	prev := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	go w.loop(wctx)
	return w
}

// Health returns every watcher's state, sorted by name.
func (m *Manager) Health() []Health {
	m.mu.RLock()
	out := make([]Health, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Health())
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Health) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Ready reports whether every watcher is healthy.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop stops every watcher and waits for them.
func (m *Manager) Stop() {
	m.mu.RLock()
	all := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		all = append(all, w)
	}
	m.mu.RUnlock()
	for _, w := range all {
		w.Stop()
	}
}
