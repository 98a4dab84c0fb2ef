// Package connwatch watches the services a conversation depends on (the
// model provider and each MCP server) while the session is open.
//
// A Watcher probes one service in the background. While the service is
// healthy it is probed every Interval; once a probe fails the watcher
// backs off exponentially (Interval, 2×, 4×, ... capped at MaxInterval)
// until it answers again. Transitions are logged and reported through
// optional callbacks. Nothing here retries a conversation turn; a turn
// that hits a dead service fails on its own and the user sees it.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// Interval between probes of a healthy service (default: 30s).
	Interval time.Duration

	// MaxInterval caps the backoff while a service is down (default: 5m).
	MaxInterval time.Duration

	// Timeout bounds a single probe (default: 10s).
	Timeout time.Duration
}

// DefaultSchedule returns the probe timing used by the chat command.
func DefaultSchedule() Schedule {
	return Schedule{
		Interval:    30 * time.Second,
		MaxInterval: 5 * time.Minute,
		Timeout:     10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.MaxInterval < s.Interval {
		s.MaxInterval = max(d.MaxInterval, s.Interval)
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status, e.g. "model" or
	// "mcp:jetbrains".
	Name string

	Probe    ProbeFunc
	Schedule Schedule

	// Healthy is the assumed state before the first probe. Services that
	// were just connected successfully start healthy so that only a
	// later failure is reported.
	Healthy bool

	// OnDown and OnReady are called on state transitions, from the
	// watcher goroutine. They must not block.
	OnDown  func(err error)
	OnReady func()

	Logger *slog.Logger
}

// Status is a point-in-time view of a watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"failures,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
	failures  int // consecutive
}

// Ready reports whether the service answered its latest probe.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns the current view of the service.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.cfg.Name,
		Ready:     w.ready,
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	// A service known to be healthy was just checked by its caller.
	var delay time.Duration
	if w.cfg.Healthy {
		delay = w.cfg.Schedule.Interval
	}
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = w.check(ctx)
	}
}

// check probes once, records the outcome, fires transition callbacks and
// returns the delay before the next probe.
func (w *Watcher) check(ctx context.Context) time.Duration {
	sched := w.cfg.Schedule
	probeCtx, cancel := context.WithTimeout(ctx, sched.Timeout)
	err := w.cfg.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return 0
	}

	w.mu.Lock()
	wasReady := w.ready
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	failures := w.failures
	w.mu.Unlock()

	log := w.cfg.Logger
	switch {
	case wasReady && err != nil:
		log.Warn("service became unreachable", "service", w.cfg.Name, "error", err)
		if w.cfg.OnDown != nil {
			w.cfg.OnDown(err)
		}
	case !wasReady && err == nil:
		log.Info("service connected", "service", w.cfg.Name)
		if w.cfg.OnReady != nil {
			w.cfg.OnReady()
		}
	case err != nil:
		log.Debug("service still unreachable", "service", w.cfg.Name, "failures", failures, "error", err)
	}

	return backoff(sched, failures)
}

// backoff returns the wait after the given number of consecutive
// failures.
func backoff(s Schedule, failures int) time.Duration {
	d := s.Interval
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= s.MaxInterval {
			return s.MaxInterval
		}
	}
	return d
}

// Manager owns a set of watchers.
type Manager struct {
	mu       sync.Mutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. A second watcher with the same name replaces the first.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Schedule = cfg.Schedule.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{cfg: cfg, cancel: cancel, done: make(chan struct{}), ready: cfg.Healthy}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns every watched service, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
