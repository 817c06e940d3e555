// Package connwatch tracks whether the device is reachable.
//
// A Watcher probes once when it is registered, so the startup result is
// logged before the bridge starts serving, and then polls on a fixed
// interval. A failed probe is never fatal: the bridge keeps serving and
// reports the device as down until a later probe succeeds. There is no
// backoff; the poll interval is the only schedule.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults applied to zero-value WatcherConfig fields.
const (
	DefaultPollInterval = 60 * time.Second
	DefaultProbeTimeout = 5 * time.Second
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and /health (e.g. "m5stick").
	Name string

	// Probe checks service health.
	Probe ProbeFunc

	// PollInterval is the time between background probes.
	PollInterval time.Duration

	// ProbeTimeout limits each probe call.
	ProbeTimeout time.Duration

	// OnReady is called when the service becomes reachable, including
	// after a successful startup probe. Optional.
	OnReady func()

	// OnDown is called when the service becomes unreachable, including
	// after a failed startup probe. Optional.
	//
	// Callbacks run on the watcher goroutine in transition order and must
	// not block for long.
	OnDown func(err error)

	// Attrs are extra log attributes, such as the service URL.
	Attrs []any

	// Logger uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health of a watched service, as served on /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
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

// startup runs the first probe and fires exactly one callback so
// observers learn the initial state.
func (w *Watcher) startup(ctx context.Context) {
	logger := w.config.Logger
	err := w.probe(ctx)
	w.recordResult(err)

	if err != nil {
		logger.Warn("service unreachable at startup",
			append([]any{"service", w.config.Name, "error", err}, w.config.Attrs...)...)
		if w.config.OnDown != nil {
			w.config.OnDown(err)
		}
		return
	}

	w.ready.Store(true)
	logger.Info("service connected",
		append([]any{"service", w.config.Name}, w.config.Attrs...)...)
	if w.config.OnReady != nil {
		w.config.OnReady()
	}
}

// poll probes every PollInterval until ctx is cancelled.
func (w *Watcher) poll(ctx context.Context) {
	defer close(w.done)

	logger := w.config.Logger
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			w.recordResult(err)
			wasReady := w.ready.Load()

			switch {
			case wasReady && err != nil:
				w.ready.Store(false)
				logger.Warn("service became unreachable",
					"service", w.config.Name,
					"error", err,
				)
				if w.config.OnDown != nil {
					w.config.OnDown(err)
				}
			case !wasReady && err == nil:
				w.ready.Store(true)
				logger.Info("service recovered",
					"service", w.config.Name,
				)
				if w.config.OnReady != nil {
					w.config.OnReady()
				}
			case err != nil:
				logger.Debug("service still unreachable",
					"service", w.config.Name,
					"error", err,
				)
			}
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()

	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// Manager coordinates multiple service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers a watcher, runs its startup probe, and starts
// background polling. It returns once the startup probe has finished.
// Polling runs until ctx is cancelled or Stop is called.
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
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	w.startup(watchCtx)
	go w.poll(watchCtx)

	return w
}

// Status returns the health status of all watched services.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
