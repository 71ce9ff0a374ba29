// Package connwatch tracks the health of the external services the
// gateway depends on (database, MQTT broker, Telegram API). Each
// service is probed in the background: at a steady interval while it
// is up, and with exponential backoff while it is down.
//
// This complements httpkit's transport-level retry, which covers
// sub-second dial errors. connwatch covers outages that last minutes.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/relay/internal/events"
)

// ProbeFunc checks a service. A nil error means reachable.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the first retry delay after a failure.
	Initial time.Duration
	// Max caps the retry delay.
	Max        time.Duration
	Multiplier float64
	// Interval is the probe period while the service is up.
	Interval time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
}

// DefaultBackoff returns production timings.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    2 * time.Second,
		Max:        time.Minute,
		Multiplier: 2,
		Interval:   time.Minute,
		Timeout:    10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoff.
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Interval <= 0 {
		b.Interval = d.Interval
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// next returns the delay after delay, capped at Max.
func (b Backoff) next(delay time.Duration) time.Duration {
	return min(time.Duration(float64(delay)*b.Multiplier), b.Max)
}

// Status is a point-in-time view of one service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	// Failures counts consecutive failed probes.
	Failures int `json:"failures"`
}

// Watcher probes one service until stopped.
type Watcher struct {
	name    string
	probe   ProbeFunc
	backoff Backoff
	bus     *events.Bus
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	status  Status
	checked bool
}

// Status returns the latest probe outcome.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool { return w.Status().Ready }

// Stop cancels probing and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.Initial
	for {
		wait := w.backoff.Interval
		if err := w.check(ctx); err != nil {
			wait = delay
			delay = w.backoff.next(delay)
		} else {
			delay = w.backoff.Initial
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and records the transition, if any.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.Timeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	first := !w.checked
	wasReady := w.status.Ready
	w.checked = true
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.Failures = 0
	}
	failures := w.status.Failures
	w.mu.Unlock()

	name := w.name
	switch {
	case err == nil && (first || !wasReady):
		w.logger.Info("service reachable", "service", name)
		w.emit(true, nil)
	case err != nil && (first || wasReady):
		w.logger.Warn("service unreachable", "service", name, "error", err)
		w.emit(false, err)
	case err != nil:
		w.logger.Debug("service still unreachable", "service", name, "failures", failures, "error", err)
	}
	return err
}

func (w *Watcher) emit(ready bool, err error) {
	data := map[string]any{"service": w.name, "ready": ready}
	if err != nil {
		data["error"] = err.Error()
	}
	w.bus.Emit(events.SourceHealth, events.KindServiceStatus, data)
}

// Manager owns a set of watchers.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a Manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts probing a service. Watching a name twice replaces the
// earlier watcher.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, b Backoff) *Watcher {
	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:    name,
		probe:   probe,
		backoff: b.withDefaults(),
		bus:     m.bus,
		logger:  m.logger,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  Status{Name: name},
	}

	m.mu.Lock()
	old := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status reports every watched service by name.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop stops all watchers.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
