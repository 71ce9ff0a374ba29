// Package convstate tracks each user's conversation mode: the default
// agent pipeline, a pinned mode, or the transient processing lock held
// while a turn runs.
//
// The store is the source of truth for resting modes. The in-memory
// cache starts empty on every process start and is filled lazily, so a
// restart restores whatever mode each user last pinned. The processing
// lock is never persisted.
package convstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Mode names with fixed meaning. Pinned modes come from configuration.
const (
	ModeDefault    = "default"
	ModeProcessing = "processing"
)

// DefaultCancelHold is the minimum time a turn keeps its lock before a
// cancel request releases it.
const DefaultCancelHold = 10 * time.Second

// ErrBusy is returned when a user already has a turn in progress.
var ErrBusy = errors.New("a turn is already in progress")

// Store persists resting modes. An empty stored mode means default.
type Store interface {
	Mode(ctx context.Context, userID int64) (string, error)
	SetMode(ctx context.Context, userID int64, mode string) error
}

// Machine is safe for concurrent use.
type Machine struct {
	store  Store
	pinned map[string]bool
	hold   time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	cache   map[int64]string
	turns   map[int64]*Turn
	toggles map[int64]*sync.Mutex
}

// New creates a Machine. pinned lists the configured pinned mode
// names; hold <= 0 selects DefaultCancelHold.
func New(store Store, pinned []string, hold time.Duration, logger *slog.Logger) *Machine {
	if hold <= 0 {
		hold = DefaultCancelHold
	}
	if logger == nil {
		logger = slog.Default()
	}
	known := make(map[string]bool, len(pinned))
	for _, p := range pinned {
		known[p] = true
	}
	return &Machine{
		store:  store,
		pinned: known,
		hold:   hold,
		logger: logger,
		now:    time.Now,
		cache:   make(map[int64]string),
		turns:   make(map[int64]*Turn),
		toggles: make(map[int64]*sync.Mutex),
	}
}

// IsPinned reports whether name is a configured pinned mode.
func (m *Machine) IsPinned(name string) bool { return m.pinned[name] }

// Mode returns the user's resting mode. A stored value that is no
// longer a configured pinned mode resolves to default.
func (m *Machine) Mode(ctx context.Context, userID int64) string {
	m.mu.Lock()
	mode, ok := m.cache[userID]
	m.mu.Unlock()
	if ok {
		return mode
	}

	// The store is read without holding mu so a slow query for one
	// user never blocks another.
	loaded := m.load(ctx, userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if mode, ok := m.cache[userID]; ok {
		return mode
	}
	m.cache[userID] = loaded
	return loaded
}

func (m *Machine) load(ctx context.Context, userID int64) string {
	stored, err := m.store.Mode(ctx, userID)
	switch {
	case err != nil:
		m.logger.Warn("failed to load mode, using default",
			"user_id", userID,
			"error", err,
		)
	case m.pinned[stored]:
		return stored
	case stored != "" && stored != ModeDefault:
		m.logger.Info("stored mode no longer configured, using default",
			"user_id", userID,
			"stored", stored,
		)
	}
	return ModeDefault
}

// State is Mode, except that a user with a turn in progress reports
// ModeProcessing.
func (m *Machine) State(ctx context.Context, userID int64) string {
	if m.Busy(userID) {
		return ModeProcessing
	}
	return m.Mode(ctx, userID)
}

// Busy reports whether the user has a turn in progress.
func (m *Machine) Busy(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.turns[userID]
	return busy
}

// Toggle flips the user between default and the named pinned mode.
// Toggling the active pinned mode returns to default; toggling another
// pinned mode switches to it. Toggling ModeDefault always lands on
// default. It returns the new mode, or ErrBusy while a turn runs.
func (m *Machine) Toggle(ctx context.Context, userID int64, mode string) (string, error) {
	if mode != ModeDefault && !m.pinned[mode] {
		return "", fmt.Errorf("unknown mode %q", mode)
	}

	// Toggles for one user are serialized so their writes reach the
	// store in order; other users are unaffected.
	ul := m.userLock(userID)
	ul.Lock()
	defer ul.Unlock()

	m.Mode(ctx, userID)

	m.mu.Lock()
	if _, busy := m.turns[userID]; busy {
		m.mu.Unlock()
		return "", ErrBusy
	}
	next := mode
	if m.cache[userID] == mode {
		next = ModeDefault
	}
	m.cache[userID] = next
	m.mu.Unlock()

	stored := next
	if next == ModeDefault {
		stored = ""
	}
	if err := m.store.SetMode(ctx, userID, stored); err != nil {
		m.logger.Warn("failed to persist mode",
			"user_id", userID,
			"mode", next,
			"error", err,
		)
	}
	return next, nil
}

func (m *Machine) userLock(userID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.toggles[userID]
	if !ok {
		l = &sync.Mutex{}
		m.toggles[userID] = l
	}
	return l
}

// Begin takes the user's processing lock. It returns ErrBusy when the
// user already has a turn in progress.
func (m *Machine) Begin(userID int64) (*Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.turns[userID]; busy {
		return nil, ErrBusy
	}
	t := &Turn{m: m, userID: userID, started: m.now()}
	m.turns[userID] = t
	return t, nil
}

// Cancel asks the user's running turn to give up its lock. The lock is
// released once the turn has held it for the minimum hold duration;
// the work already in flight is not interrupted. It returns false when
// no turn is running, otherwise the delay until release.
func (m *Machine) Cancel(userID int64) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.turns[userID]
	if !ok {
		return 0, false
	}
	if t.cancelled {
		return max(0, t.started.Add(m.hold).Sub(m.now())), true
	}
	t.cancelled = true

	wait := max(0, t.started.Add(m.hold).Sub(m.now()))
	m.logger.Info("turn cancel requested",
		"user_id", userID,
		"release_in", wait.Round(time.Millisecond),
	)
	if wait == 0 {
		m.releaseLocked(t)
		return 0, true
	}
	time.AfterFunc(wait, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.cancelled {
			m.releaseLocked(t)
		}
	})
	return wait, true
}

// releaseLocked drops t's lock if t still owns it.
func (m *Machine) releaseLocked(t *Turn) {
	if m.turns[t.userID] == t {
		delete(m.turns, t.userID)
	}
}

// Turn is a held processing lock.
type Turn struct {
	m         *Machine
	userID    int64
	started   time.Time
	cancelled bool
}

// Started returns when the lock was taken.
func (t *Turn) Started() time.Time { return t.started }

// Cancelled reports whether a cancel was requested for this turn.
func (t *Turn) Cancelled() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.cancelled
}

// Done releases the lock. It is a no-op if cancellation already
// released it, and safe to call more than once.
func (t *Turn) Done() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.releaseLocked(t)
}
