// Package ratelimit provides a per-sender sliding-window limiter for
// chat transports.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the sliding window the limit applies to.
const Window = time.Minute

// cleanupInterval controls how often idle senders are evicted.
const cleanupInterval = 10 * time.Minute

// Limiter allows at most N messages per sender per Window. The zero
// limit allows everything.
type Limiter struct {
	limit int
	now   func() time.Time

	mu          sync.Mutex
	senders     map[int64][]time.Time
	lastCleanup time.Time
}

// New creates a Limiter allowing limit messages per sender per minute.
// limit <= 0 disables limiting.
func New(limit int) *Limiter {
	return &Limiter{
		limit:   limit,
		now:     time.Now,
		senders: make(map[int64][]time.Time),
	}
}

// Allow records a message from sender and reports whether it is within
// the limit. Rejected messages do not count against the window.
func (l *Limiter) Allow(sender int64) bool {
	if l == nil || l.limit <= 0 {
		return true
	}

	now := l.now()
	cutoff := now.Add(-Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeCleanupLocked(now)

	times := l.senders[sender]
	valid := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= l.limit {
		l.senders[sender] = valid
		return false
	}
	l.senders[sender] = append(valid, now)
	return true
}

// Tracked returns the number of senders currently held in memory.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.senders)
}

// maybeCleanupLocked evicts senders idle for two windows. Must be
// called with l.mu held.
func (l *Limiter) maybeCleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < cleanupInterval {
		return
	}
	l.lastCleanup = now

	cutoff := now.Add(-2 * Window)
	for sender, times := range l.senders {
		if len(times) == 0 || times[len(times)-1].Before(cutoff) {
			delete(l.senders, sender)
		}
	}
}
