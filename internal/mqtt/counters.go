package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/relay/internal/events"
)

// DailyCounters tallies bus events since local midnight. It is safe for
// concurrent use.
type DailyCounters struct {
	mu       sync.Mutex
	counts   Counts
	lastTurn time.Time
	day      int
	loc      *time.Location
	now      func() time.Time
}

// Counts is a snapshot of the day's event tallies.
type Counts struct {
	Turns       int64
	FailedTurns int64
	ToolCalls   int64
	Busy        int64
	Messages    int64
	Fallbacks   int64
}

// NewDailyCounters creates counters that reset at midnight in loc
// (time.Local when nil).
func NewDailyCounters(loc *time.Location) *DailyCounters {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounters{loc: loc, now: time.Now}
	d.day = d.now().In(loc).YearDay()
	return d
}

// Observe counts one event. Kinds that are not tallied are ignored.
func (d *DailyCounters) Observe(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeResetLocked()

	switch e.Kind {
	case events.KindTurnComplete:
		d.counts.Turns++
		if ok, _ := e.Data["ok"].(bool); !ok {
			d.counts.FailedTurns++
		}
		d.lastTurn = e.Timestamp
	case events.KindToolDone:
		d.counts.ToolCalls++
	case events.KindTurnBusy:
		d.counts.Busy++
	case events.KindMessageReceived:
		d.counts.Messages++
	case events.KindFallback:
		d.counts.Fallbacks++
	}
}

// Snapshot returns today's counts and the time of the last completed
// turn (zero if none since startup).
func (d *DailyCounters) Snapshot() (Counts, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeResetLocked()
	return d.counts, d.lastTurn
}

// maybeResetLocked zeroes the tallies when the local day changed. The
// last-turn time is kept across days.
func (d *DailyCounters) maybeResetLocked() {
	today := d.now().In(d.loc).YearDay()
	if today != d.day {
		d.counts = Counts{}
		d.day = today
	}
}
