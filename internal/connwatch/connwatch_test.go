package connwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/relay/internal/events"
)

func testBackoff() Backoff {
	return Backoff{
		Initial:    time.Millisecond,
		Max:        5 * time.Millisecond,
		Multiplier: 2,
		Interval:   5 * time.Millisecond,
		Timeout:    100 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBackoff_WithDefaults(t *testing.T) {
	got := Backoff{Interval: time.Second}.withDefaults()
	want := DefaultBackoff()
	want.Interval = time.Second
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}
}

func TestBackoff_Next(t *testing.T) {
	b := Backoff{Max: 10 * time.Second, Multiplier: 2}
	tests := []struct {
		in, want time.Duration
	}{
		{time.Second, 2 * time.Second},
		{4 * time.Second, 8 * time.Second},
		{8 * time.Second, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := b.next(tt.in); got != tt.want {
			t.Errorf("next(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(nil, nil)
	w := m.Watch(ctx, "database", func(context.Context) error { return nil }, testBackoff())
	defer m.Stop()

	waitFor(t, w.Ready)
	if s := w.Status(); s.Name != "database" || s.LastError != "" || s.LastCheck.IsZero() {
		t.Errorf("status = %+v", s)
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	var calls atomic.Int32
	probe := func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	m := NewManager(nil, nil)
	w := m.Watch(context.Background(), "mqtt", probe, testBackoff())
	defer m.Stop()

	waitFor(t, w.Ready)
	if calls.Load() < 3 {
		t.Errorf("calls = %d, want at least 3", calls.Load())
	}
	if w.Status().Failures != 0 {
		t.Errorf("failures not reset: %+v", w.Status())
	}
}

func TestWatcher_GoesDownAndRecovers(t *testing.T) {
	var down atomic.Bool
	probe := func(context.Context) error {
		if down.Load() {
			return errors.New("broker gone")
		}
		return nil
	}

	bus := events.New()
	sub := bus.Subscribe(16)
	m := NewManager(bus, nil)
	w := m.Watch(context.Background(), "mqtt", probe, testBackoff())
	defer m.Stop()

	waitFor(t, w.Ready)
	down.Store(true)
	waitFor(t, func() bool { return !w.Ready() })
	if s := w.Status(); s.LastError != "broker gone" || s.Failures == 0 {
		t.Errorf("status while down = %+v", s)
	}
	down.Store(false)
	waitFor(t, w.Ready)

	var got []bool
	for len(got) < 3 {
		select {
		case e := <-sub:
			if e.Kind != events.KindServiceStatus || e.Data["service"] != "mqtt" {
				t.Fatalf("unexpected event %+v", e)
			}
			got = append(got, e.Data["ready"].(bool))
		case <-time.After(2 * time.Second):
			t.Fatalf("transitions = %v, want up, down, up", got)
		}
	}
	if !got[0] || got[1] || !got[2] {
		t.Errorf("transitions = %v, want [true false true]", got)
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	probe := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	b := testBackoff()
	b.Timeout = 5 * time.Millisecond

	m := NewManager(nil, nil)
	w := m.Watch(context.Background(), "telegram", probe, b)
	defer m.Stop()

	waitFor(t, func() bool { return w.Status().Failures > 0 })
	if w.Ready() {
		t.Error("timed-out probe reported ready")
	}
}

func TestWatcher_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	m := NewManager(nil, nil)
	w := m.Watch(ctx, "database", func(context.Context) error {
		calls.Add(1)
		return nil
	}, testBackoff())

	waitFor(t, w.Ready)
	cancel()
	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit after cancel")
	}
	n := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != n {
		t.Error("probes continued after cancel")
	}
}

func TestManager_StatusAndHealthy(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Stop()

	up := m.Watch(context.Background(), "database", func(context.Context) error { return nil }, testBackoff())
	down := m.Watch(context.Background(), "mqtt", func(context.Context) error { return errors.New("refused") }, testBackoff())

	waitFor(t, up.Ready)
	waitFor(t, func() bool { return down.Status().Failures > 0 })

	st := m.Status()
	if len(st) != 2 || !st["database"].Ready || st["mqtt"].Ready {
		t.Errorf("status = %+v", st)
	}
	if m.Healthy() {
		t.Error("Healthy() = true with a service down")
	}
}

func TestManager_WatchReplaces(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Stop()

	first := m.Watch(context.Background(), "database", func(context.Context) error { return nil }, testBackoff())
	m.Watch(context.Background(), "database", func(context.Context) error { return nil }, testBackoff())

	select {
	case <-first.done:
	case <-time.After(2 * time.Second):
		t.Fatal("replaced watcher still running")
	}
	if len(m.Status()) != 1 {
		t.Errorf("status = %+v", m.Status())
	}
}

func TestManager_EmptyIsHealthy(t *testing.T) {
	if !NewManager(nil, nil).Healthy() {
		t.Error("Healthy() = false with nothing watched")
	}
}
