package sched

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestEvery_RejectsNonPositiveInterval(t *testing.T) {
	t.Parallel()

	schedulers := map[string]Scheduler{
		"ticker": Ticker{},
		"manual": NewManual(epoch),
	}
	for name, s := range schedulers {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			for _, d := range []time.Duration{0, -time.Second} {
				_, err := s.Every(d, func(time.Time) {})
				if !errors.Is(err, ErrInterval) {
					t.Errorf("Every(%s) err = %v, want ErrInterval", d, err)
				}
			}
		})
	}
}

func TestManual_AdvanceFiresDueTicks(t *testing.T) {
	t.Parallel()

	m := NewManual(epoch)
	var fired []time.Time
	if _, err := m.Every(5*time.Second, func(now time.Time) { fired = append(fired, now) }); err != nil {
		t.Fatalf("Every: %v", err)
	}

	m.Advance(4 * time.Second)
	if len(fired) != 0 {
		t.Fatalf("fired %d times before first interval", len(fired))
	}

	m.Advance(11 * time.Second)
	if len(fired) != 3 {
		t.Fatalf("fired %d times, want 3", len(fired))
	}
	for i, ts := range fired {
		want := epoch.Add(time.Duration(i+1) * 5 * time.Second)
		if !ts.Equal(want) {
			t.Errorf("tick %d at %s, want %s", i, ts, want)
		}
	}
	if got := m.Now(); !got.Equal(epoch.Add(15 * time.Second)) {
		t.Errorf("Now = %s, want %s", got, epoch.Add(15*time.Second))
	}
}

func TestManual_InterleavesTasksByDueTime(t *testing.T) {
	t.Parallel()

	m := NewManual(epoch)
	var order []string
	_, _ = m.Every(5*time.Second, func(time.Time) { order = append(order, "slow") })
	_, _ = m.Every(2500*time.Millisecond, func(time.Time) { order = append(order, "fast") })

	m.Advance(10 * time.Second)

	want := []string{"fast", "slow", "fast", "fast", "slow", "fast"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestManual_CancelStopsTask(t *testing.T) {
	t.Parallel()

	m := NewManual(epoch)
	var n int
	cancel, _ := m.Every(time.Second, func(time.Time) { n++ })

	m.Advance(3 * time.Second)
	cancel()
	cancel() // idempotent
	m.Advance(10 * time.Second)

	if n != 3 {
		t.Errorf("fired %d times, want 3", n)
	}
	if m.Tasks() != 0 {
		t.Errorf("Tasks = %d, want 0", m.Tasks())
	}
}

func TestManual_CancelFromInsideTask(t *testing.T) {
	t.Parallel()

	m := NewManual(epoch)
	var n int
	var cancel func()
	cancel, _ = m.Every(time.Second, func(time.Time) {
		n++
		if n == 2 {
			cancel()
		}
	})

	m.Advance(10 * time.Second)
	if n != 2 {
		t.Errorf("fired %d times, want 2", n)
	}
}

func TestTicker_FiresAndCancels(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	cancel, err := Ticker{}.Every(5*time.Millisecond, func(time.Time) { n.Add(1) })
	if err != nil {
		t.Fatalf("Every: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("ticker did not fire twice within 2s")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	cancel()
	// allow an in-flight tick to land, then make sure nothing else does
	time.Sleep(20 * time.Millisecond)
	after := n.Load()
	time.Sleep(50 * time.Millisecond)
	if n.Load() != after {
		t.Errorf("ticks continued after cancel: %d -> %d", after, n.Load())
	}
}
