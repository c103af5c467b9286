// Package sched runs cancellable repeating tasks. Generators take a Scheduler
// so tests can drive time by hand with Manual instead of waiting on the wall clock.
package sched

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInterval is returned by Every when the interval is not positive.
var ErrInterval = errors.New("sched: interval must be positive")

// Scheduler runs fn every interval until the returned cancel func is called.
// Calls to fn for a single task never overlap. Cancel is idempotent and safe
// to call from inside fn.
type Scheduler interface {
	Every(interval time.Duration, fn func(now time.Time)) (cancel func(), err error)
	Now() time.Time
}

// Ticker is the wall-clock Scheduler backed by time.Ticker.
type Ticker struct{}

// Now returns the current wall-clock time.
func (Ticker) Now() time.Time { return time.Now() }

// Every starts a goroutine that calls fn on each tick.
func (Ticker) Every(interval time.Duration, fn func(now time.Time)) (func(), error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInterval, interval)
	}

	t := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-t.C:
				// cancel may have raced the tick
				select {
				case <-done:
					return
				default:
				}
				fn(now)
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }, nil
}

// Manual is a Scheduler whose clock only moves when Advance is called.
// Due tasks run synchronously on the goroutine calling Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	tasks  map[int]*manualTask
}

type manualTask struct {
	id       int
	interval time.Duration
	next     time.Time
	fn       func(time.Time)
}

// NewManual returns a Manual scheduler whose clock reads start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, tasks: make(map[int]*manualTask)}
}

// Now returns the manual clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Every registers fn to run each time the clock passes a multiple of interval
// from the moment of registration.
func (m *Manual) Every(interval time.Duration, fn func(now time.Time)) (func(), error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInterval, interval)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.tasks[id] = &manualTask{id: id, interval: interval, next: m.now.Add(interval), fn: fn}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.tasks, id)
	}, nil
}

// Advance moves the clock forward by d, running every task that falls due on
// the way in due-time order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		t := m.due(target)
		if t == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = t.next
		t.next = t.next.Add(t.interval)
		fn, now := t.fn, m.now

		m.mu.Unlock()
		fn(now)
		m.mu.Lock()
	}
}

// Tasks reports how many tasks are registered.
func (m *Manual) Tasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// due returns the earliest task due at or before target. Caller holds m.mu.
func (m *Manual) due(target time.Time) *manualTask {
	var best *manualTask
	for _, t := range m.tasks {
		if t.next.After(target) {
			continue
		}
		if best == nil || t.next.Before(best.next) || (t.next.Equal(best.next) && t.id < best.id) {
			best = t
		}
	}
	return best
}
