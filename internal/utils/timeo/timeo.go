// Package timeo holds the clock abstraction and the delay math used by the
// reconnect and retry layers.
package timeo

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Clock is the timer collaborator. Components take a Clock so tests can
// drive time manually.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) Sleep(d time.Duration)                  { time.Sleep(d) }

// Real returns the wall clock.
func Real() Clock { return realClock{} }

// Manual is a test clock advanced explicitly with Advance.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{at: m.now.Add(d), ch: ch})
	return ch
}

func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// PendingWaiters reports how many timers are armed, so tests can wait for a
// component to reach its sleep before advancing.
func (m *Manual) PendingWaiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// Advance moves the clock forward and fires every timer that came due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	remaining := m.waiters[:0]
	var due []waiter
	for _, w := range m.waiters {
		if !w.at.After(m.now) {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining
	now := m.now
	m.mu.Unlock()
	for _, w := range due {
		w.ch <- now
	}
}

// BackoffDelay computes base * factor^attempt clamped to max. attempt is
// zero-based.
func BackoffDelay(base time.Duration, factor float64, attempt int, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if factor < 1 {
		factor = 1
	}
	d := float64(base) * math.Pow(factor, float64(attempt))
	if max > 0 && d > float64(max) {
		d = float64(max)
	}
	return time.Duration(d)
}

// Jitter scales d by a random factor in [min, max].
func Jitter(d time.Duration, min, max float64) time.Duration {
	if min <= 0 || max < min {
		return d
	}
	f := min + rand.Float64()*(max-min)
	return time.Duration(float64(d) * f)
}
