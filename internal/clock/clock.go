// Package clock abstracts time so deadline handling can be tested without
// sleeping.
package clock

import (
	"sort"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	// Stop prevents the call from firing. It returns false if the call
	// already fired or was stopped.
	Stop() bool
}

type systemClock struct{}

// NewSystem returns a clock backed by the time package.
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Manual is a clock for tests. Time only moves through Set and Advance, and
// pending AfterFunc calls only fire from Advance.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*manualTimer
}

type manualTimer struct {
	clock    *Manual
	deadline time.Time
	f        func()
	done     bool
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTimer{clock: m, deadline: m.now.Add(d), f: f}
	m.waiters = append(m.waiters, t)
	return t
}

// Set moves the clock to t without firing anything.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance moves the clock forward by d and synchronously runs every pending
// call whose deadline has been reached, in deadline order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now

	var due, pending []*manualTimer
	for _, t := range m.waiters {
		switch {
		case t.done:
		case !t.deadline.After(now):
			t.done = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	m.waiters = pending
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.f()
	}
}

// Pending reports how many calls are scheduled and not yet fired or stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.waiters {
		if !t.done {
			n++
		}
	}
	return n
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
