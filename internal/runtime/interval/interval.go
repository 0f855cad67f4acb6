// Package interval tracks recurring deadlines for polling loops.
package interval

import (
	"sync"
	"time"
)

// Timer reports, once per period, that its interval has elapsed.
// The first deadline is one interval after construction.
type Timer struct {
	mu    sync.Mutex
	every time.Duration
	next  time.Time
	now   func() time.Time
}

func New(every time.Duration) *Timer {
	return NewWithClock(every, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(every time.Duration, now func() time.Time) *Timer {
	t := &Timer{every: every, now: now}
	t.next = now().Add(every)
	return t
}

// Passed reports whether the deadline has been reached and, if so, moves
// the next deadline to now + interval.
func (t *Timer) Passed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if now.Before(t.next) {
		return false
	}
	t.next = now.Add(t.every)
	return true
}

// Next returns the upcoming deadline.
func (t *Timer) Next() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}
