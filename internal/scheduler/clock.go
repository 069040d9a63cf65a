package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Timer is the subset of *time.Timer the service relies on.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Clock abstracts wall-clock access so that polling, backoff, grace periods
// and TTLs can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	AfterFunc(d time.Duration, fn func()) Timer
}

// Sleep waits for d on clock or until done is closed. It reports whether the
// full duration elapsed.
func Sleep(done <-chan struct{}, clock Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return false
	case <-timer.C():
		return true
	}
}

// RealClock delegates to the time package.
type RealClock struct{}

// Now returns time.Now in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// NewTimer wraps time.NewTimer.
func (RealClock) NewTimer(d time.Duration) Timer { return realTimer{t: time.NewTimer(d)} }

// AfterFunc wraps time.AfterFunc.
func (RealClock) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// ManualClock only moves when Advance is called.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

// NewManualClock starts a manual clock at the given instant.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTimer registers a channel timer firing once the clock passes now+d.
func (c *ManualClock) NewTimer(d time.Duration) Timer {
	return c.add(d, nil)
}

// AfterFunc registers fn to run (on the goroutine calling Advance) once the
// clock passes now+d.
func (c *ManualClock) AfterFunc(d time.Duration, fn func()) Timer {
	return c.add(d, fn)
}

// Pending reports how many timers are armed and not yet fired.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// Advance moves the clock forward and fires every timer that came due, in
// deadline order.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	due := make([]*manualTimer, 0)
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if t.done {
			continue
		}
		if !t.deadline.After(now) {
			t.done = true
			due = append(due, t)
			continue
		}
		remaining = append(remaining, t)
	}
	c.timers = remaining
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		if t.fn != nil {
			t.fn()
			continue
		}
		select {
		case t.ch <- now:
		default:
		}
	}
}

func (c *ManualClock) add(d time.Duration, fn func()) *manualTimer {
	c.mu.Lock()
	t := &manualTimer{clock: c, deadline: c.now.Add(d), fn: fn, ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	if d <= 0 {
		c.Advance(0)
	}
	return t
}

type manualTimer struct {
	clock    *ManualClock
	deadline time.Time
	fn       func()
	ch       chan time.Time
	done     bool
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

var (
	_ Clock = RealClock{}
	_ Clock = (*ManualClock)(nil)
)
