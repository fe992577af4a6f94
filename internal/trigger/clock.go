package trigger

import (
	"sync"
	"time"
)

// Clock is the time source an Engine schedules against. Production
// code uses systemClock; tests use FakeClock so a one-shot or offset
// timer 50ms in the future can be made to fire by advancing the clock
// 60ms, with no real sleep and no flakiness from scheduler jitter.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) ClockTimer
}

// ClockTimer is the handle returned by Clock.AfterFunc.
type ClockTimer interface {
	Stop() bool
}

// systemClock schedules against the real wall clock via
// time.AfterFunc, whose firing is governed by the runtime's monotonic
// clock and therefore immune to wall-clock adjustments — which is
// exactly why a wall-clock jump needs separate detection (see
// watchForClockJumps) rather than showing up as a late AfterFunc.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) ClockTimer {
	return systemTimer{time.AfterFunc(d, f)}
}

type systemTimer struct{ t *time.Timer }

func (s systemTimer) Stop() bool { return s.t.Stop() }

// FakeClock is a manually driven clock for deterministic tests.
// Advance simulates ordinary elapsed time, firing any timer whose
// deadline falls within the advance. SetNow jumps the clock directly
// without firing anything, simulating an external wall-clock
// correction a running Engine has not yet reacted to.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeClock returns a FakeClock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) ClockTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	ft := &fakeTimer{fire: c.now.Add(d), f: f}
	c.timers = append(c.timers, ft)
	return ft
}

// Advance moves the clock forward by d and fires, in deadline order,
// every pending timer whose deadline now falls at or before the new
// time — including any newly scheduled by an earlier timer's own
// callback (a repeating offset re-arming itself, for instance).
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	c.fireDue()
}

// SetNow jumps the clock directly to t with no firing, the fake-clock
// analogue of a system clock stepped by NTP or a VM resuming from a
// pause: whatever was already scheduled stays scheduled exactly as it
// was, stale deadline math and all, until something notices.
func (c *FakeClock) SetNow(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *FakeClock) fireDue() {
	for {
		c.mu.Lock()
		now := c.now
		var due *fakeTimer
		for _, ft := range c.timers {
			if !ft.stopped && !ft.fire.After(now) {
				due = ft
				break
			}
		}
		if due == nil {
			c.mu.Unlock()
			return
		}
		due.stopped = true
		c.timers = removeTimer(c.timers, due)
		c.mu.Unlock()
		due.f()
	}
}

func removeTimer(timers []*fakeTimer, target *fakeTimer) []*fakeTimer {
	out := timers[:0]
	for _, t := range timers {
		if t != target {
			out = append(out, t)
		}
	}
	return out
}

type fakeTimer struct {
	fire    time.Time
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}
