// Package clocktest provides a manually-advanced clock.Clock for
// deterministic tests, mirroring the role wstest plays for
// transport.Adapter: the real thing minus the parts that make tests
// flaky.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"rtchannel/internal/clock"
)

// FakeClock only moves when Advance is called. Fired callbacks run on
// their own goroutine, matching the production Clock's documented
// contract (callers that need ordering with other dispatched work must
// route through a Scheduler themselves).
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	seq    int
}

// NewFakeClock starts the clock at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

var _ clock.Clock = (*FakeClock)(nil)

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, fireAt: c.now.Add(d), fn: fn, id: c.seq}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d and fires, in fire-time order,
// every timer whose deadline has been reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now

	var due, remaining []*fakeTimer
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		if !t.fireAt.After(now) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].fireAt.Equal(due[j].fireAt) {
			return due[i].id < due[j].id
		}
		return due[i].fireAt.Before(due[j].fireAt)
	})

	for _, t := range due {
		go t.fn()
	}
}

// PendingCount returns the number of armed (not fired, not stopped)
// timers, for asserting the single-armed-timer invariant.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	clock   *FakeClock
	fireAt  time.Time
	fn      func()
	id      int
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	for _, pending := range t.clock.timers {
		if pending == t {
			t.stopped = true
			return true
		}
	}
	// Advance already removed (fired) this timer.
	return false
}
