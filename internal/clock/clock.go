// Package clock abstracts "now", delayed callbacks and cancellable timers,
// and provides the single-dispatcher task queue that every user-visible
// callback in rtchannel is posted to. It is the Go mapping of the
// single-threaded cooperative event loop described in the source spec: one
// goroutine drains a channel of closures so that transport read goroutines
// never invoke user code inline and cannot be re-entered mid-iteration over
// a routing table.
package clock

import "time"

// Clock abstracts wall-clock time so tests can control it deterministically.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules fn to run after d elapses and returns a Timer
	// that can cancel it. fn runs on the clock's own goroutine, not the
	// caller's; implementations that need ordering with dispatched tasks
	// should route fn through a Scheduler.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a handle to a cancellable delayed callback.
type Timer interface {
	// Stop cancels the timer. Returns false if the timer already fired or
	// was already stopped.
	Stop() bool
}

// real is the production Clock backed by the runtime's timers.
type real struct{}

// Real is the default, production Clock.
var Real Clock = real{}

func (real) Now() time.Time { return time.Now() }

func (real) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{time.AfterFunc(d, fn)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool { return r.t.Stop() }
