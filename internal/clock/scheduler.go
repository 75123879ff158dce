package clock

import "sync"

// Scheduler runs posted tasks one at a time on a single goroutine, in the
// order they were posted. Every user-visible callback in rtchannel (RPC
// resolve/reject, server listener invocation, close/error hooks, timeout
// rejection) is posted here instead of being invoked inline from a
// transport read goroutine, so a user callback that re-enters the library
// can never interleave with the routing loop that is dispatching it.
//
// Modeled on the single consumer goroutine draining a buffered channel in
// SubscriptionAggregator.processEvents, generalized from "one kind of
// event" to "any posted closure".
type Scheduler struct {
	tasks chan func()

	closeOnce sync.Once
	done      chan struct{}
}

// NewScheduler starts a Scheduler with the given task queue depth.
func NewScheduler(queueDepth int) *Scheduler {
	s := &Scheduler{
		tasks: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Scheduler) run() {
	for {
		select {
		case task, ok := <-s.tasks:
			if !ok {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.invoke(task)
		case <-s.done:
			return
		}
	}
}

// invoke runs task with its own recover, so a panicking user callback
// cannot kill the dispatcher goroutine or the routing loop that posted it.
func (s *Scheduler) invoke(task func()) {
	defer func() {
		recover() //nolint:errcheck // deliberately swallowed; caller logs before posting if it wants a record
	}()
	task()
}

// Post enqueues task for deferred execution. Safe to call concurrently and
// safe to call from inside a task already running on this Scheduler (it
// will simply run after the current one, never inline).
func (s *Scheduler) Post(task func()) {
	select {
	case s.tasks <- task:
	case <-s.done:
	}
}

// Stop halts the dispatcher. Tasks already queued are dropped; Stop does
// not wait for the current task to finish.
func (s *Scheduler) Stop() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
