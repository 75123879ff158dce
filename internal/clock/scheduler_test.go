package clock

import (
	"testing"
	"time"
)

func TestSchedulerRunsInPostOrder(t *testing.T) {
	s := NewScheduler(16)
	defer s.Stop()

	var got []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		s.Post(func() {
			got = append(got, i)
			if i == 4 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not all run")
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("expected order 0..4, got %v", got)
		}
	}
}

func TestSchedulerRecoversPanickingTask(t *testing.T) {
	s := NewScheduler(16)
	defer s.Stop()

	ran := make(chan struct{})
	s.Post(func() { panic("boom") })
	s.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not recover from a panicking task and continue")
	}
}

func TestSchedulerStopDropsQueuedTasks(t *testing.T) {
	s := NewScheduler(16)
	s.Stop()

	ranAfterStop := false
	s.Post(func() { ranAfterStop = true })

	time.Sleep(20 * time.Millisecond)
	if ranAfterStop {
		t.Fatal("task posted after Stop should not run")
	}
}
