// internal/sched/timer.go
package sched

import (
	"sync"
	"time"
)

// Timer is a re-armable one-shot timer. Arming replaces any previously
// armed deadline, so at most one callback is pending at a time. A fired
// callback runs on its own goroutine (time.AfterFunc semantics); callers
// that need to detect stale fires should pair the timer with a generation
// counter checked inside the callback.
type Timer struct {
	mu sync.Mutex
	t  *time.Timer
}

// Arm schedules fn to run after d, cancelling any earlier deadline.
func (t *Timer) Arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
	}
	t.t = time.AfterFunc(d, fn)
}

// Cancel stops the pending deadline, if any. A callback that has already
// started is not interrupted.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}
