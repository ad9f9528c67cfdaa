// Package clock provides the single per-controller timer wheel used by
// Requests (tracking/expiration) and Jobs (heartbeat). DESIGN NOTES §9 maps
// the source's boost-asio timers onto one task queue; this is that queue.
package clock

import (
	"sync"
	"time"
)

// Timer is a cancelable, one-shot callback scheduled after a delay.
// Canceling after it has fired is a no-op.
type Timer struct {
	mu     sync.Mutex
	t      *time.Timer
	fired  bool
	cancel bool
}

// Wheel schedules callbacks. A zero Wheel is ready to use.
type Wheel struct{}

// After schedules fn to run after d on its own goroutine and returns a
// handle that can cancel the pending fire.
func (Wheel) After(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		tm.mu.Lock()
		if tm.cancel {
			tm.mu.Unlock()
			return
		}
		tm.fired = true
		tm.mu.Unlock()
		fn()
	})
	return tm
}

// Stop cancels the timer. It returns true if the callback was prevented from
// firing, false if it had already fired or already been stopped.
func (tm *Timer) Stop() bool {
	if tm == nil {
		return true
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.fired || tm.cancel {
		return false
	}
	tm.cancel = true
	tm.t.Stop()
	return true
}
