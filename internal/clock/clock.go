// Package clock provides the single-threaded scheduling model the transport
// and player run on: a simulated clock for deterministic runs and a real-time
// event loop for live networks.
package clock

import "time"

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer; after Stop returns the callback never runs, even if
	// the deadline had already passed.
	Stop() bool
}

// Clock schedules callbacks. All callbacks scheduled on one Clock run
// sequentially, never concurrently with each other.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Stop stops t if it is non-nil.
func Stop(t Timer) {
	if t != nil {
		t.Stop()
	}
}
