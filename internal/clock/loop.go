package clock

import (
	"context"
	"sync"
	"time"
)

// Loop is a real-time event loop. Callbacks scheduled with AfterFunc and
// closures handed to Post all run on the goroutine executing Run.
type Loop struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

// NewLoop creates a loop whose task queue holds up to backlog pending posts.
func NewLoop(backlog int) *Loop {
	if backlog <= 0 {
		backlog = 1024
	}
	return &Loop{
		tasks: make(chan func(), backlog),
		done:  make(chan struct{}),
	}
}

// Now returns wall-clock time.
func (l *Loop) Now() time.Time { return time.Now() }

// Post queues f to run on the loop. It returns false once the loop has stopped.
func (l *Loop) Post(f func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- f:
		return true
	case <-l.done:
		return false
	}
}

// Call runs f on the loop and waits for it to finish.
func (l *Loop) Call(f func()) bool {
	ch := make(chan struct{})
	if !l.Post(func() { f(); close(ch) }) {
		return false
	}
	select {
	case <-ch:
		return true
	case <-l.done:
		return false
	}
}

type loopTimer struct {
	timer     *time.Timer
	cancelled bool
	fired     bool
}

// Stop must be called from the loop goroutine.
func (t *loopTimer) Stop() bool {
	if t.cancelled || t.fired {
		return false
	}
	t.cancelled = true
	t.timer.Stop()
	return true
}

// AfterFunc schedules f on the loop after d. The returned Timer must only be
// stopped from loop callbacks.
func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.cancelled {
				return
			}
			t.fired = true
			f()
		})
	})
	return t
}

// Run executes posted tasks until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.done:
			return nil
		case f := <-l.tasks:
			f()
		}
	}
}

// Close stops the loop. Pending tasks are dropped.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.done) })
}
