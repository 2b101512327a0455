package clock

import (
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"
)

// Sim is a virtual-time clock. Time only advances when the owner runs it,
// events with equal deadlines fire in scheduling order.
type Sim struct {
	now   time.Time
	seq   uint64
	queue *binaryheap.Heap
	fired uint64
}

type simEvent struct {
	at      time.Time
	seq     uint64
	fn      func()
	stopped bool
	done    bool
}

func (e *simEvent) Stop() bool {
	if e.stopped || e.done {
		return false
	}
	e.stopped = true
	return true
}

func compareEvents(a, b interface{}) int {
	ea, eb := a.(*simEvent), b.(*simEvent)
	switch {
	case ea.at.Before(eb.at):
		return -1
	case eb.at.Before(ea.at):
		return 1
	case ea.seq < eb.seq:
		return -1
	case ea.seq > eb.seq:
		return 1
	}
	return 0
}

// NewSim returns a simulated clock starting at start.
func NewSim(start time.Time) *Sim {
	return &Sim{
		now:   start,
		queue: binaryheap.NewWith(compareEvents),
	}
}

// Now returns the current virtual time.
func (s *Sim) Now() time.Time { return s.now }

// AfterFunc schedules f at Now()+d. Negative durations are treated as zero.
func (s *Sim) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	s.seq++
	ev := &simEvent{at: s.now.Add(d), seq: s.seq, fn: f}
	s.queue.Push(ev)
	return ev
}

// Pending returns the number of scheduled events that have not been stopped.
func (s *Sim) Pending() int {
	n := 0
	for _, v := range s.queue.Values() {
		if !v.(*simEvent).stopped {
			n++
		}
	}
	return n
}

// Fired returns how many callbacks have run.
func (s *Sim) Fired() uint64 { return s.fired }

// Step runs the next live event, advancing time to its deadline.
// It returns false when nothing is scheduled.
func (s *Sim) Step() bool {
	for {
		v, ok := s.queue.Pop()
		if !ok {
			return false
		}
		ev := v.(*simEvent)
		if ev.stopped {
			continue
		}
		if ev.at.After(s.now) {
			s.now = ev.at
		}
		ev.done = true
		s.fired++
		ev.fn()
		return true
	}
}

// RunUntil runs every event due at or before t, then sets the clock to t.
func (s *Sim) RunUntil(t time.Time) {
	for {
		v, ok := s.queue.Peek()
		if !ok {
			break
		}
		ev := v.(*simEvent)
		if ev.stopped {
			s.queue.Pop()
			continue
		}
		if ev.at.After(t) {
			break
		}
		s.Step()
	}
	if t.After(s.now) {
		s.now = t
	}
}

// RunFor advances the clock by d.
func (s *Sim) RunFor(d time.Duration) {
	s.RunUntil(s.now.Add(d))
}

// Run drains the queue, stopping after limit events when limit > 0.
// It returns the number of events run.
func (s *Sim) Run(limit int) int {
	n := 0
	for limit <= 0 || n < limit {
		if !s.Step() {
			break
		}
		n++
	}
	return n
}
