package transport

import (
	"fmt"
)

// ChunkStatus is the lifecycle of one request slot.
type ChunkStatus uint8

const (
	NotRequested ChunkStatus = iota
	Requested
	TimedOut
	Received
)

func (s ChunkStatus) String() string {
	switch s {
	case NotRequested:
		return "NOT_REQUESTED"
	case Requested:
		return "REQUESTED"
	case TimedOut:
		return "TIMED_OUT"
	case Received:
		return "RECEIVED"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[ChunkStatus][]ChunkStatus{
	NotRequested: {Requested},
	Requested:    {TimedOut, Received},
	TimedOut:     {Requested},
	Received:     {},
}

func (s ChunkStatus) canTransitionTo(to ChunkStatus) bool {
	for _, v := range validTransitions[s] {
		if v == to {
			return true
		}
	}
	return false
}

// Tracker holds the status of the manifest slot and every numbered chunk of
// one transfer. Before the manifest arrives it covers only the speculative
// start window; Resize fixes it to the real chunk count.
//
// Tracker is owned by the engine's event loop and is not safe for concurrent use.
type Tracker struct {
	manifest ChunkStatus
	status   []ChunkStatus
	received int
}

// NewTracker returns a tracker with window speculative chunk slots.
func NewTracker(window int) *Tracker {
	if window < 0 {
		window = 0
	}
	return &Tracker{status: make([]ChunkStatus, window)}
}

// Len returns the number of chunk slots.
func (t *Tracker) Len() int { return len(t.status) }

// Resize sets the chunk count, keeping the status of surviving slots.
func (t *Tracker) Resize(n int) {
	if n < 0 {
		n = 0
	}
	if n <= len(t.status) {
		for _, s := range t.status[n:] {
			if s == Received {
				t.received--
			}
		}
		t.status = t.status[:n]
		return
	}
	grown := make([]ChunkStatus, n)
	copy(grown, t.status)
	t.status = grown
}

// Status returns the status of chunk seq.
func (t *Tracker) Status(seq int) ChunkStatus {
	if seq < 0 || seq >= len(t.status) {
		return NotRequested
	}
	return t.status[seq]
}

// ManifestStatus returns the status of the manifest slot.
func (t *Tracker) ManifestStatus() ChunkStatus { return t.manifest }

func (t *Tracker) move(seq int, to ChunkStatus) (ChunkStatus, error) {
	if seq < 0 || seq >= len(t.status) {
		return NotRequested, fmt.Errorf("%w: %d of %d", ErrSequenceOutOfRange, seq, len(t.status))
	}
	from := t.status[seq]
	if !from.canTransitionTo(to) {
		return from, fmt.Errorf("%w: chunk %d %s -> %s", ErrInvalidTransition, seq, from, to)
	}
	t.status[seq] = to
	if to == Received {
		t.received++
	}
	return from, nil
}

// MarkRequested records a send of chunk seq and reports whether it was a
// retransmission of a timed out chunk.
func (t *Tracker) MarkRequested(seq int) (bool, error) {
	from, err := t.move(seq, Requested)
	return from == TimedOut, err
}

// MarkTimedOut moves an in-flight chunk to TimedOut.
func (t *Tracker) MarkTimedOut(seq int) error {
	_, err := t.move(seq, TimedOut)
	return err
}

// MarkReceived moves an in-flight chunk to Received.
func (t *Tracker) MarkReceived(seq int) error {
	_, err := t.move(seq, Received)
	return err
}

// Discard moves a received chunk back to TimedOut so it is fetched again.
// It is used when a payload taken before the manifest turns out not to fit.
func (t *Tracker) Discard(seq int) error {
	if seq < 0 || seq >= len(t.status) {
		return fmt.Errorf("%w: %d of %d", ErrSequenceOutOfRange, seq, len(t.status))
	}
	if t.status[seq] != Received {
		return fmt.Errorf("%w: chunk %d %s -> %s", ErrInvalidTransition, seq, t.status[seq], TimedOut)
	}
	t.status[seq] = TimedOut
	t.received--
	return nil
}

// MarkManifest moves the manifest slot. A timed out manifest may be
// requested again.
func (t *Tracker) MarkManifest(to ChunkStatus) (bool, error) {
	from := t.manifest
	if !from.canTransitionTo(to) {
		return false, fmt.Errorf("%w: manifest %s -> %s", ErrInvalidTransition, from, to)
	}
	t.manifest = to
	return from == TimedOut && to == Requested, nil
}

// NextEligible returns the lowest chunk that is NotRequested or TimedOut.
func (t *Tracker) NextEligible() (int, bool) {
	for i, s := range t.status {
		if s == NotRequested || s == TimedOut {
			return i, true
		}
	}
	return 0, false
}

// Received returns the number of received chunks.
func (t *Tracker) Received() int { return t.received }

// Complete reports whether every chunk has been received.
func (t *Tracker) Complete() bool { return t.received == len(t.status) }

// Missing returns the chunks not yet received.
func (t *Tracker) Missing() []int64 {
	var out []int64
	for i, s := range t.status {
		if s != Received {
			out = append(out, int64(i))
		}
	}
	return out
}
