package transport

import (
	"errors"
	"testing"
)

func TestTracker_Transitions(t *testing.T) {
	tr := NewTracker(3)
	if tr.Len() != 3 {
		t.Fatalf("Expected 3 slots, got %d", tr.Len())
	}

	if err := tr.MarkReceived(0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("NotRequested -> Received must fail, got %v", err)
	}
	if retx, err := tr.MarkRequested(0); err != nil || retx {
		t.Fatalf("MarkRequested(0) = %v, %v", retx, err)
	}
	if err := tr.MarkTimedOut(0); err != nil {
		t.Fatalf("MarkTimedOut failed: %v", err)
	}
	retx, err := tr.MarkRequested(0)
	if err != nil || !retx {
		t.Errorf("Re-request of a timed out chunk must count as retransmission, got %v, %v", retx, err)
	}
	if err := tr.MarkReceived(0); err != nil {
		t.Fatalf("MarkReceived failed: %v", err)
	}
	for _, to := range []ChunkStatus{NotRequested, Requested, TimedOut, Received} {
		if _, err := tr.move(0, to); err == nil {
			t.Errorf("Received must be terminal, moved to %s", to)
		}
	}
	if tr.Received() != 1 {
		t.Errorf("Expected 1 received, got %d", tr.Received())
	}
}

func TestTracker_NextEligible(t *testing.T) {
	tr := NewTracker(3)
	tr.MarkRequested(0)
	tr.MarkRequested(1)
	seq, ok := tr.NextEligible()
	if !ok || seq != 2 {
		t.Fatalf("Expected 2, got %d %v", seq, ok)
	}
	tr.MarkTimedOut(1)
	seq, _ = tr.NextEligible()
	if seq != 1 {
		t.Errorf("Timed out chunk 1 should come first, got %d", seq)
	}
	tr.MarkRequested(1)
	tr.MarkRequested(2)
	if _, ok := tr.NextEligible(); ok {
		t.Error("Nothing should be eligible while all chunks are in flight")
	}
}

func TestTracker_ResizeKeepsStatus(t *testing.T) {
	tr := NewTracker(10)
	tr.MarkRequested(0)
	tr.MarkReceived(0)
	tr.MarkRequested(5)
	tr.MarkReceived(5)

	tr.Resize(4)
	if tr.Len() != 4 || tr.Received() != 1 {
		t.Fatalf("After shrink: len=%d received=%d", tr.Len(), tr.Received())
	}
	tr.Resize(6)
	if tr.Status(0) != Received || tr.Status(5) != NotRequested {
		t.Errorf("Unexpected statuses after grow: %s %s", tr.Status(0), tr.Status(5))
	}
	if tr.Complete() {
		t.Error("Tracker should not be complete")
	}
	var rc RangeCompressor
	if got := rc.Compress(tr.Missing()); got != "1-5" {
		t.Errorf("Expected missing 1-5, got %q", got)
	}
}

func TestTracker_DiscardReceived(t *testing.T) {
	tr := NewTracker(2)
	tr.MarkRequested(0)
	tr.MarkReceived(0)
	if err := tr.Discard(0); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if tr.Status(0) != TimedOut || tr.Received() != 0 {
		t.Errorf("After discard: status=%s received=%d", tr.Status(0), tr.Received())
	}
	if seq, ok := tr.NextEligible(); !ok || seq != 0 {
		t.Errorf("Discarded chunk should be eligible again, got %d %v", seq, ok)
	}
	if err := tr.Discard(1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Discarding an unreceived chunk: %v", err)
	}
	if err := tr.Discard(5); !errors.Is(err, ErrSequenceOutOfRange) {
		t.Errorf("Discarding out of range: %v", err)
	}
}

func TestTracker_ManifestSlot(t *testing.T) {
	tr := NewTracker(0)
	if _, err := tr.MarkManifest(Received); err == nil {
		t.Error("Manifest cannot be received before it is requested")
	}
	tr.MarkManifest(Requested)
	tr.MarkManifest(TimedOut)
	retx, err := tr.MarkManifest(Requested)
	if err != nil || !retx {
		t.Errorf("Expected manifest retransmission, got %v %v", retx, err)
	}
	if !tr.Complete() {
		t.Error("A tracker with no chunks is complete")
	}
}
