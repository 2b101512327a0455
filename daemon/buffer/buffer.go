// Package buffer holds downloaded media segments until playback consumes
// them. Segments are keyed by number and then by representation, so layered
// content can keep several layers of one segment side by side.
package buffer

import (
	"errors"
	"fmt"
	"sort"

	rbt "github.com/emirpasic/gods/trees/redblacktree"

	"github.com/ndnstream/backend/internal/media"
)

// ErrRejected is returned by Admit. The wrapped message carries the reason.
var ErrRejected = errors.New("segment rejected")

// Entry is one buffered segment of one representation.
type Entry struct {
	Segment        int
	Representation string
	// Duration in seconds.
	Duration float64
	// Bitrate is the nominal bandwidth advertised for the representation.
	Bitrate uint64
	// ExperiencedBitrate is the download rate observed for this segment, bit/s.
	ExperiencedBitrate float64
	Dependencies       []string
}

// Buffer is not safe for concurrent use. It is owned by a single player.
type Buffer struct {
	capacity float64
	layered  bool

	// segment number -> map[representation id]Entry
	segments    *rbt.Tree
	nextConsume int
}

// New creates a buffer holding at most capacity seconds. For layered content
// the limit applies per representation, otherwise to the aggregate.
func New(capacity float64, layered bool) *Buffer {
	return &Buffer{
		capacity: capacity,
		layered:  layered,
		segments: rbt.NewWithIntComparator(),
	}
}

func (b *Buffer) Capacity() float64 { return b.capacity }
func (b *Buffer) Layered() bool     { return b.layered }

func (b *Buffer) segment(n int) (map[string]Entry, bool) {
	v, ok := b.segments.Get(n)
	if !ok {
		return nil, false
	}
	return v.(map[string]Entry), true
}

// HasCapacity reports whether one more segment of rep fits.
func (b *Buffer) HasCapacity(rep *media.Representation) bool {
	d := rep.SegmentDuration()
	if b.layered {
		return b.RepresentationSeconds(rep.ID)+d <= b.capacity
	}
	return b.BufferedSeconds()+d <= b.capacity
}

// Admit stores segment n of rep. A dependent representation is only
// admitted when every representation it depends on is already buffered for
// the same segment.
func (b *Buffer) Admit(n int, rep *media.Representation, experienced float64) error {
	if n < b.nextConsume {
		return fmt.Errorf("%w: segment %d already consumed", ErrRejected, n)
	}
	existing, _ := b.segment(n)
	if _, dup := existing[rep.ID]; dup {
		return fmt.Errorf("%w: segment %d of %s already buffered", ErrRejected, n, rep.ID)
	}
	deps := rep.Dependencies()
	for _, dep := range deps {
		if _, ok := existing[dep]; !ok {
			return fmt.Errorf("%w: segment %d of %s is missing dependency %s", ErrRejected, n, rep.ID, dep)
		}
	}
	if !b.HasCapacity(rep) {
		return fmt.Errorf("%w: no room for segment %d of %s", ErrRejected, n, rep.ID)
	}

	if existing == nil {
		existing = make(map[string]Entry)
		b.segments.Put(n, existing)
	}
	existing[rep.ID] = Entry{
		Segment:            n,
		Representation:     rep.ID,
		Duration:           rep.SegmentDuration(),
		Bitrate:            rep.Bandwidth,
		ExperiencedBitrate: experienced,
		Dependencies:       deps,
	}
	return nil
}

// ConsumeNext removes the next segment in playback order and returns the
// representation with the most dependencies, which is the best decodable
// quality. It returns false while that segment has not arrived.
func (b *Buffer) ConsumeNext() (Entry, bool) {
	entries, ok := b.segment(b.nextConsume)
	if !ok || len(entries) == 0 {
		return Entry{}, false
	}
	best := pickBest(entries)
	b.segments.Remove(b.nextConsume)
	b.nextConsume++
	return best, true
}

// Skip gives up on the segment playback is waiting for so ConsumeNext moves
// on to the one after it. It returns false when that segment is buffered.
func (b *Buffer) Skip() bool {
	if entries, ok := b.segment(b.nextConsume); ok && len(entries) > 0 {
		return false
	}
	b.segments.Remove(b.nextConsume)
	b.nextConsume++
	return true
}

func pickBest(entries map[string]Entry) Entry {
	list := make([]Entry, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		a, c := list[i], list[j]
		if len(a.Dependencies) != len(c.Dependencies) {
			return len(a.Dependencies) > len(c.Dependencies)
		}
		if a.Bitrate != c.Bitrate {
			return a.Bitrate > c.Bitrate
		}
		return a.Representation > c.Representation
	})
	return list[0]
}

// BufferedSeconds is the playable time buffered, counting each segment once.
func (b *Buffer) BufferedSeconds() float64 {
	var total float64
	for it := b.segments.Iterator(); it.Next(); {
		for _, e := range it.Value().(map[string]Entry) {
			total += e.Duration
			break
		}
	}
	return total
}

// RepresentationSeconds is the time buffered for one representation.
func (b *Buffer) RepresentationSeconds(id string) float64 {
	var total float64
	for it := b.segments.Iterator(); it.Next(); {
		if e, ok := it.Value().(map[string]Entry)[id]; ok {
			total += e.Duration
		}
	}
	return total
}

// HighestBufferedSegment returns the largest segment number buffered for id.
func (b *Buffer) HighestBufferedSegment(id string) (int, bool) {
	it := b.segments.Iterator()
	for it.End(); it.Prev(); {
		if e, ok := it.Value().(map[string]Entry)[id]; ok {
			return e.Segment, true
		}
	}
	return 0, false
}

// NextSegmentToConsume is the segment number playback waits for.
func (b *Buffer) NextSegmentToConsume() int { return b.nextConsume }

// Segments returns the number of distinct buffered segment numbers.
func (b *Buffer) Segments() int { return b.segments.Size() }

func (b *Buffer) BufferedPercentage() float64 {
	if b.capacity <= 0 {
		return 0
	}
	return b.BufferedSeconds() / b.capacity
}

func (b *Buffer) RepresentationPercentage(id string) float64 {
	if b.capacity <= 0 {
		return 0
	}
	return b.RepresentationSeconds(id) / b.capacity
}
