// Package adaptation decides which segment of which representation a
// player downloads next.
package adaptation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ndnstream/backend/internal/media"
	"github.com/ndnstream/backend/internal/observability"
)

var (
	ErrDependencyOrder   = errors.New("representation depends on an unclassified representation")
	ErrUnknownStrategy   = errors.New("unknown adaptation strategy")
	ErrNoRepresentations = errors.New("no representations to adapt over")
)

// Context is the player state a strategy reads. Buffer levels are seconds.
type Context interface {
	LastBitrate() float64
	BufferedSeconds() float64
	RepresentationSeconds(id string) float64
	BufferedPercentage() float64
	HighestBufferedSegment(id string) (int, bool)
	NextSegmentToConsume() int
}

type Kind int

const (
	Fetch Kind = iota
	// Idle asks the caller to poll again later.
	Idle
	// Done means every segment has been requested.
	Done
)

func (k Kind) String() string {
	switch k {
	case Fetch:
		return "fetch"
	case Idle:
		return "idle"
	case Done:
		return "done"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Decision is the outcome of Strategy.Next. Segment and Representation are
// only set for Fetch.
type Decision struct {
	Kind           Kind
	Segment        int
	Representation *media.Representation
}

func fetch(seg int, rep *media.Representation) Decision {
	return Decision{Kind: Fetch, Segment: seg, Representation: rep}
}

type Strategy interface {
	Name() string
	Next() Decision
	// HasMinBufferLevel reports whether a running download of rep may
	// continue while playback is stalled.
	HasMinBufferLevel(rep *media.Representation) bool
	TotalSegments() int
}

// Params configure a strategy.
type Params struct {
	// Representations in description order, already filtered for the screen.
	Representations []*media.Representation
	// StartRepresentation pins the manual strategy.
	StartRepresentation string
	Context             Context
	Logger              *observability.Logger
}

// base carries what every strategy shares: the representations sorted by
// bandwidth and the segment count.
type base struct {
	name  string
	reps  []*media.Representation
	ctx   Context
	log   *observability.Logger
	total int
}

func newBase(name string, p Params) (base, error) {
	if len(p.Representations) == 0 {
		return base{}, ErrNoRepresentations
	}
	if p.Context == nil {
		return base{}, errors.New("adaptation: strategy needs a context")
	}
	log := p.Logger
	if log == nil {
		log = observability.NopLogger()
	}
	reps := append([]*media.Representation(nil), p.Representations...)
	sort.SliceStable(reps, func(i, j int) bool { return lessByBandwidth(reps[i], reps[j]) })

	total := reps[0].SegmentCount()
	for _, r := range reps[1:] {
		if n := r.SegmentCount(); n < total {
			total = n
		}
	}
	return base{
		name:  name,
		reps:  reps,
		ctx:   p.Context,
		log:   log.WithComponent("adaptation"),
		total: total,
	}, nil
}

func lessByBandwidth(a, b *media.Representation) bool {
	if a.Bandwidth != b.Bandwidth {
		return a.Bandwidth < b.Bandwidth
	}
	return a.ID < b.ID
}

func (b *base) Name() string       { return b.name }
func (b *base) TotalSegments() int { return b.total }

func (b *base) HasMinBufferLevel(*media.Representation) bool { return true }

func (b *base) lowest() *media.Representation { return b.reps[0] }

// highestBelow returns the representation with the highest bandwidth
// strictly below limit, or the lowest one when none qualifies.
func (b *base) highestBelow(limit float64) *media.Representation {
	best := b.lowest()
	found := false
	for _, r := range b.reps {
		if float64(r.Bandwidth) < limit && (!found || r.Bandwidth > best.Bandwidth) {
			best, found = r, true
		}
	}
	return best
}

func (b *base) find(id string) (*media.Representation, bool) {
	for _, r := range b.reps {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// cursor hands out segment numbers in order for the single-layer strategies.
type cursor struct {
	next int
}

func (c *cursor) take(total int) (int, bool) {
	if c.next >= total {
		return 0, false
	}
	n := c.next
	c.next++
	return n, true
}
