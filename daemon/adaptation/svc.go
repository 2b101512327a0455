package adaptation

import (
	"math"

	"github.com/ndnstream/backend/internal/media"
)

// SVC buffer presets: gamma is the minimum buffer of the base layer in
// seconds, alpha the extra seconds demanded per layer below the current one.
var (
	SVCAggressive   = SVCBufferParams{Gamma: 8, Alpha: 2}
	SVCNormal       = SVCBufferParams{Gamma: 8, Alpha: 4}
	SVCConservative = SVCBufferParams{Gamma: 16, Alpha: 8}
)

type SVCBufferParams struct {
	Gamma float64
	Alpha float64
}

// layered is shared by the strategies that work on the dependency ladder.
type layered struct {
	base
	ladder  []*media.Representation
	ordered bool
	segDur  float64
}

func newLayered(name string, p Params) (layered, error) {
	b, err := newBase(name, p)
	if err != nil {
		return layered{}, err
	}
	ladder, ordered := ladderOrDegraded(p.Representations, b.log)
	segDur := ladder[0].SegmentDuration()
	if segDur <= 0 {
		segDur = 1
	}
	return layered{base: b, ladder: ladder, ordered: ordered, segDur: segDur}, nil
}

// Ladder returns the representations ordered by layer.
func (l *layered) Ladder() []*media.Representation { return l.ladder }

func (l *layered) level(layer int) float64 {
	return l.ctx.RepresentationSeconds(l.ladder[layer].ID)
}

// nextNeeded is the segment a layer should fetch next: continue after its
// highest buffered segment, or start at the playback position. Enhancement
// layers starting from scratch skip ahead by lead seconds so they do not
// race playback.
func (l *layered) nextNeeded(layer int, lead float64) int {
	if l.level(layer) == 0 {
		if layer == 0 {
			return l.ctx.NextSegmentToConsume()
		}
		return l.ctx.NextSegmentToConsume() + int(math.Floor(lead/l.segDur))
	}
	n, ok := l.ctx.HighestBufferedSegment(l.ladder[layer].ID)
	if !ok {
		return l.ctx.NextSegmentToConsume()
	}
	return n + 1
}

// covered reports whether every dependency of layer already reaches seg, so
// the buffer can take that segment of the layer.
func (l *layered) covered(layer, seg int) bool {
	for _, dep := range l.ladder[layer].Dependencies() {
		n, ok := l.ctx.HighestBufferedSegment(dep)
		if !ok || n < seg {
			return false
		}
	}
	return true
}

// SVCBufferBased fills layers by buffer targets in three phases: steady
// keeps every layer up to the current one at its target, growing raises
// the targets as if two more layers were playing, and quality increase
// starts the next layer.
type SVCBufferBased struct {
	layered
	params SVCBufferParams
}

func newSVCBufferBased(name string, params SVCBufferParams) Constructor {
	return func(p Params) (Strategy, error) {
		l, err := newLayered(name, p)
		if err != nil {
			return nil, err
		}
		return &SVCBufferBased{layered: l, params: params}, nil
	}
}

// NewSVCBufferBased builds a layered buffer strategy with custom parameters.
func NewSVCBufferBased(p Params, params SVCBufferParams) (Strategy, error) {
	return newSVCBufferBased("svc-buffer", params)(p)
}

func (s *SVCBufferBased) desired(layer, current int) float64 {
	return s.params.Gamma + math.Ceil(float64(current-layer)*s.params.Alpha)
}

// currentLayer is the highest layer with anything buffered.
func (s *SVCBufferBased) currentLayer() int {
	cur := len(s.ladder) - 1
	for cur > 0 && s.level(cur) == 0 {
		cur--
	}
	return cur
}

func (s *SVCBufferBased) Next() Decision {
	cur := s.currentLayer()
	exhausted := false

	try := func(layer int) (Decision, bool) {
		seg := s.nextNeeded(layer, s.params.Gamma)
		if seg >= s.total {
			exhausted = true
			return Decision{}, false
		}
		if !s.covered(layer, seg) {
			return Decision{}, false
		}
		return fetch(seg, s.ladder[layer]), true
	}

	// steady
	for i := 0; i <= cur; i++ {
		if s.level(i) < s.desired(i, cur) {
			if d, ok := try(i); ok {
				return d
			}
		}
	}
	// growing
	for i := 0; i <= cur; i++ {
		if s.level(i) < s.desired(i, cur+2) {
			if d, ok := try(i); ok {
				return d
			}
		}
	}
	// quality increase
	if next := cur + 1; next < len(s.ladder) {
		if d, ok := try(next); ok {
			return d
		}
	}
	if exhausted {
		return Decision{Kind: Done}
	}
	return Decision{Kind: Idle}
}

// HasMinBufferLevel lets a layer keep downloading only while the layer
// below it holds its steady target. The base layer is never aborted.
func (s *SVCBufferBased) HasMinBufferLevel(rep *media.Representation) bool {
	layer := layerOf(s.ladder, rep.ID)
	if layer <= 0 {
		if layer < 0 {
			s.log.Warn("cannot determine layer of representation " + rep.ID)
		}
		return true
	}
	return s.level(layer-1) >= s.desired(layer-1, layer)
}

// Layered rate strategy constants.
const (
	SVCRateMinBufferLevel = 10.0
	SVCRateGrowingBuffer  = 4.0
	SVCRateEMAWeight      = 0.3
)

// SVCRateBased requests, per segment, every layer from the base up to the
// highest one affordable under a moving average of the download bitrate.
// Until the buffer holds the minimum level only the base layer is fetched.
type SVCRateBased struct {
	layered
	ema     float64
	segment int
	pending []*media.Representation
}

func NewSVCRateBased(p Params) (Strategy, error) {
	l, err := newLayered(NameSVCRate, p)
	if err != nil {
		return nil, err
	}
	return &SVCRateBased{layered: l, ema: p.Context.LastBitrate()}, nil
}

func (s *SVCRateBased) hasMinBufferLevel() bool {
	return s.ctx.BufferedSeconds() > SVCRateMinBufferLevel
}

func (s *SVCRateBased) HasMinBufferLevel(*media.Representation) bool {
	return s.hasMinBufferLevel()
}

// affordable returns the highest layer under the smoothed bitrate, raised
// when the buffer is well filled.
func (s *SVCRateBased) affordable() int {
	limit := s.ema
	switch pct := s.ctx.BufferedPercentage(); {
	case pct > 0.75:
		limit *= 1.3
	case pct > 0.5:
		limit *= 1.2
	}
	layer := 0
	var highest uint64
	for i, r := range s.ladder {
		if float64(r.Bandwidth) < limit && r.Bandwidth > highest {
			layer, highest = i, r.Bandwidth
		}
	}
	return layer
}

func (s *SVCRateBased) Next() Decision {
	s.ema = s.ctx.LastBitrate()*SVCRateEMAWeight + (1-SVCRateEMAWeight)*s.ema
	if s.segment >= s.total {
		s.pending = nil
		return Decision{Kind: Done}
	}

	switch {
	case !s.hasMinBufferLevel() || (len(s.pending) == 0 && s.ctx.BufferedSeconds() < SVCRateMinBufferLevel+SVCRateGrowingBuffer):
		s.pending = []*media.Representation{s.ladder[0]}
	case len(s.pending) == 0:
		for i := s.affordable(); i >= 0; i-- {
			s.pending = append(s.pending, s.ladder[i])
		}
	}

	// pending is a stack with the base layer on top
	top := len(s.pending) - 1
	rep := s.pending[top]
	s.pending = s.pending[:top]
	seg := s.segment
	if len(s.pending) == 0 {
		s.segment++
	}
	return fetch(seg, rep)
}

// SVCNone does not adapt: it tops up whichever enhancement layer has less
// buffered than the base layer, and the base layer otherwise.
type SVCNone struct {
	layered
}

func NewSVCNone(p Params) (Strategy, error) {
	l, err := newLayered(NameSVCNone, p)
	if err != nil {
		return nil, err
	}
	return &SVCNone{layered: l}, nil
}

func (s *SVCNone) Next() Decision {
	layer := 0
	if base := s.level(0); base > 0 {
		for l := 1; l < len(s.ladder); l++ {
			if s.level(l) < base && s.covered(l, s.nextNeeded(l, 0)) {
				layer = l
				break
			}
		}
	}
	seg := s.nextNeeded(layer, 0)
	if seg >= s.total {
		return Decision{Kind: Done}
	}
	return fetch(seg, s.ladder[layer])
}

// HasMinBufferLevel requires something buffered in the base layer.
func (s *SVCNone) HasMinBufferLevel(*media.Representation) bool {
	return s.level(0) > 0
}
