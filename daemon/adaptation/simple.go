package adaptation

import "github.com/ndnstream/backend/internal/media"

// AlwaysLowest requests every segment in the lowest bandwidth representation.
type AlwaysLowest struct {
	base
	cursor
}

func NewAlwaysLowest(p Params) (Strategy, error) {
	b, err := newBase(NameAlwaysLowest, p)
	if err != nil {
		return nil, err
	}
	return &AlwaysLowest{base: b}, nil
}

func (s *AlwaysLowest) Next() Decision {
	seg, ok := s.take(s.total)
	if !ok {
		return Decision{Kind: Done}
	}
	return fetch(seg, s.lowest())
}

// Manual pins the start representation for the whole stream.
type Manual struct {
	base
	cursor
	rep *media.Representation
}

func NewManual(p Params) (Strategy, error) {
	b, err := newBase(NameManual, p)
	if err != nil {
		return nil, err
	}
	rep, ok := b.find(p.StartRepresentation)
	if !ok {
		b.log.Warn("start representation " + p.StartRepresentation + " not available, using the lowest")
		rep = b.lowest()
	}
	return &Manual{base: b, rep: rep}, nil
}

func (s *Manual) Next() Decision {
	seg, ok := s.take(s.total)
	if !ok {
		return Decision{Kind: Done}
	}
	return fetch(seg, s.rep)
}

// RateBased picks the highest representation below the last download bitrate.
type RateBased struct {
	base
	cursor
}

func NewRateBased(p Params) (Strategy, error) {
	b, err := newBase(NameRate, p)
	if err != nil {
		return nil, err
	}
	return &RateBased{base: b}, nil
}

func (s *RateBased) Next() Decision {
	seg, ok := s.take(s.total)
	if !ok {
		return Decision{Kind: Done}
	}
	return fetch(seg, s.highestBelow(s.ctx.LastBitrate()))
}

// RateAndBufferBased scales the last download bitrate by how full the
// buffer is before picking a representation.
type RateAndBufferBased struct {
	base
	cursor
}

func NewRateAndBufferBased(p Params) (Strategy, error) {
	b, err := newBase(NameRateBuffer, p)
	if err != nil {
		return nil, err
	}
	return &RateAndBufferBased{base: b}, nil
}

func rateBufferFactor(level float64) float64 {
	switch {
	case level < 4:
		return 0.25
	case level < 8:
		return 0.5
	case level < 16:
		return 0.75
	}
	return 1.0
}

func (s *RateAndBufferBased) Next() Decision {
	seg, ok := s.take(s.total)
	if !ok {
		return Decision{Kind: Done}
	}
	limit := s.ctx.LastBitrate() * rateBufferFactor(s.ctx.BufferedSeconds())
	return fetch(seg, s.highestBelow(limit))
}

// DashJS smooths the download bitrate (0.7 previous, 0.3 current) and is
// passive while the buffer is short.
type DashJS struct {
	base
	cursor
	previous float64
}

func NewDashJS(p Params) (Strategy, error) {
	b, err := newBase(NameDashJS, p)
	if err != nil {
		return nil, err
	}
	return &DashJS{base: b}, nil
}

func dashJSFactor(level float64) float64 {
	switch {
	case level < 4:
		return 0.5
	case level < 16:
		return 0.75
	}
	return 1.0
}

func (s *DashJS) Next() Decision {
	seg, ok := s.take(s.total)
	if !ok {
		return Decision{Kind: Done}
	}
	cur := s.ctx.LastBitrate()
	if s.previous == 0 {
		s.previous = cur
	}
	weighted := 0.7*s.previous + 0.3*cur
	s.previous = weighted
	return fetch(seg, s.highestBelow(weighted*dashJSFactor(s.ctx.BufferedSeconds())))
}

// Buffer level thresholds, in seconds, of the BufferBased strategy.
const (
	BufferLowWatermark  = 8.0
	BufferHighWatermark = 16.0
)

// BufferBased starts at the lowest representation and moves one rung down
// when the buffer drops under the low watermark, one rung up above the high
// watermark.
type BufferBased struct {
	base
	cursor
	rung int
}

func NewBufferBased(p Params) (Strategy, error) {
	b, err := newBase(NameBuffer, p)
	if err != nil {
		return nil, err
	}
	return &BufferBased{base: b}, nil
}

func (s *BufferBased) Next() Decision {
	seg, ok := s.take(s.total)
	if !ok {
		return Decision{Kind: Done}
	}
	level := s.ctx.BufferedSeconds()
	switch {
	case seg == 0:
	case level < BufferLowWatermark && s.rung > 0:
		s.rung--
	case level >= BufferHighWatermark && s.rung < len(s.reps)-1:
		s.rung++
	}
	return fetch(seg, s.reps[s.rung])
}
