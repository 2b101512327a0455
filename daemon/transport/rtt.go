package transport

import (
	"math"
	"time"
)

const (
	DefaultInitialRTT = 500 * time.Millisecond
	DefaultMaxRTT     = 500 * time.Millisecond
	MinTimeout        = 10 * time.Millisecond

	rttAlpha       = 0.25
	rttBeta        = 0.125
	minDeviationMs = 5.0
)

// RttEstimator keeps a smoothed RTT and its deviation in milliseconds and
// derives the retransmission timeout from them.
type RttEstimator struct {
	estimated float64
	deviation float64
	max       float64
}

// NewRttEstimator starts from initial with zero deviation.
func NewRttEstimator(initial, max time.Duration) *RttEstimator {
	if max <= 0 {
		max = DefaultMaxRTT
	}
	if initial <= 0 {
		initial = DefaultInitialRTT
	}
	max = maxDuration(max, MinTimeout)
	return &RttEstimator{estimated: ms(initial), max: ms(max)}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func dur(v float64) time.Duration { return time.Duration(v * float64(time.Millisecond)) }

func clampSample(s time.Duration) float64 {
	if s < 0 {
		return 0
	}
	return ms(s)
}

// Seed replaces the estimate with a first sample: est = s, dev = s/2.
func (r *RttEstimator) Seed(sample time.Duration) {
	s := clampSample(sample)
	r.estimated = s
	r.deviation = s / 2
}

// AddSample folds a measurement in. The deviation term uses a 5 ms floor on
// the absolute error.
func (r *RttEstimator) AddSample(sample time.Duration) {
	s := clampSample(sample)
	r.estimated = (1-rttAlpha)*r.estimated + rttAlpha*s
	diff := math.Max(math.Abs(s-r.estimated), minDeviationMs)
	r.deviation = (1-rttBeta)*r.deviation + rttBeta*diff
}

// Backoff doubles the estimate, capped at the maximum.
func (r *RttEstimator) Backoff() {
	r.estimated = math.Min(r.estimated*2, r.max)
}

// Timeout returns est + 4*dev clamped to [MinTimeout, max].
func (r *RttEstimator) Timeout() time.Duration {
	t := r.estimated + 4*r.deviation
	t = math.Max(t, ms(MinTimeout))
	t = math.Min(t, r.max)
	return dur(t)
}

func (r *RttEstimator) Estimated() time.Duration { return dur(r.estimated) }
func (r *RttEstimator) Deviation() time.Duration { return dur(r.deviation) }
