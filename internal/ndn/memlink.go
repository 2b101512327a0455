package ndn

import (
	"math/rand"
	"time"

	"github.com/ndnstream/backend/internal/clock"
)

// LinkConfig describes an in-memory point-to-point link.
type LinkConfig struct {
	MTU int
	// Bitrate in bits per second applied to the Data direction. Zero disables
	// serialization delay.
	Bitrate uint64
	// Delay is the one-way propagation delay.
	Delay time.Duration
	// LossRate drops each Interest and each Data with this probability.
	LossRate float64
	Seed     int64
}

// LinkStats counts packets crossing a MemLink.
type LinkStats struct {
	Interests   uint64
	Answered    uint64
	Unanswered  uint64
	DataBytes   uint64
	Dropped     uint64
	NetTimeouts uint64
}

// MemLink is a Face connected to a single Producer through a simulated link.
// Everything happens on the clock, so runs on clock.Sim are deterministic.
type MemLink struct {
	clk       clock.Clock
	cfg       LinkConfig
	producer  Producer
	rnd       *rand.Rand
	busyUntil time.Time
	stats     LinkStats
}

// NewMemLink wires a face to p.
func NewMemLink(clk clock.Clock, p Producer, cfg LinkConfig) *MemLink {
	if cfg.MTU <= 0 {
		cfg.MTU = 1500
	}
	return &MemLink{
		clk:      clk,
		cfg:      cfg,
		producer: p,
		rnd:      rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (l *MemLink) MTU() int            { return l.cfg.MTU }
func (l *MemLink) LinkBitrate() uint64 { return l.cfg.Bitrate }
func (l *MemLink) Stats() LinkStats    { return l.stats }

func (l *MemLink) lost() bool {
	return l.cfg.LossRate > 0 && l.rnd.Float64() < l.cfg.LossRate
}

// Express forwards i to the producer after the propagation delay and
// delivers any answer back through the serialized downstream link. Data
// arriving after the Interest lifetime expired is dropped.
func (l *MemLink) Express(i *Interest, c Consumer) error {
	l.stats.Interests++
	answered := false
	var expiry clock.Timer
	if i.Lifetime > 0 {
		expiry = l.clk.AfterFunc(i.Lifetime, func() {
			if !answered {
				answered = true
				l.stats.NetTimeouts++
				c.OnTimeout(i)
			}
		})
	}
	if l.lost() {
		l.stats.Dropped++
		return nil
	}
	l.clk.AfterFunc(l.cfg.Delay, func() {
		d, ok := l.producer.Serve(i)
		if !ok {
			l.stats.Unanswered++
			return
		}
		size := EncodedLen(d)
		start := l.clk.Now()
		if l.busyUntil.After(start) {
			start = l.busyUntil
		}
		var tx time.Duration
		if l.cfg.Bitrate > 0 {
			tx = time.Duration(float64(size*8) / float64(l.cfg.Bitrate) * float64(time.Second))
		}
		l.busyUntil = start.Add(tx)
		if l.lost() {
			l.stats.Dropped++
			return
		}
		arrive := l.busyUntil.Add(l.cfg.Delay).Sub(l.clk.Now())
		l.clk.AfterFunc(arrive, func() {
			if answered {
				return
			}
			answered = true
			clock.Stop(expiry)
			l.stats.Answered++
			l.stats.DataBytes += uint64(size)
			c.OnData(d)
		})
	})
	return nil
}
