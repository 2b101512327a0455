// Package player streams adaptive media over the chunk transport: it fetches
// the media description, lets an adaptation strategy pick segments,
// downloads them into a buffer and plays the buffer out in real time.
package player

import (
	"github.com/ndnstream/backend/daemon/adaptation"
	"github.com/ndnstream/backend/daemon/buffer"
)

// Player is the buffer plus the last measured download rate. It is the
// adaptation context strategies read from.
type Player struct {
	buf         *buffer.Buffer
	lastBitrate float64
}

func NewPlayer(buf *buffer.Buffer) *Player {
	return &Player{buf: buf}
}

func (p *Player) Buffer() *buffer.Buffer { return p.buf }

func (p *Player) SetLastBitrate(bps float64) { p.lastBitrate = bps }
func (p *Player) LastBitrate() float64       { return p.lastBitrate }

func (p *Player) BufferedSeconds() float64 { return p.buf.BufferedSeconds() }

func (p *Player) RepresentationSeconds(id string) float64 {
	return p.buf.RepresentationSeconds(id)
}

func (p *Player) BufferedPercentage() float64 { return p.buf.BufferedPercentage() }

func (p *Player) HighestBufferedSegment(id string) (int, bool) {
	return p.buf.HighestBufferedSegment(id)
}

func (p *Player) NextSegmentToConsume() int { return p.buf.NextSegmentToConsume() }

var _ adaptation.Context = (*Player)(nil)
