package transport

import (
	"math/rand"
	"time"
)

// ConstantRate sends one request every 1000/rate ms with a little jitter.
// Before the manifest arrives it may send up to the start window
// speculatively.
type ConstantRate struct {
	cfg  PacingConfig
	rate int
	rnd  *rand.Rand
}

func NewConstantRate(cfg PacingConfig) *ConstantRate {
	if cfg.Jitter == 0 {
		cfg.Jitter = defaultJitter
	}
	return &ConstantRate{cfg: cfg, rnd: newRand(cfg.Seed)}
}

func (p *ConstantRate) Name() string { return PacingConstantRate }

// Rate returns the current packets per second.
func (p *ConstantRate) Rate() int { return p.rate }

func (p *ConstantRate) Start(s Sender) {
	p.rate = p.cfg.Rate
	if p.rate <= 0 {
		p.rate = LinkRate(s.LinkBitrate(), s.MTU())
	}
	s.ScheduleSend(0)
}

// Interval is the base spacing between sends.
func (p *ConstantRate) Interval() time.Duration {
	return time.Second / time.Duration(p.rate)
}

func (p *ConstantRate) jittered() time.Duration {
	j := time.Duration((p.rnd.Float64()*2 - 1) * float64(p.cfg.Jitter))
	d := p.Interval() + j
	if d < 0 {
		d = 0
	}
	return d
}

// Tick sends and re-arms. An empty send still re-arms, so chunks that time
// out later are picked up without another trigger.
func (p *ConstantRate) Tick(s Sender) {
	s.SendNext()
	switch {
	case !s.HaveManifest():
		if int(s.PacketsSent()) < s.StartWindow() {
			s.ScheduleSend(p.jittered())
		}
	case s.Found() && !s.Complete():
		s.ScheduleSend(p.jittered())
	}
}

func (p *ConstantRate) OnManifest(s Sender) { p.Tick(s) }

func (p *ConstantRate) OnData(Sender, int) {}

func (p *ConstantRate) OnTimeout(Sender, int) {}
