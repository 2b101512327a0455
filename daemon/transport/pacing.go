package transport

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/ndnstream/backend/internal/ndn"
)

// Sender is the part of the engine a Pacer drives.
type Sender interface {
	// SendNext issues the manifest request if it is still outstanding, or the
	// next eligible chunk. It returns false when nothing was sent.
	SendNext() bool
	// ScheduleSend replaces the pending pacing timer with one firing after d.
	ScheduleSend(d time.Duration)
	// NextSendAt is the deadline of the pending pacing timer, zero if none.
	NextSendAt() time.Time
	Now() time.Time
	HaveManifest() bool
	// Found is false once the manifest reported the object missing.
	Found() bool
	Complete() bool
	PacketsSent() uint64
	StartWindow() int
	MTU() int
	LinkBitrate() uint64
}

// Pacer decides when the engine issues requests. All hooks run on the
// engine's clock.
type Pacer interface {
	Name() string
	// Start is called once when a session begins.
	Start(s Sender)
	// Tick is called when the pacing timer fires.
	Tick(s Sender)
	OnManifest(s Sender)
	OnData(s Sender, seq int)
	OnTimeout(s Sender, seq int)
}

const (
	PacingConstantRate = "cbr"
	PacingWindow       = "window"

	// MinWindow is the floor of the AIMD window.
	MinWindow = 10

	defaultJitter = 2500 * time.Microsecond
)

// PacingConfig selects and parameterizes a Pacer.
type PacingConfig struct {
	Kind string `yaml:"kind"`
	// Rate is packets per second. Zero derives it from the link as
	// floor(bitrate / 8 / mtu).
	Rate int `yaml:"rate"`
	// Jitter is the half-width of the uniform noise added to each interval.
	Jitter time.Duration `yaml:"jitter"`
	Seed   int64         `yaml:"seed"`
}

// NewPacer builds the pacer named by cfg.Kind.
func NewPacer(cfg PacingConfig) (Pacer, error) {
	switch cfg.Kind {
	case "", PacingConstantRate:
		return NewConstantRate(cfg), nil
	case PacingWindow:
		return NewWindow(cfg), nil
	default:
		return nil, fmt.Errorf("unknown pacing policy %q", cfg.Kind)
	}
}

// PacerFactory returns a fresh pacer for every session.
func PacerFactory(cfg PacingConfig) (func() Pacer, error) {
	if _, err := NewPacer(cfg); err != nil {
		return nil, err
	}
	return func() Pacer {
		p, _ := NewPacer(cfg)
		return p
	}, nil
}

// LinkRate returns packets per second a link can carry at full MTU.
func LinkRate(bitrate uint64, mtu int) int {
	if bitrate == 0 {
		bitrate = ndn.DefaultLinkBitrate
	}
	if mtu <= 0 {
		mtu = 1500
	}
	r := int(bitrate / 8 / uint64(mtu))
	if r < 1 {
		r = 1
	}
	return r
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}
