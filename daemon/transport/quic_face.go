package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/ndnstream/backend/internal/clock"
	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/observability"
)

const defaultInterestLifetime = 4 * time.Second

var ErrFaceClosed = errors.New("face closed")

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 60 * time.Second,
		InitialStreamReceiveWindow:     8 << 20,   // 8 MiB
		InitialConnectionReceiveWindow: 128 << 20, // 128 MiB
	}
}

// FaceOptions describe the link behind a QUICFace.
type FaceOptions struct {
	MTU int
	// Bitrate is the assumed link speed; ndn.DefaultLinkBitrate when zero.
	Bitrate uint64
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

type pendingInterest struct {
	interest *ndn.Interest
	consumer ndn.Consumer
	timer    clock.Timer
}

// QUICFace sends Interests over one bidirectional stream of a QUIC
// connection. Express and every consumer callback run on the loop; a reader
// goroutine only posts received Data into it.
type QUICFace struct {
	id     string
	loop   *clock.Loop
	conn   *quic.Conn
	frames *FrameStream
	opts   FaceOptions
	log    *observability.Logger

	// pending is only touched on the loop
	pending map[string][]*pendingInterest

	closeOnce sync.Once
	closed    chan struct{}
}

// DialQUICFace connects to a producer at addr.
func DialQUICFace(ctx context.Context, addr string, tlsConfig *tls.Config, loop *clock.Loop, opts FaceOptions) (*QUICFace, error) {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	opts.Metrics.RecordQUICConnection(err == nil)
	if err != nil {
		opts.Logger.ConnectionFailed(addr, err)
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return newQUICFace(conn, NewFrameStream(stream), loop, opts), nil
}

func newQUICFace(conn *quic.Conn, frames *FrameStream, loop *clock.Loop, opts FaceOptions) *QUICFace {
	if opts.MTU <= 0 {
		opts.MTU = 1500
	}
	if opts.Bitrate == 0 {
		opts.Bitrate = ndn.DefaultLinkBitrate
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	f := &QUICFace{
		id:      uuid.NewString(),
		loop:    loop,
		conn:    conn,
		frames:  frames,
		opts:    opts,
		pending: make(map[string][]*pendingInterest),
		closed:  make(chan struct{}),
	}
	f.log = opts.Logger.WithComponent("quic-face").WithSession(f.id)
	if conn != nil {
		f.log.ConnectionEstablished(conn.RemoteAddr().String(), f.id)
	}
	go f.readLoop()
	return f
}

func (f *QUICFace) MTU() int            { return f.opts.MTU }
func (f *QUICFace) LinkBitrate() uint64 { return f.opts.Bitrate }

// ID identifies the face in logs.
func (f *QUICFace) ID() string { return f.id }

// Express must be called on the loop.
func (f *QUICFace) Express(i *ndn.Interest, c ndn.Consumer) error {
	select {
	case <-f.closed:
		return ErrFaceClosed
	default:
	}
	wire, err := i.MarshalBinary()
	if err != nil {
		return err
	}

	key := i.Name.String()
	lifetime := i.Lifetime
	if lifetime <= 0 {
		lifetime = defaultInterestLifetime
	}
	p := &pendingInterest{interest: i, consumer: c}
	p.timer = f.loop.AfterFunc(lifetime, func() {
		if f.remove(key, p) {
			c.OnTimeout(i)
		}
	})
	f.pending[key] = append(f.pending[key], p)

	// the stream applies flow control; never block the loop on it
	go func() {
		if err := f.frames.WriteFrame(wire); err != nil {
			f.log.Debug(fmt.Sprintf("failed to send interest %s: %v", key, err))
		}
	}()
	return nil
}

func (f *QUICFace) remove(key string, p *pendingInterest) bool {
	list := f.pending[key]
	for idx, q := range list {
		if q == p {
			list = append(list[:idx], list[idx+1:]...)
			if len(list) == 0 {
				delete(f.pending, key)
			} else {
				f.pending[key] = list
			}
			return true
		}
	}
	return false
}

// deliver hands d to every consumer waiting on its name.
func (f *QUICFace) deliver(d *ndn.Data) {
	key := d.Name.String()
	list := f.pending[key]
	delete(f.pending, key)
	for _, p := range list {
		p.timer.Stop()
		p.consumer.OnData(d)
	}
}

func (f *QUICFace) readLoop() {
	for {
		frame, err := f.frames.ReadFrame()
		if err != nil {
			select {
			case <-f.closed:
			default:
				f.log.Warn(fmt.Sprintf("face stream ended: %v", err))
			}
			return
		}
		d := &ndn.Data{}
		if err := d.UnmarshalBinary(frame); err != nil {
			f.log.Debug(fmt.Sprintf("dropping undecodable packet: %v", err))
			continue
		}
		f.opts.Metrics.RecordData(len(frame))
		if !f.loop.Post(func() { f.deliver(d) }) {
			return
		}
	}
}

// Close tears down the stream and the connection. Pending Interests time out.
func (f *QUICFace) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closed)
		err = f.frames.Close()
		if f.conn != nil {
			f.conn.CloseWithError(0, "face closed")
		}
	})
	return err
}

var _ ndn.Face = (*QUICFace)(nil)
