package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/observability"
	"github.com/ndnstream/backend/internal/ratelimit"
)

// ListenQUIC starts a QUIC listener
func ListenQUIC(addr string, tlsConfig *tls.Config) (*quic.Listener, error) {
	return quic.ListenAddr(addr, tlsConfig, quicConfig())
}

// AsyncProducer answers Interests that cannot be served immediately, such
// as a forwarder waiting on its upstream. reply may be called from any
// goroutine, at most once, and never for unanswered Interests.
type AsyncProducer interface {
	ServeAsync(i *ndn.Interest, reply func(*ndn.Data))
}

// ServerOptions tune ServeQUIC.
type ServerOptions struct {
	// MaxConnections rejects connections beyond this many. Zero means no
	// limit.
	MaxConnections int
	// RateLimit caps answered Interests per second per connection. Excess
	// Interests are dropped and time out at the consumer. Zero disables it.
	RateLimit float64
	Burst     int
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// ServeQUIC accepts connections on ln and answers every Interest read from
// their streams with p, until ctx is done or the listener fails.
func ServeQUIC(ctx context.Context, ln *quic.Listener, p ndn.Producer, opts ServerOptions) error {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	log := opts.Logger.WithComponent("quic-server")
	var active atomic.Int64
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		if opts.MaxConnections > 0 && active.Load() >= int64(opts.MaxConnections) {
			log.Warn(fmt.Sprintf("connection limit reached (%d), rejecting %s", opts.MaxConnections, conn.RemoteAddr()))
			opts.Metrics.RecordQUICConnection(false)
			conn.CloseWithError(1, "connection limit exceeded")
			continue
		}
		active.Add(1)
		opts.Metrics.RecordQUICConnection(true)
		log.ConnectionEstablished(conn.RemoteAddr().String(), "")
		go func() {
			defer active.Add(-1)
			serveConn(ctx, conn, p, opts, log)
		}()
	}
}

func serveConn(ctx context.Context, conn *quic.Conn, p ndn.Producer, opts ServerOptions, log *observability.Logger) {
	started := time.Now()
	defer func() {
		opts.Metrics.RecordQUICConnectionClose(time.Since(started))
	}()

	var limiter *ratelimit.TokenBucket
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RateLimit)
		}
		limiter = ratelimit.NewTokenBucket(opts.RateLimit, burst)
	}

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			var appErr *quic.ApplicationError
			if !errors.As(err, &appErr) && ctx.Err() == nil {
				log.ConnectionFailed(conn.RemoteAddr().String(), err)
			}
			return
		}
		go serveStream(NewFrameStream(stream), p, limiter, opts, log)
	}
}

func serveStream(frames *FrameStream, p ndn.Producer, limiter *ratelimit.TokenBucket, opts ServerOptions, log *observability.Logger) {
	defer frames.Close()
	for {
		frame, err := frames.ReadFrame()
		if err != nil {
			return
		}
		i := &ndn.Interest{}
		if err := i.UnmarshalBinary(frame); err != nil {
			log.Debug(fmt.Sprintf("dropping undecodable interest: %v", err))
			continue
		}
		if limiter != nil && !limiter.Allow(1) {
			opts.Metrics.RecordProducerInterest("throttled", 0)
			continue
		}
		if ap, ok := p.(AsyncProducer); ok {
			// replies may arrive on the producer's loop; never block it
			ap.ServeAsync(i, func(d *ndn.Data) { go writeData(frames, d, log) })
			continue
		}
		d, ok := p.Serve(i)
		if !ok {
			continue
		}
		if err := writeData(frames, d, log); err != nil {
			return
		}
	}
}

// writeData encodes d onto frames. Only stream errors are returned.
func writeData(frames *FrameStream, d *ndn.Data, log *observability.Logger) error {
	wire, err := d.MarshalBinary()
	if err != nil {
		log.Error(err, "failed to encode data")
		return nil
	}
	return frames.WriteFrame(wire)
}
