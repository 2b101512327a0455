// Command relay is an NDN forwarder between consumers and one upstream
// producer. It answers repeated Interests from a content store and sends a
// single upstream Interest for names several consumers ask for at once.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ndnstream/backend/daemon/config"
	"github.com/ndnstream/backend/daemon/transport"
	"github.com/ndnstream/backend/internal/clock"
	"github.com/ndnstream/backend/internal/observability"
	"github.com/ndnstream/backend/internal/quicutil"
	"github.com/ndnstream/backend/internal/validation"
)

const version = "1.0.0"

// RelayConfig holds relay service configuration
type RelayConfig struct {
	ListenAddr     string
	UpstreamAddr   string
	HealthAddr     string
	MaxConnections int
	CacheEntries   int
	RateLimit      float64
	Burst          int
	MTU            int
	LinkBitrate    uint64
}

func (c RelayConfig) Validate() error {
	if err := validation.ValidateAddr(c.ListenAddr); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := validation.ValidateAddr(c.UpstreamAddr); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	if err := validation.ValidateRangeInt(c.MaxConnections, 1, 100000); err != nil {
		return fmt.Errorf("max-connections: %w", err)
	}
	if err := validation.ValidateRangeInt(c.CacheEntries, 1, 10_000_000); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// RelayService ties the upstream face, the forwarder and the QUIC listener
// together.
type RelayService struct {
	config  RelayConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	health  *observability.HealthChecker
}

func NewRelayService(config RelayConfig, logger *observability.Logger) *RelayService {
	return &RelayService{
		config:  config,
		logger:  logger,
		metrics: observability.NewMetrics(),
		health:  observability.NewHealthChecker(version),
	}
}

// Run serves until ctx is done.
func (rs *RelayService) Run(ctx context.Context) error {
	tr := otel.Tracer("ndnstream-relay")
	ctx, span := tr.Start(ctx, "relay.run")
	defer span.End()

	loop := clock.NewLoop(1024)
	loopDone := make(chan struct{})
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go func() {
		_ = loop.Run(loopCtx)
		close(loopDone)
	}()
	defer func() {
		stopLoop()
		<-loopDone
		loop.Close()
	}()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	upstream, err := transport.DialQUICFace(dialCtx, rs.config.UpstreamAddr, quicutil.MakeClientTLSConfig(), loop, transport.FaceOptions{
		MTU:     rs.config.MTU,
		Bitrate: rs.config.LinkBitrate,
		Logger:  rs.logger,
		Metrics: rs.metrics,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("failed to reach upstream %s: %w", rs.config.UpstreamAddr, err)
	}
	defer upstream.Close()
	rs.logger.Info("Upstream face " + upstream.ID() + " to " + rs.config.UpstreamAddr)

	fwd, err := NewForwarder(loop, upstream, rs.config.CacheEntries, rs.logger, rs.metrics)
	if err != nil {
		return err
	}

	tlsConfig, err := quicutil.DevServerTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to create TLS config: %w", err)
	}
	ln, err := transport.ListenQUIC(rs.config.ListenAddr, tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to start QUIC listener: %w", err)
	}
	defer ln.Close()
	rs.logger.Info(fmt.Sprintf("Relay listening on %s, max connections %d, cache %d entries",
		ln.Addr(), rs.config.MaxConnections, rs.config.CacheEntries))

	rs.health.RegisterCheck("quic_listener", observability.QUICListenerCheck(ln.Addr().String()))
	rs.health.RegisterCheck("content_store", func(context.Context) observability.ComponentHealth {
		s := fwd.Stats()
		return observability.ComponentHealth{
			Status: observability.HealthStatusOK,
			Message: fmt.Sprintf("%d cached, %d hits, %d forwarded, %d aggregated",
				fwd.Cached(), s.Hits, s.Forwarded, s.Aggregated),
		}
	})
	healthServer := rs.startHealthServer()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthServer.Shutdown(shutdownCtx)
	}()

	return transport.ServeQUIC(ctx, ln, fwd, transport.ServerOptions{
		MaxConnections: rs.config.MaxConnections,
		RateLimit:      rs.config.RateLimit,
		Burst:          rs.config.Burst,
		Logger:         rs.logger,
		Metrics:        rs.metrics,
	})
}

// startHealthServer starts HTTP health, metrics, and pprof endpoints
func (rs *RelayService) startHealthServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/health", rs.health.Handler())
	mux.Handle("/metrics", rs.metrics.Handler())
	// pprof handlers
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: rs.config.HealthAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		rs.logger.Info("Health/metrics/pprof server listening on " + rs.config.HealthAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rs.logger.Error(err, "Health server error")
		}
	}()
	return srv
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config")
	listen := flag.String("listen", ":4433", "QUIC listen address")
	upstream := flag.String("upstream", "", "Upstream producer address (default producer_address)")
	healthAddr := flag.String("health", ":8083", "Health, metrics and pprof address")
	maxConn := flag.Int("max-connections", 1000, "Maximum concurrent connections")
	cacheEntries := flag.Int("cache", 65536, "Content store size in Data packets")
	flag.Parse()

	logger := observability.NewLogger("ndnstream-relay", version, os.Stdout)
	if shutdown, err := observability.InitTracing(context.Background(), "ndnstream-relay", version); err == nil {
		defer shutdown(context.Background())
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal(err, "Failed to load config")
	}
	logger = logger.SetLevel(cfg.LogLevel)

	rc := RelayConfig{
		ListenAddr:     *listen,
		UpstreamAddr:   cfg.ProducerAddress,
		HealthAddr:     *healthAddr,
		MaxConnections: *maxConn,
		CacheEntries:   *cacheEntries,
		RateLimit:      cfg.Producer.RateLimit,
		Burst:          cfg.Producer.Burst,
		MTU:            cfg.Transport.MTU,
		LinkBitrate:    cfg.Transport.LinkBitrate,
	}
	if *upstream != "" {
		rc.UpstreamAddr = *upstream
	}
	if err := rc.Validate(); err != nil {
		logger.Fatal(err, "Invalid relay configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("ndnstream relay starting...")
	if err := NewRelayService(rc, logger).Run(ctx); err != nil {
		logger.Fatal(err, "Relay service error")
	}
	logger.Info("Relay service stopped")
}
