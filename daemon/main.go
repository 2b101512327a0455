package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ndnstream/backend/daemon/api/server"
	"github.com/ndnstream/backend/daemon/config"
	"github.com/ndnstream/backend/daemon/manager"
	"github.com/ndnstream/backend/daemon/service"
	"github.com/ndnstream/backend/daemon/transport"
	"github.com/ndnstream/backend/internal/clock"
	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/observability"
	"github.com/ndnstream/backend/internal/quicutil"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "Path to YAML config")
	producerAddr := flag.String("producer", "", "Producer address (host:port), overrides producer_address")
	play := flag.String("play", "", "Comma separated media description names to play at startup")
	strategy := flag.String("strategy", "", "Adaptation strategy for -play streams")
	flag.Parse()

	// Initialize observability
	logger := observability.NewLogger("ndnstream-daemon", version, os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker(version)
	if shutdown, err := observability.InitTracing(context.Background(), "ndnstream-daemon", version); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("ndnstream daemon starting...")

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal(err, "Failed to load config")
	}
	if *producerAddr != "" {
		cfg.ProducerAddress = *producerAddr
	}
	logger = logger.SetLevel(cfg.LogLevel)
	logger.Info("Configuration loaded, producer " + cfg.ProducerAddress)

	if err := os.MkdirAll(cfg.DataDirectory, 0755); err != nil {
		logger.Fatal(err, "Failed to create data directory")
	}

	// Stores
	objects, err := manager.OpenObjectStore(cfg.ObjectDBPath(), manager.ObjectStoreOptions{})
	if err != nil {
		logger.Fatal(err, "Failed to open object store")
	}
	defer objects.Close()
	traces, err := manager.NewTraceStore(cfg.TraceDBPath())
	if err != nil {
		logger.Fatal(err, "Failed to open trace store")
	}
	defer traces.Close()
	logger.Info("Stores opened in " + cfg.DataDirectory)

	healthChecker.RegisterCheck("object_store", observability.PingCheck("object store", 100*time.Millisecond, objects.Ping))
	healthChecker.RegisterCheck("trace_store", observability.PingCheck("trace store", 100*time.Millisecond, traces.Ping))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Every engine and orchestrator runs on this loop.
	loop := clock.NewLoop(1024)
	loopDone := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(loopDone)
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	face, err := transport.DialQUICFace(dialCtx, cfg.ProducerAddress, quicutil.MakeClientTLSConfig(), loop, transport.FaceOptions{
		MTU:     cfg.Transport.MTU,
		Bitrate: cfg.Transport.LinkBitrate,
		Logger:  logger,
		Metrics: metrics,
	})
	dialCancel()
	if err != nil {
		logger.Fatal(err, "Failed to connect to producer")
	}
	defer face.Close()

	pc, err := cfg.PlayerDefaults()
	if err != nil {
		logger.Fatal(err, "Invalid player configuration")
	}
	pc.Logger = logger
	pc.Metrics = metrics

	publisher := service.NewEventPublisher(service.PublisherConfig{
		BufferSize: cfg.EventBufferSize,
		Traces:     traces,
		Logger:     logger,
		Metrics:    metrics,
	})
	streams := service.NewStreamService(loop, face, pc, publisher)
	fetches := service.NewFetchService(loop, face, service.FetchConfig{
		NewPacer:  pc.NewPacer,
		Options:   cfg.Transport.Options,
		Publisher: publisher,
		Logger:    logger,
		Metrics:   metrics,
	})

	go service.RunObjectGC(ctx, objects, publisher.Sessions(), cfg.Store.Retention, cfg.Store.GCInterval, logger)

	apiServers, err := server.StartAPIServers(server.APIConfig{
		GRPCAddress: cfg.GRPCAddress,
		RESTAddress: cfg.APIAddress,
		AuthToken:   os.Getenv(server.AuthTokenEnv),
		Health:      healthChecker,
		Logger:      logger,
	}, server.NewDaemonAPIServer(streams, fetches, publisher, objects, traces))
	if err != nil {
		logger.Fatal(err, "Failed to start API servers")
	}
	logger.Info("API listening on " + apiServers.RESTAddr.String() + ", gRPC health on " + apiServers.GRPCAddr.String())

	obsServer := startObservabilityServer(cfg.ObservabilityAddress, metrics, healthChecker, logger)

	for _, name := range strings.Split(*play, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, err := streams.Play(ndn.ParseName(name), *strategy)
		if err != nil {
			logger.Error(err, "Failed to play "+name)
			continue
		}
		healthChecker.RegisterCheck("stream "+id, streams.HealthCheck(id))
	}

	logger.Info("ndnstream daemon running")
	logger.Info("Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServers.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "API server shutdown")
	}
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "Observability server shutdown")
	}

	// Streams and fetches stop on the loop, so it must still be running.
	streams.StopAll()
	fetches.CancelAll()
	cancel()
	<-loopDone
	loop.Close()

	cleanedUp := publisher.Sessions().CleanupOldSessions(cfg.Store.Retention, time.Now())
	logger.Info("Cleaned up " + strconv.Itoa(cleanedUp) + " old sessions")
	logger.Info("Daemon stopped")
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	// pprof endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("Observability server listening on " + addr + " (metrics, health, pprof)")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "Observability server error")
		}
	}()
	return srv
}
