// Command ndnserve answers Interests over QUIC from files on disk, a size
// table, or synthetic multimedia content.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ndnstream/backend/daemon/config"
	"github.com/ndnstream/backend/daemon/producer"
	"github.com/ndnstream/backend/daemon/transport"
	"github.com/ndnstream/backend/internal/media"
	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/observability"
	"github.com/ndnstream/backend/internal/quicutil"
)

const version = "1.0.0"

// Sub-prefixes of the configured prefix. Multimedia content is served
// directly under the prefix.
const (
	filesComponent = "files"
	sizesComponent = "sizes"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config")
	addr := flag.String("addr", "", "QUIC listen address (default quic_address)")
	root := flag.String("root", "", "Serve files below this directory")
	sizes := flag.String("sizes", "", "Serve zero-filled objects from a name,size CSV")
	content := flag.String("content", "", "Serve synthetic media from a representation table")
	certFile := flag.String("cert", "", "PEM certificate (default self-signed)")
	keyFile := flag.String("key", "", "PEM private key")
	flag.Parse()

	logger := observability.NewLogger("ndnstream-serve", version, os.Stdout)
	metrics := observability.NewMetrics()
	if shutdown, err := observability.InitTracing(context.Background(), "ndnstream-serve", version); err == nil {
		defer shutdown(context.Background())
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal(err, "Failed to load config")
	}
	logger = logger.SetLevel(cfg.LogLevel)
	if *addr != "" {
		cfg.QUICAddress = *addr
	}
	if *root != "" {
		cfg.Producer.Root = *root
	}
	if *sizes != "" {
		cfg.Producer.SizeTable = *sizes
	}
	if *content != "" {
		cfg.Producer.Content = *content
	}

	mux, dir, err := buildProducer(cfg.Producer, logger, metrics)
	if err != nil {
		logger.Fatal(err, "Failed to build producer")
	}

	tlsConfig, err := serverTLS(*certFile, *keyFile)
	if err != nil {
		logger.Fatal(err, "Failed to create TLS config")
	}
	ln, err := transport.ListenQUIC(cfg.QUICAddress, tlsConfig)
	if err != nil {
		logger.Fatal(err, "Failed to start QUIC listener")
	}
	defer ln.Close()
	logger.Info("QUIC listener started on " + ln.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dir != nil {
		if err := dir.Watch(ctx); err != nil {
			logger.Warn("cache invalidation disabled: " + err.Error())
		}
	}

	health := observability.NewHealthChecker(version)
	health.RegisterCheck("quic_listener", observability.QUICListenerCheck(ln.Addr().String()))
	httpMux := http.NewServeMux()
	httpMux.Handle("/metrics", metrics.Handler())
	httpMux.Handle("/health", health.Handler())
	obs := &http.Server{Addr: cfg.ObservabilityAddress, Handler: httpMux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := obs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "Observability server error")
		}
	}()

	err = transport.ServeQUIC(ctx, ln, mux, transport.ServerOptions{
		RateLimit: cfg.Producer.RateLimit,
		Burst:     cfg.Producer.Burst,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil && ctx.Err() == nil {
		logger.Error(err, "QUIC server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = obs.Shutdown(shutdownCtx)
	logger.Info("Producer stopped")
}

// buildProducer mounts every configured source on one mux. The returned
// directory is nil unless a root is configured.
func buildProducer(pc config.ProducerConfig, logger *observability.Logger, metrics *observability.Metrics) (*producer.Mux, *producer.Directory, error) {
	prefix := ndn.ParseName(pc.Prefix)
	opts := func(p ndn.Name) producer.Options {
		return producer.Options{Prefix: p, MTU: pc.MTU, Freshness: pc.Freshness, Logger: logger, Metrics: metrics}
	}
	mux := producer.NewMux()
	mounted := 0

	var dir *producer.Directory
	if pc.Root != "" {
		p := prefix.Append(filesComponent)
		d, err := producer.NewDirectory(opts(p), pc.Root, pc.CacheChunks)
		if err != nil {
			return nil, nil, err
		}
		mux.Register(p, d)
		dir = d
		mounted++
		logger.Info("serving " + pc.Root + " under " + p.String())
	}

	if pc.SizeTable != "" {
		f, err := os.Open(pc.SizeTable)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open size table: %w", err)
		}
		table, err := producer.LoadSizeTable(f)
		f.Close()
		if err != nil {
			return nil, nil, err
		}
		p := prefix.Append(sizesComponent)
		mux.Register(p, producer.NewSizeTable(opts(p), table))
		mounted++
		logger.Info(fmt.Sprintf("serving %d sized objects under %s", len(table), p))
	}

	if pc.Content != "" {
		f, err := os.Open(pc.Content)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open content table: %w", err)
		}
		c, err := media.ReadContentTable(f)
		f.Close()
		if err != nil {
			return nil, nil, err
		}
		mm, err := producer.NewMultimedia(opts(prefix), c, pc.MPDFile)
		if err != nil {
			return nil, nil, err
		}
		mux.Register(prefix, mm)
		mounted++
		logger.Info("serving media description " + mm.MPDName().String())
	}

	if mounted == 0 {
		return nil, nil, errors.New("nothing to serve: set a root, size table or content table")
	}
	return mux, dir, nil
}

func serverTLS(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" {
		return quicutil.DevServerTLSConfig()
	}
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}
	return quicutil.MakeTLSConfig(certPEM, keyPEM)
}
