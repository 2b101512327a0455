// Command ndnget fetches named objects from a QUIC producer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/ndnstream/backend/daemon/config"
	"github.com/ndnstream/backend/daemon/manager"
	"github.com/ndnstream/backend/daemon/transport"
	"github.com/ndnstream/backend/internal/clock"
	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/observability"
	"github.com/ndnstream/backend/internal/quicutil"
	"github.com/ndnstream/backend/internal/validation"
)

var (
	configPath string
	addr       string
	output     string
	store      bool
	pacing     string
	rate       int
	timeout    time.Duration
	verbose    bool
)

func main() {
	flag.StringVar(&configPath, "config", "", "Path to YAML config")
	flag.StringVar(&addr, "addr", "", "Producer address (host:port), default producer_address")
	flag.StringVar(&output, "o", "", "Output file, or directory when fetching several names")
	flag.BoolVar(&store, "store", false, "Keep fetched objects in the object store")
	flag.StringVar(&pacing, "pacing", "", "Pacing policy: cbr or window (default from config)")
	flag.IntVar(&rate, "rate", 0, "Constant rate in Interests per second (0 derives it from the link)")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "Give up after this long")
	flag.BoolVar(&verbose, "v", false, "Log transport events to stderr")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: ndnget [options] <name> [name...]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := run(flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, transport.ErrNotFound) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(names []string) error {
	for _, n := range names {
		if err := validation.ValidateName(n); err != nil {
			return err
		}
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.ProducerAddress
	}
	pc := cfg.Transport.Pacing
	if pacing != "" {
		pc.Kind = pacing
	}
	if rate > 0 {
		pc.Rate = rate
	}
	newPacer, err := transport.PacerFactory(pc)
	if err != nil {
		return err
	}

	logger := observability.NopLogger()
	if verbose {
		logger = observability.NewConsoleLogger("ndnget", "1.0.0", os.Stderr).SetLevel(cfg.LogLevel)
	}
	if shutdown, err := observability.InitTracing(context.Background(), "ndnstream-get", "1.0.0"); err == nil {
		defer shutdown(context.Background())
	}

	var objects *manager.ObjectStore
	if store {
		if err := os.MkdirAll(filepath.Dir(cfg.ObjectDBPath()), 0755); err != nil {
			return err
		}
		objects, err = manager.OpenObjectStore(cfg.ObjectDBPath(), manager.ObjectStoreOptions{})
		if err != nil {
			return err
		}
		defer objects.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop := clock.NewLoop(0)
	go loop.Run(ctx)
	defer loop.Close()

	face, err := transport.DialQUICFace(ctx, addr, quicutil.MakeClientTLSConfig(), loop, transport.FaceOptions{
		MTU:     cfg.Transport.MTU,
		Bitrate: cfg.Transport.LinkBitrate,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer face.Close()

	var errs []error
	for _, n := range names {
		name := ndn.ParseName(n)
		res, err := fetch(ctx, loop, face, name, sinkFor(name, len(names), objects), newPacer, cfg.Transport.Options, logger)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		fmt.Printf("%s: %d bytes in %d chunks, %.2f Mbit/s, %s, %d timeouts\n",
			name, res.Size, res.Chunks, res.Bitrate/1e6, res.Elapsed.Round(time.Millisecond), res.Stats.Timeouts)
	}
	return errors.Join(errs...)
}

func sinkFor(name ndn.Name, count int, objects *manager.ObjectStore) transport.Sink {
	switch {
	case objects != nil && output == "":
		return objects
	case output == "":
		return nil
	case count == 1:
		return transport.FileSink{Path: output}
	default:
		return transport.FileSink{Path: filepath.Join(output, name.Last())}
	}
}

func fetch(ctx context.Context, loop *clock.Loop, face ndn.Face, name ndn.Name, sink transport.Sink,
	newPacer func() transport.Pacer, opts transport.Options, logger *observability.Logger) (transport.Result, error) {
	done := make(chan transport.Result, 1)
	var (
		e   *transport.Engine
		err error
	)
	var obs transport.Observer = transport.NopObserver{}
	if fd := int(os.Stderr.Fd()); term.IsTerminal(fd) {
		obs = &progress{fd: fd}
	}
	ok := loop.Call(func() {
		e, err = transport.NewEngine(transport.Config{
			Clock:      loop,
			Face:       face,
			Pacer:      newPacer(),
			Options:    opts,
			Logger:     logger,
			Observer:   obs,
			OnComplete: func(r transport.Result) { done <- r },
		})
		if err == nil {
			err = e.Start(name, sink)
		}
	})
	if !ok {
		return transport.Result{}, ctx.Err()
	}
	if err != nil {
		return transport.Result{}, err
	}
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		loop.Call(e.Stop)
		return transport.Result{}, fmt.Errorf("%s: %w", name, ctx.Err())
	}
}

// progress draws a one-line bar on the terminal.
type progress struct {
	transport.NopObserver
	fd int
}

func (p *progress) TransportStats(_ ndn.Name, st transport.Stats, _ time.Time) {
	if st.Chunks == 0 {
		return
	}
	width, _, err := term.GetSize(p.fd)
	if err != nil || width < 40 {
		width = 80
	}
	label := fmt.Sprintf(" %3d%% %d/%d rtt %s", 100*st.ChunksReceived/st.Chunks, st.ChunksReceived, st.Chunks,
		st.EstimatedRTT.Round(time.Millisecond))
	bar := width - len(label) - 3
	if bar < 10 {
		bar = 10
	}
	filled := bar * st.ChunksReceived / st.Chunks
	fmt.Fprintf(os.Stderr, "\r[%s%s]%s", strings.Repeat("=", filled), strings.Repeat(" ", bar-filled), label)
}

func (p *progress) FetchFinished(transport.Result, time.Time) {
	fmt.Fprint(os.Stderr, "\r\033[K")
}
