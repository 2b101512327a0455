// Command ndnsim streams synthetic content over a simulated link in virtual
// time and prints the playback trace.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ndnstream/backend/daemon/config"
	"github.com/ndnstream/backend/daemon/manager"
	"github.com/ndnstream/backend/daemon/player"
	"github.com/ndnstream/backend/daemon/producer"
	"github.com/ndnstream/backend/daemon/service"
	"github.com/ndnstream/backend/internal/clock"
	"github.com/ndnstream/backend/internal/media"
	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/observability"
)

// simOptions describe one run.
type simOptions struct {
	Content   media.Content
	Player    player.Config
	Link      ndn.LinkConfig
	Prefix    string
	Limit     time.Duration
	TraceDB   string
	Logger    *observability.Logger
	StartTime time.Time
}

// simResult is what a run leaves behind.
type simResult struct {
	State   player.State
	Err     error
	Summary manager.StreamSummary
	Link    ndn.LinkStats
	Elapsed time.Duration
}

var defaultContent = media.Content{
	SegmentDuration:  2,
	NumberOfSegments: 30,
	Representations: []media.RepresentationSpec{
		{ID: "1", Width: 320, Height: 240, BitrateKbit: 250},
		{ID: "2", Width: 640, Height: 480, BitrateKbit: 750},
		{ID: "3", Width: 1280, Height: 720, BitrateKbit: 1500},
		{ID: "4", Width: 1920, Height: 1080, BitrateKbit: 3000},
	},
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config")
	contentPath := flag.String("content", "", "Representation table (default: four AVC representations)")
	strategy := flag.String("strategy", "", "Adaptation strategy (default from config)")
	pacing := flag.String("pacing", "", "Pacing policy: cbr or window (default from config)")
	bitrate := flag.Uint64("bitrate", 5_000_000, "Link bitrate in bit/s")
	delay := flag.Duration("delay", 10*time.Millisecond, "One-way link delay")
	loss := flag.Float64("loss", 0, "Packet loss probability")
	seed := flag.Int64("seed", 1, "Random seed for loss and jitter")
	limit := flag.Duration("limit", time.Hour, "Virtual time limit")
	traceDB := flag.String("trace-db", ":memory:", "SQLite trace database")
	traceMissing := flag.Bool("trace-missing", false, "Report segments never played")
	out := flag.String("out", "", "Write the playback trace here (default stdout)")
	verbose := flag.Bool("v", false, "Log to stderr")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fail(err)
	}
	if *pacing != "" {
		cfg.Transport.Pacing.Kind = *pacing
	}
	cfg.Transport.Pacing.Seed = *seed
	pc, err := cfg.PlayerDefaults()
	if err != nil {
		fail(err)
	}
	if *strategy != "" {
		pc.Strategy = *strategy
	}
	pc.TraceNotDownloaded = pc.TraceNotDownloaded || *traceMissing

	content := defaultContent
	if *contentPath != "" {
		f, err := os.Open(*contentPath)
		if err != nil {
			fail(err)
		}
		content, err = media.ReadContentTable(f)
		f.Close()
		if err != nil {
			fail(err)
		}
	}

	logger := observability.NopLogger()
	if *verbose {
		logger = observability.NewConsoleLogger("ndnsim", "1.0.0", os.Stderr).SetLevel(cfg.LogLevel)
	}

	w := io.Writer(os.Stdout)
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fail(err)
		}
		defer f.Close()
		w = f
	}

	res, err := simulate(simOptions{
		Content: content,
		Player:  pc,
		Link: ndn.LinkConfig{
			MTU:      cfg.Transport.MTU,
			Bitrate:  *bitrate,
			Delay:    *delay,
			LossRate: *loss,
			Seed:     *seed,
		},
		Prefix:  cfg.Producer.Prefix,
		Limit:   *limit,
		TraceDB: *traceDB,
		Logger:  logger,
	}, w)
	if err != nil {
		fail(err)
	}
	printSummary(os.Stderr, res)
	if res.Err != nil {
		os.Exit(2)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// simulate plays the content once and writes one trace line per playback
// event to w.
func simulate(opts simOptions, w io.Writer) (simResult, error) {
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Unix(0, 0)
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	sim := clock.NewSim(opts.StartTime)

	mm, err := producer.NewMultimedia(producer.Options{
		Prefix: ndn.ParseName(opts.Prefix),
		MTU:    opts.Link.MTU,
		Logger: opts.Logger,
	}, opts.Content, "")
	if err != nil {
		return simResult{}, err
	}
	link := ndn.NewMemLink(sim, mm, opts.Link)

	traces, err := manager.NewTraceStore(opts.TraceDB)
	if err != nil {
		return simResult{}, err
	}
	defer traces.Close()
	pub := service.NewEventPublisher(service.PublisherConfig{BufferSize: 1, Traces: traces, Logger: opts.Logger})

	tw := &traceWriter{w: w, start: opts.StartTime, next: pub}
	fmt.Fprintln(w, "Time\tSegment\tRepresentation\tExperiencedBitrate(bit/s)\tStall(ms)\tBufferLevel(s)\tDependencies")

	pc := opts.Player
	pc.Clock = sim
	pc.Face = link
	pc.MPDName = mm.MPDName()
	pc.Logger = opts.Logger
	pc.Observer = tw
	pc.TransportObserver = pub
	orch, err := player.NewOrchestrator(pc)
	if err != nil {
		return simResult{}, err
	}
	if err := orch.Start(); err != nil {
		return simResult{}, err
	}

	deadline := opts.StartTime.Add(opts.Limit)
	for orch.State() != player.StateFinished && orch.State() != player.StateFailed && sim.Now().Before(deadline) {
		if !sim.Step() {
			break
		}
	}
	if orch.State() != player.StateFinished && orch.State() != player.StateFailed {
		orch.Stop()
	}
	if tw.err != nil {
		return simResult{}, fmt.Errorf("failed to write trace: %w", tw.err)
	}

	sum, err := traces.Summarize(mm.MPDName().String())
	if err != nil {
		return simResult{}, err
	}
	return simResult{
		State:   orch.State(),
		Err:     orch.Err(),
		Summary: sum,
		Link:    link.Stats(),
		Elapsed: sim.Now().Sub(opts.StartTime),
	}, nil
}

// traceWriter prints playback events and forwards them.
type traceWriter struct {
	w     io.Writer
	start time.Time
	next  player.Observer
	err   error
}

func (t *traceWriter) SegmentPlayed(ev player.PlaybackEvent) {
	if t.err == nil {
		_, t.err = fmt.Fprintf(t.w, "%.3f\t%d\t%s\t%.0f\t%d\t%.2f\t%s\n",
			ev.At.Sub(t.start).Seconds(), ev.Segment, ev.Representation, ev.ExperiencedBitrate,
			ev.Stall.Milliseconds(), ev.BufferLevel, strings.Join(ev.Dependencies, ","))
	}
	t.next.SegmentPlayed(ev)
}

func (t *traceWriter) StreamFailed(stream ndn.Name, err error) {
	t.next.StreamFailed(stream, err)
}

func printSummary(w io.Writer, r simResult) {
	fmt.Fprintf(w, "state %s after %s of virtual time\n", r.State, r.Elapsed.Round(time.Millisecond))
	if r.Err != nil {
		fmt.Fprintf(w, "error: %v\n", r.Err)
	}
	s := r.Summary
	fmt.Fprintf(w, "segments %d played %d, startup %s, %d stalls totalling %s\n",
		s.Segments, s.Played, s.StartupDelay.Round(time.Millisecond), s.Stalls, s.TotalStall.Round(time.Millisecond))
	fmt.Fprintf(w, "mean bitrate %.0f bit/s, %d representation switches\n", s.MeanBitrate, s.SwitchCount)
	fmt.Fprintf(w, "link: %d interests, %d answered, %d dropped, %d data bytes\n",
		r.Link.Interests, r.Link.Answered, r.Link.Dropped, r.Link.DataBytes)
}
