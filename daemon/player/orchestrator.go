package player

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ndnstream/backend/daemon/adaptation"
	"github.com/ndnstream/backend/daemon/buffer"
	"github.com/ndnstream/backend/daemon/transport"
	"github.com/ndnstream/backend/internal/clock"
	"github.com/ndnstream/backend/internal/media"
	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/observability"
)

var (
	ErrStarted           = errors.New("stream already started")
	ErrNoRepresentations = errors.New("no representation fits the screen")
)

// Start representation keywords.
const (
	StartLowest = "lowest"
	StartAuto   = "auto"
)

// Scheduling delays.
const (
	initDownloadDelay    = 10 * time.Millisecond
	segmentDownloadDelay = time.Millisecond
	idleRetryDelay       = time.Second
	admitRetryDelay      = time.Second
	stallTick            = 100 * time.Millisecond
)

type State int

const (
	StateIdle State = iota
	StateFetchingDescription
	StateFetchingInitSegment
	StateFetchingSegment
	// StatePlaying means every segment has been requested and playback
	// drains the buffer.
	StatePlaying
	StateFinished
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingDescription:
		return "fetching_description"
	case StateFetchingInitSegment:
		return "fetching_init_segment"
	case StateFetchingSegment:
		return "fetching_segment"
	case StatePlaying:
		return "playing"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// PlaybackEvent is emitted for every consumed segment. Stall is the
// start-up delay for the first segment and the freeze that just ended
// otherwise.
type PlaybackEvent struct {
	Stream             ndn.Name
	Segment            int
	Representation     string
	ExperiencedBitrate float64
	Stall              time.Duration
	BufferLevel        float64
	Dependencies       []string
	At                 time.Time
}

type Observer interface {
	SegmentPlayed(ev PlaybackEvent)
	StreamFailed(stream ndn.Name, err error)
}

type NopObserver struct{}

func (NopObserver) SegmentPlayed(PlaybackEvent)  {}
func (NopObserver) StreamFailed(ndn.Name, error) {}

// Config assembles an Orchestrator. Start from DefaultConfig.
type Config struct {
	Clock clock.Clock
	Face  ndn.Face
	// NewPacer builds the pacing policy of each download.
	NewPacer  func() transport.Pacer
	Transport transport.Options

	Registry *adaptation.Registry
	Strategy string

	MPDName        ndn.Name
	ScreenWidth    int
	ScreenHeight   int
	AllowUpscale   bool
	AllowDownscale bool
	// StartRepresentation is StartLowest, StartAuto or a representation id.
	StartRepresentation string
	MaxBufferedSeconds  float64
	StartupDelay        time.Duration
	// SegmentStartWindow is the number of requests a segment download may
	// send before its manifest arrives.
	SegmentStartWindow int
	// TraceNotDownloaded reports an empty playback event on Stop for every
	// segment that was never played.
	TraceNotDownloaded bool

	Logger            *observability.Logger
	Metrics           *observability.Metrics
	Observer          Observer
	TransportObserver transport.Observer
}

func DefaultConfig() Config {
	return Config{
		Transport:           transport.DefaultOptions(),
		Strategy:            adaptation.NameAlwaysLowest,
		ScreenWidth:         1920,
		ScreenHeight:        1080,
		AllowUpscale:        true,
		AllowDownscale:      false,
		StartRepresentation: StartAuto,
		MaxBufferedSeconds:  30,
		StartupDelay:        2 * time.Second,
		SegmentStartWindow:  10,
	}
}

// Orchestrator streams one presentation. It runs two loops on the clock:
// downloads, each started when the previous one finished, and playback,
// which consumes one segment per segment duration. All methods must be
// called from the clock's goroutine.
type Orchestrator struct {
	cfg Config
	log *observability.Logger

	state      State
	startedAt  time.Time
	err        error
	span       trace.Span
	downloader *transport.Engine

	pres     *media.Presentation
	layered  bool
	player   *Player
	strategy adaptation.Strategy
	startRep *media.Representation
	initURL  string
	initDone []string

	requested     adaptation.Decision
	downloadedAll bool
	// lost holds segments whose download or admission failed. Playback
	// skips them instead of waiting.
	lost map[int]bool

	downloadTimer clock.Timer
	admitTimer    clock.Timer
	playTimer     clock.Timer

	playing     bool
	freezeStart time.Time
	consumed    int
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Clock == nil || cfg.Face == nil {
		return nil, errors.New("player: orchestrator needs a clock and a face")
	}
	if len(cfg.MPDName) == 0 {
		return nil, errors.New("player: no media description name")
	}
	if cfg.Registry == nil {
		cfg.Registry = adaptation.DefaultRegistry()
	}
	if !cfg.Registry.Has(cfg.Strategy) {
		return nil, fmt.Errorf("%w: %q", adaptation.ErrUnknownStrategy, cfg.Strategy)
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.TransportObserver == nil {
		cfg.TransportObserver = transport.NopObserver{}
	}
	if cfg.NewPacer == nil {
		cfg.NewPacer = func() transport.Pacer { return transport.NewConstantRate(transport.PacingConfig{}) }
	}
	if cfg.MaxBufferedSeconds <= 0 {
		cfg.MaxBufferedSeconds = DefaultConfig().MaxBufferedSeconds
	}
	return &Orchestrator{
		cfg:  cfg,
		log:  cfg.Logger.WithComponent("player").WithObject(cfg.MPDName.String()),
		lost: make(map[int]bool),
	}, nil
}

func (o *Orchestrator) State() State { return o.state }

// Err returns the error that failed the stream.
func (o *Orchestrator) Err() error { return o.err }

// Stalled reports whether playback started and is now waiting for data.
func (o *Orchestrator) Stalled() bool { return !o.freezeStart.IsZero() }

// Player returns the buffer state, nil before the description is parsed.
func (o *Orchestrator) Player() *Player { return o.player }

// Strategy returns the adaptation strategy, nil before the description is parsed.
func (o *Orchestrator) Strategy() adaptation.Strategy { return o.strategy }

// Layered reports whether the presentation uses dependent representations.
func (o *Orchestrator) Layered() bool { return o.layered }

// Start requests the media description.
func (o *Orchestrator) Start() error {
	if o.state != StateIdle {
		return ErrStarted
	}
	o.startedAt = o.cfg.Clock.Now()
	_, o.span = otel.Tracer("ndnstream/player").Start(context.Background(), "stream",
		trace.WithAttributes(
			attribute.String("ndn.name", o.cfg.MPDName.String()),
			attribute.String("adaptation", o.cfg.Strategy),
		))
	o.state = StateFetchingDescription

	opts := o.cfg.Transport
	opts.KeepContent = true
	opts.Decompress = true
	return o.download(o.cfg.MPDName, opts, o.onDescription)
}

// Stop cancels both loops and any running download.
func (o *Orchestrator) Stop() {
	switch o.state {
	case StateIdle, StateStopped, StateFailed:
		return
	}
	o.cancel()
	if o.cfg.TraceNotDownloaded && o.strategy != nil {
		for o.consume() > 0 {
		}
		now := o.cfg.Clock.Now()
		for ; o.consumed < o.strategy.TotalSegments(); o.consumed++ {
			o.cfg.Observer.SegmentPlayed(PlaybackEvent{Stream: o.cfg.MPDName, Segment: o.consumed, At: now})
		}
	}
	if o.state != StateFinished {
		o.state = StateStopped
		o.span.End()
	}
}

func (o *Orchestrator) cancel() {
	clock.Stop(o.downloadTimer)
	clock.Stop(o.admitTimer)
	clock.Stop(o.playTimer)
	o.downloadTimer, o.admitTimer, o.playTimer = nil, nil, nil
	if o.downloader != nil {
		o.downloader.Stop()
	}
}

func (o *Orchestrator) fail(err error) {
	o.cancel()
	o.err = err
	o.state = StateFailed
	o.log.StreamFailed(o.cfg.MPDName.String(), err)
	o.span.RecordError(err)
	o.span.SetStatus(codes.Error, err.Error())
	o.span.End()
	o.cfg.Observer.StreamFailed(o.cfg.MPDName, err)
}

// download starts a fresh transport session for name.
func (o *Orchestrator) download(name ndn.Name, opts transport.Options, done func(transport.Result)) error {
	e, err := transport.NewEngine(transport.Config{
		Clock:      o.cfg.Clock,
		Face:       o.cfg.Face,
		Pacer:      o.cfg.NewPacer(),
		Options:    opts,
		Logger:     o.cfg.Logger,
		Metrics:    o.cfg.Metrics,
		Observer:   o.cfg.TransportObserver,
		OnComplete: done,
	})
	if err != nil {
		return err
	}
	o.downloader = e
	return e.Start(name, nil)
}

func (o *Orchestrator) onDescription(res transport.Result) {
	if err := res.Err(); err != nil {
		o.fail(fmt.Errorf("%w: %w", media.ErrMalformedDescription, err))
		return
	}
	mpd, err := media.Parse(res.Content)
	if err != nil {
		o.fail(err)
		return
	}
	pres, err := mpd.Select()
	if err != nil {
		o.fail(err)
		return
	}
	reps := o.fitScreen(pres.Representations)
	if len(reps) == 0 {
		o.fail(ErrNoRepresentations)
		return
	}
	pres.Representations = reps
	o.pres = pres
	o.layered = media.Layered(reps)
	o.player = NewPlayer(buffer.New(o.cfg.MaxBufferedSeconds, o.layered))
	o.player.SetLastBitrate(res.Bitrate)
	o.startRep = o.pickStart(reps, res.Bitrate)

	o.strategy, err = o.cfg.Registry.New(o.cfg.Strategy, adaptation.Params{
		Representations:     reps,
		StartRepresentation: o.startRep.ID,
		Context:             o.player,
		Logger:              o.cfg.Logger,
	})
	if err != nil {
		o.fail(err)
		return
	}
	o.span.SetAttributes(
		attribute.Int("representations", len(reps)),
		attribute.Bool("layered", o.layered),
		attribute.String("start_representation", o.startRep.ID),
	)
	o.log.Info(fmt.Sprintf("description received after %s: %d representations, start with %s",
		o.cfg.Clock.Now().Sub(o.startedAt), len(reps), o.startRep.ID))

	o.initURL = pres.Set.InitURL()
	if o.initURL == "" {
		o.initURL = o.startRep.InitURL()
	}
	if o.initURL != "" {
		o.state = StateFetchingInitSegment
		o.downloadTimer = o.cfg.Clock.AfterFunc(initDownloadDelay, o.downloadInit)
	} else {
		o.state = StateFetchingSegment
		o.scheduleDownload()
	}
	o.schedulePlay(o.cfg.StartupDelay)
}

// fitScreen drops representations the screen cannot show: smaller in both
// dimensions without upscaling, larger in both without downscaling.
func (o *Orchestrator) fitScreen(reps []*media.Representation) []*media.Representation {
	var out []*media.Representation
	for _, r := range reps {
		if !o.cfg.AllowUpscale && r.Width < o.cfg.ScreenWidth && r.Height < o.cfg.ScreenHeight {
			continue
		}
		if !o.cfg.AllowDownscale && r.Width > o.cfg.ScreenWidth && r.Height > o.cfg.ScreenHeight {
			continue
		}
		out = append(out, r)
	}
	return out
}

// pickStart resolves the start representation. Auto takes the highest
// bandwidth the description download would have sustained.
func (o *Orchestrator) pickStart(reps []*media.Representation, bitrate float64) *media.Representation {
	first := reps[0]
	switch o.cfg.StartRepresentation {
	case StartLowest, "":
		return first
	case StartAuto:
		var best *media.Representation
		for _, r := range reps {
			if float64(r.Bandwidth) < bitrate && (best == nil || r.Bandwidth > best.Bandwidth) {
				best = r
			}
		}
		if best != nil {
			return best
		}
		return first
	}
	for _, r := range reps {
		if r.ID == o.cfg.StartRepresentation {
			return r
		}
	}
	o.log.Warn("start representation " + o.cfg.StartRepresentation + " not found, using " + first.ID)
	return first
}

func (o *Orchestrator) objectName(url string) ndn.Name {
	return ndn.ParseName(o.pres.BaseURL + url)
}

func (o *Orchestrator) downloadInit() {
	o.downloadTimer = nil
	if err := o.download(o.objectName(o.initURL), o.cfg.Transport, o.onInit); err != nil {
		o.fail(err)
	}
}

func (o *Orchestrator) onInit(res transport.Result) {
	if err := res.Err(); err != nil {
		o.log.Warn(fmt.Sprintf("init segment unavailable: %v", err))
	}
	if o.pres.Set.InitURL() != "" {
		o.initDone = append(o.initDone, "GlobalAdaptationSet")
	} else {
		o.initDone = append(o.initDone, o.startRep.ID)
	}
	o.state = StateFetchingSegment
	o.scheduleDownload()
}

func (o *Orchestrator) scheduleDownload() {
	clock.Stop(o.downloadTimer)
	o.downloadTimer = o.cfg.Clock.AfterFunc(segmentDownloadDelay, o.downloadSegment)
}

func (o *Orchestrator) downloadSegment() {
	o.downloadTimer = nil
	d := o.strategy.Next()
	o.requested = d
	rep := ""
	if d.Representation != nil {
		rep = d.Representation.ID
	}
	o.log.SegmentDecision(d.Kind.String(), d.Segment, rep, o.player.LastBitrate())

	switch d.Kind {
	case adaptation.Done:
		o.downloadedAll = true
		o.state = StatePlaying
		o.log.Info("all segments requested")
		return
	case adaptation.Idle:
		o.downloadTimer = o.cfg.Clock.AfterFunc(idleRetryDelay, o.downloadSegment)
		return
	}

	url, ok := d.Representation.SegmentURL(d.Segment)
	if !ok {
		o.log.Warn(fmt.Sprintf("representation %s has no segment %d", rep, d.Segment))
		o.scheduleDownload()
		return
	}
	opts := o.cfg.Transport
	opts.StartWindow = o.cfg.SegmentStartWindow
	if err := o.download(o.objectName(url), opts, func(res transport.Result) { o.onSegment(d, res) }); err != nil {
		o.fail(err)
	}
}

func (o *Orchestrator) onSegment(d adaptation.Decision, res transport.Result) {
	if err := res.Err(); err != nil {
		o.log.SegmentRejected(d.Segment, d.Representation.ID, err)
		o.cfg.Metrics.RecordSegmentRejected()
		o.lost[d.Segment] = true
		o.scheduleDownload()
		return
	}
	o.player.SetLastBitrate(res.Bitrate)
	o.cfg.Metrics.RecordSegmentDownloaded(d.Representation.ID, res.Bitrate)
	o.admit(d, res.Bitrate)
}

// admit buffers a downloaded segment, waiting while the buffer is full.
func (o *Orchestrator) admit(d adaptation.Decision, bitrate float64) {
	o.admitTimer = nil
	if !o.player.Buffer().HasCapacity(d.Representation) {
		o.admitTimer = o.cfg.Clock.AfterFunc(admitRetryDelay, func() { o.admit(d, bitrate) })
		return
	}
	if err := o.player.Buffer().Admit(d.Segment, d.Representation, bitrate); err != nil {
		o.log.SegmentRejected(d.Segment, d.Representation.ID, err)
		o.cfg.Metrics.RecordSegmentRejected()
		o.lost[d.Segment] = true
	} else {
		delete(o.lost, d.Segment)
	}
	o.scheduleDownload()
}

func (o *Orchestrator) schedulePlay(d time.Duration) {
	clock.Stop(o.playTimer)
	o.playTimer = o.cfg.Clock.AfterFunc(d, o.play)
}

func (o *Orchestrator) play() {
	o.playTimer = nil
	if seconds := o.consume(); seconds > 0 {
		o.schedulePlay(time.Duration(seconds * float64(time.Second)))
		return
	}
	if o.downloadedAll {
		o.finish()
		return
	}
	o.schedulePlay(stallTick)

	// A stalled player abandons an enhancement layer download once the
	// layer below it runs short.
	rep := o.requested.Representation
	if o.requested.Kind != adaptation.Fetch || rep == nil || len(rep.Dependencies()) == 0 {
		return
	}
	if o.downloader == nil || !o.downloader.Active() || o.strategy.HasMinBufferLevel(rep) {
		return
	}
	o.log.Info(fmt.Sprintf("aborting download of segment %d of %s", o.requested.Segment, rep.ID))
	o.downloader.Stop()
	o.cfg.Metrics.RecordDownloadAborted()
	o.player.SetLastBitrate(0)
	o.scheduleDownload()
}

// consume plays the next buffered segment and returns its duration, or 0
// when playback has to wait.
func (o *Orchestrator) consume() float64 {
	buf := o.player.Buffer()
	e, ok := buf.ConsumeNext()
	now := o.cfg.Clock.Now()
	if !ok && o.skip(buf.NextSegmentToConsume(), now) {
		return o.consume()
	}
	if !ok {
		if o.playing && o.freezeStart.IsZero() {
			o.freezeStart = now
		}
		return 0
	}
	delete(o.lost, e.Segment)

	var stall time.Duration
	switch {
	case !o.playing:
		o.playing = true
		stall = now.Sub(o.startedAt)
		o.cfg.Metrics.RecordStartupDelay(stall)
		o.log.Info(fmt.Sprintf("playback started after %s", stall))
	case !o.freezeStart.IsZero():
		stall = now.Sub(o.freezeStart)
		o.freezeStart = time.Time{}
	}
	level := o.player.BufferedSeconds()
	o.log.SegmentPlayed(e.Segment, e.Representation, e.ExperiencedBitrate, stall, level)
	o.cfg.Metrics.RecordSegmentPlayed(e.Representation, stall, level)
	o.cfg.Observer.SegmentPlayed(PlaybackEvent{
		Stream:             o.cfg.MPDName,
		Segment:            e.Segment,
		Representation:     e.Representation,
		ExperiencedBitrate: e.ExperiencedBitrate,
		Stall:              stall,
		BufferLevel:        level,
		Dependencies:       e.Dependencies,
		At:                 now,
	})
	o.consumed++
	return e.Duration
}

// skip passes over segment n when its download failed and nothing of it
// is buffered. The segment is traced with an empty representation.
func (o *Orchestrator) skip(n int, now time.Time) bool {
	if !o.lost[n] || !o.player.Buffer().Skip() {
		return false
	}
	delete(o.lost, n)
	o.log.SegmentSkipped(n)
	o.cfg.Metrics.RecordSegmentSkipped()
	o.cfg.Observer.SegmentPlayed(PlaybackEvent{
		Stream:      o.cfg.MPDName,
		Segment:     n,
		BufferLevel: o.player.BufferedSeconds(),
		At:          now,
	})
	o.consumed++
	return true
}

func (o *Orchestrator) finish() {
	o.cancel()
	o.state = StateFinished
	o.log.Info(fmt.Sprintf("stream finished, %d segments played", o.consumed))
	o.span.SetAttributes(attribute.Int("segments_played", o.consumed))
	o.span.End()
}
