package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ndnstream/backend/internal/chunker"
	"github.com/ndnstream/backend/internal/clock"
	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/observability"
)

var (
	ErrNotFound           = errors.New("object not found")
	ErrSessionActive      = errors.New("transfer session already active")
	ErrPayloadOutOfRange  = errors.New("chunk payload out of range")
	ErrSequenceOutOfRange = errors.New("sequence out of range")
	ErrInvalidTransition  = errors.New("invalid chunk status transition")
)

// manifestSlot keys the manifest's timer next to the numbered chunks.
const manifestSlot = -1

// Status is the outcome of a finished transfer.
type Status int

const (
	StatusCompleted Status = iota
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of a session's counters.
type Stats struct {
	Sent           uint64
	Received       uint64
	Timeouts       uint64
	Retransmitted  uint64
	Chunks         int
	ChunksReceived int
	EstimatedRTT   time.Duration
	DeviationRTT   time.Duration
}

// Result is handed to OnComplete exactly once per finished session.
type Result struct {
	Name    ndn.Name
	Status  Status
	Size    int64
	Chunks  int
	Content []byte
	// Bitrate is the goodput in bits per second over the whole session.
	Bitrate float64
	Elapsed time.Duration
	Stats   Stats
	SinkErr error
}

// Err returns ErrNotFound for missing objects and the sink error otherwise.
func (r Result) Err() error {
	if r.Status == StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, r.Name)
	}
	return r.SinkErr
}

// Observer receives session lifecycle events. Times come from the engine clock.
type Observer interface {
	FetchStarted(name ndn.Name, at time.Time)
	ManifestReceived(name ndn.Name, size int64, at time.Time)
	FetchFinished(res Result, at time.Time)
	// FetchAborted follows Stop on an active session.
	FetchAborted(name ndn.Name, st Stats, at time.Time)
	TransportStats(name ndn.Name, st Stats, at time.Time)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) FetchStarted(ndn.Name, time.Time)            {}
func (NopObserver) ManifestReceived(ndn.Name, int64, time.Time) {}
func (NopObserver) FetchFinished(Result, time.Time)             {}
func (NopObserver) FetchAborted(ndn.Name, Stats, time.Time)     {}
func (NopObserver) TransportStats(ndn.Name, Stats, time.Time)   {}

// Options tune one engine.
type Options struct {
	InitialRTT time.Duration `yaml:"initial_rtt"`
	MaxRTT     time.Duration `yaml:"max_rtt"`
	// StartWindow is how many requests, manifest included, may be sent
	// before the manifest arrives.
	StartWindow int `yaml:"start_window"`
	// KeepContent reassembles the object even without a sink and returns it
	// in Result.Content.
	KeepContent bool `yaml:"keep_content"`
	// Decompress gunzips completed content that starts with the gzip magic.
	Decompress    bool          `yaml:"decompress"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// DefaultOptions returns the standard transport tuning.
func DefaultOptions() Options {
	return Options{
		InitialRTT:    DefaultInitialRTT,
		MaxRTT:        DefaultMaxRTT,
		StatsInterval: time.Second,
	}
}

// Config assembles an Engine.
type Config struct {
	Clock      clock.Clock
	Face       ndn.Face
	Pacer      Pacer
	Options    Options
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Observer   Observer
	OnComplete func(Result)
}

// Engine fetches one named object at a time: it requests the manifest,
// then every chunk under the pacer's control, retransmits on timeout and
// reassembles the content. All methods must be called from the clock's
// goroutine.
type Engine struct {
	clk        clock.Clock
	face       ndn.Face
	pacer      Pacer
	opts       Options
	log        *observability.Logger
	metrics    *observability.Metrics
	obs        Observer
	onComplete func(Result)
	nonces     *rand.Rand

	gen          uint64
	active       bool
	finished     bool
	name         ndn.Name
	sink         Sink
	tracker      *Tracker
	rtt          *RttEstimator
	manifest     chunker.Manifest
	haveManifest bool
	startedAt    time.Time
	sentAt       map[int]time.Time
	timers       map[int]clock.Timer
	sendTimer    clock.Timer
	nextSendAt   time.Time
	statsTimer   clock.Timer
	content      []byte
	early        map[int][]byte
	stats        Stats
	span         trace.Span
}

// NewEngine validates cfg and returns an idle engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Clock == nil || cfg.Face == nil {
		return nil, errors.New("transport: engine needs a clock and a face")
	}
	if cfg.Pacer == nil {
		cfg.Pacer = NewConstantRate(PacingConfig{})
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	def := DefaultOptions()
	if cfg.Options.InitialRTT <= 0 {
		cfg.Options.InitialRTT = def.InitialRTT
	}
	if cfg.Options.MaxRTT <= 0 {
		cfg.Options.MaxRTT = def.MaxRTT
	}
	if cfg.Options.StatsInterval <= 0 {
		cfg.Options.StatsInterval = def.StatsInterval
	}
	return &Engine{
		clk:        cfg.Clock,
		face:       cfg.Face,
		pacer:      cfg.Pacer,
		opts:       cfg.Options,
		log:        cfg.Logger.WithComponent("transport"),
		metrics:    cfg.Metrics,
		obs:        cfg.Observer,
		onComplete: cfg.OnComplete,
		nonces:     rand.New(rand.NewSource(cfg.Clock.Now().UnixNano())),
	}, nil
}

// Start begins fetching name. The sink, when non-nil, receives the whole
// object once on completion.
func (e *Engine) Start(name ndn.Name, sink Sink) error {
	if e.active {
		return fmt.Errorf("%w: %s", ErrSessionActive, e.name)
	}
	e.gen++
	e.active = true
	e.finished = false
	e.name = append(ndn.Name(nil), name...)
	e.sink = sink
	e.tracker = NewTracker(e.opts.StartWindow)
	e.rtt = NewRttEstimator(e.opts.InitialRTT, e.opts.MaxRTT)
	e.manifest = chunker.Manifest{}
	e.haveManifest = false
	e.startedAt = e.clk.Now()
	e.sentAt = make(map[int]time.Time)
	e.timers = make(map[int]clock.Timer)
	e.early = make(map[int][]byte)
	e.content = nil
	e.stats = Stats{}
	e.nextSendAt = time.Time{}

	_, e.span = otel.Tracer("ndnstream/transport").Start(context.Background(), "fetch",
		trace.WithAttributes(
			attribute.String("ndn.name", e.name.String()),
			attribute.String("pacing", e.pacer.Name()),
		))

	e.log.FetchStarted(e.name.String(), e.pacer.Name())
	e.metrics.FetchStarted()
	e.obs.FetchStarted(e.name, e.startedAt)
	e.scheduleStats(e.gen)
	e.pacer.Start(e)
	return nil
}

// Stop aborts the session. No completion is reported.
func (e *Engine) Stop() {
	if !e.active {
		return
	}
	e.gen++
	e.active = false
	e.cancelTimers()
	var rc RangeCompressor
	e.log.FetchAborted(e.name.String(), e.tracker.Received(), e.tracker.Len(), rc.Compress(e.tracker.Missing()))
	e.metrics.FetchFinished("aborted", e.clk.Now().Sub(e.startedAt))
	e.span.SetStatus(codes.Error, "aborted")
	e.span.End()
	e.obs.FetchAborted(e.name, e.Stats(), e.clk.Now())
}

// Active reports whether a session is running.
func (e *Engine) Active() bool { return e.active }

// Name returns the object of the current or last session.
func (e *Engine) Name() ndn.Name { return e.name }

// Pacer returns the engine's pacing policy.
func (e *Engine) Pacer() Pacer { return e.pacer }

// Stats returns a snapshot of the session counters.
func (e *Engine) Stats() Stats {
	st := e.stats
	if e.tracker != nil {
		st.ChunksReceived = e.tracker.Received()
		if e.haveManifest {
			st.Chunks = e.tracker.Len()
		}
	}
	if e.rtt != nil {
		st.EstimatedRTT = e.rtt.Estimated()
		st.DeviationRTT = e.rtt.Deviation()
	}
	return st
}

// Status returns the status of chunk seq in the current session.
func (e *Engine) Status(seq int) ChunkStatus {
	if e.tracker == nil {
		return NotRequested
	}
	return e.tracker.Status(seq)
}

// RTO returns the current retransmission timeout.
func (e *Engine) RTO() time.Duration {
	if e.rtt == nil {
		return e.opts.InitialRTT
	}
	return e.rtt.Timeout()
}

// Sender surface.

func (e *Engine) Now() time.Time        { return e.clk.Now() }
func (e *Engine) HaveManifest() bool    { return e.haveManifest }
func (e *Engine) Found() bool           { return !e.haveManifest || e.manifest.Found() }
func (e *Engine) PacketsSent() uint64   { return e.stats.Sent }
func (e *Engine) StartWindow() int      { return e.opts.StartWindow }
func (e *Engine) MTU() int              { return e.face.MTU() }
func (e *Engine) LinkBitrate() uint64   { return e.face.LinkBitrate() }
func (e *Engine) NextSendAt() time.Time { return e.nextSendAt }

func (e *Engine) Complete() bool {
	return e.haveManifest && e.tracker.Complete()
}

func (e *Engine) ScheduleSend(d time.Duration) {
	if !e.active {
		return
	}
	clock.Stop(e.sendTimer)
	gen := e.gen
	e.nextSendAt = e.clk.Now().Add(d)
	e.sendTimer = e.clk.AfterFunc(d, func() {
		if gen != e.gen || !e.active {
			return
		}
		e.sendTimer = nil
		e.nextSendAt = time.Time{}
		e.pacer.Tick(e)
	})
}

func (e *Engine) SendNext() bool {
	if !e.active {
		return false
	}
	switch e.tracker.ManifestStatus() {
	case NotRequested, TimedOut:
		e.requestManifest()
		return true
	}
	if !e.Found() {
		return false
	}
	seq, ok := e.tracker.NextEligible()
	if !ok {
		return false
	}
	e.requestChunk(seq)
	return true
}

func (e *Engine) requestManifest() {
	retx, err := e.tracker.MarkManifest(Requested)
	if err != nil {
		e.log.Error(err, "manifest request rejected")
		return
	}
	if retx {
		e.stats.Retransmitted++
		e.metrics.RecordRetransmission()
	}
	e.sentAt[manifestSlot] = e.clk.Now()
	e.express(e.name.Manifest(), manifestSlot, "manifest")
}

func (e *Engine) requestChunk(seq int) {
	retx, err := e.tracker.MarkRequested(seq)
	if err != nil {
		e.log.Error(err, "chunk request rejected")
		return
	}
	if retx {
		e.stats.Retransmitted++
		e.metrics.RecordRetransmission()
	}
	e.sentAt[seq] = e.clk.Now()
	e.express(e.name.AppendSequence(uint64(seq)), seq, "chunk")
}

type request struct {
	e   *Engine
	gen uint64
}

func (r request) OnData(d *ndn.Data) {
	if r.gen != r.e.gen || !r.e.active {
		return
	}
	r.e.onData(d)
}

// OnTimeout from the face is ignored; the engine runs its own timers.
func (r request) OnTimeout(*ndn.Interest) {}

func (e *Engine) express(name ndn.Name, slot int, kind string) {
	lifetime := e.rtt.Timeout()
	interest := &ndn.Interest{Name: name, Nonce: e.nonces.Uint32(), Lifetime: lifetime}
	e.stats.Sent++
	e.metrics.RecordInterest(kind)

	clock.Stop(e.timers[slot])
	gen := e.gen
	e.timers[slot] = e.clk.AfterFunc(lifetime+time.Millisecond, func() { e.onTimer(gen, slot) })

	if err := e.face.Express(interest, request{e: e, gen: gen}); err != nil {
		// Treated as a loss: the timer will fire and the slot is retried.
		e.log.Error(err, "failed to express interest")
	}
}

func (e *Engine) onTimer(gen uint64, slot int) {
	if gen != e.gen || !e.active {
		return
	}
	delete(e.timers, slot)

	if slot == manifestSlot {
		if e.tracker.ManifestStatus() != Requested {
			return
		}
		e.tracker.MarkManifest(TimedOut)
		e.stats.Timeouts++
		e.metrics.RecordTimeout()
		e.rtt.Backoff()
		e.log.ChunkTimedOut(e.name.String(), slot, e.rtt.Timeout())
		e.requestManifest()
		return
	}

	if e.tracker.Status(slot) != Requested {
		return
	}
	if err := e.tracker.MarkTimedOut(slot); err != nil {
		return
	}
	e.stats.Timeouts++
	e.metrics.RecordTimeout()
	e.rtt.Backoff()
	e.log.ChunkTimedOut(e.name.String(), slot, e.rtt.Timeout())
	e.pacer.OnTimeout(e, slot)
}

func (e *Engine) onData(d *ndn.Data) {
	rel, ok := d.Name.TrimPrefix(e.name)
	if !ok || len(rel) != 1 {
		return
	}
	if rel.IsManifest() {
		e.onManifest(d)
		return
	}
	seq, err := rel.Sequence()
	if err != nil || seq >= uint64(e.tracker.Len()) {
		return
	}
	e.onChunk(int(seq), d)
}

func (e *Engine) wantContent() bool {
	return e.sink != nil || e.opts.KeepContent
}

func (e *Engine) onManifest(d *ndn.Data) {
	if e.haveManifest || e.tracker.ManifestStatus() != Requested {
		return
	}
	var m chunker.Manifest
	if err := m.UnmarshalBinary(d.Content); err != nil {
		e.log.Error(err, "discarding malformed manifest")
		return
	}
	e.tracker.MarkManifest(Received)
	clock.Stop(e.timers[manifestSlot])
	delete(e.timers, manifestSlot)
	e.rtt.Seed(e.clk.Now().Sub(e.sentAt[manifestSlot]))
	e.stats.Received++
	e.metrics.RecordData(len(d.Content))

	e.haveManifest = true
	e.manifest = m
	e.log.ManifestReceived(e.name.String(), m.Size, m.ChunkCount(), m.MaxPayload)
	e.obs.ManifestReceived(e.name, m.Size, e.clk.Now())

	if !m.Found() {
		e.finish(StatusNotFound)
		return
	}

	n := m.ChunkCount()
	for seq := n; seq < e.tracker.Len(); seq++ {
		clock.Stop(e.timers[seq])
		delete(e.timers, seq)
	}
	e.tracker.Resize(n)

	if e.wantContent() {
		e.content = make([]byte, m.Size)
		for seq, payload := range e.early {
			if seq < n {
				if err := e.write(seq, payload); err != nil {
					e.log.Error(err, "early chunk does not fit the manifest")
					e.tracker.Discard(seq)
				}
			}
		}
	}
	e.early = nil

	if e.tracker.Complete() {
		e.finish(StatusCompleted)
		return
	}
	e.pacer.OnManifest(e)
}

func (e *Engine) onChunk(seq int, d *ndn.Data) {
	if e.tracker.Status(seq) != Requested {
		// duplicate, or late for a chunk already declared timed out
		return
	}
	if e.haveManifest && e.wantContent() {
		if err := e.write(seq, d.Content); err != nil {
			e.log.Error(err, "discarding chunk")
			return
		}
	}
	if err := e.tracker.MarkReceived(seq); err != nil {
		return
	}
	clock.Stop(e.timers[seq])
	delete(e.timers, seq)
	e.rtt.AddSample(e.clk.Now().Sub(e.sentAt[seq]))
	e.stats.Received++
	e.metrics.RecordData(len(d.Content))

	if !e.haveManifest {
		if e.wantContent() {
			e.early[seq] = d.Content
		}
		e.pacer.OnData(e, seq)
		return
	}
	if e.tracker.Complete() {
		e.finish(StatusCompleted)
		return
	}
	e.pacer.OnData(e, seq)
}

// write copies a chunk into the reassembly buffer. Payloads longer than the
// chunk are truncated, shorter ones rejected.
func (e *Engine) write(seq int, payload []byte) error {
	off, n, err := e.manifest.Bounds(seq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadOutOfRange, err)
	}
	if len(payload) < n {
		return fmt.Errorf("%w: chunk %d carries %d bytes, want %d", ErrPayloadOutOfRange, seq, len(payload), n)
	}
	if off+int64(n) > int64(len(e.content)) {
		return fmt.Errorf("%w: chunk %d ends at %d past %d", ErrPayloadOutOfRange, seq, off+int64(n), len(e.content))
	}
	copy(e.content[off:off+int64(n)], payload[:n])
	return nil
}

func (e *Engine) finish(status Status) {
	if e.finished {
		return
	}
	e.finished = true
	e.active = false
	e.cancelTimers()

	now := e.clk.Now()
	elapsed := now.Sub(e.startedAt)
	res := Result{
		Name:    e.name,
		Status:  status,
		Elapsed: elapsed,
		Stats:   e.Stats(),
	}
	if status == StatusCompleted {
		res.Size = e.manifest.Size
		res.Chunks = e.tracker.Len()
		if elapsed > 0 {
			res.Bitrate = float64(res.Size*8) / elapsed.Seconds()
		}
		if e.wantContent() {
			res.Content = e.materialize()
		}
		if e.sink != nil {
			if err := e.sink.Write(e.name, res.Content); err != nil {
				res.SinkErr = err
				e.log.Error(err, "failed to write object to sink")
			}
		}
		if !e.opts.KeepContent {
			res.Content = nil
		}
	}
	e.content = nil

	e.obs.TransportStats(e.name, res.Stats, now)
	e.log.FetchCompleted(e.name.String(), status.String(), res.Size, res.Bitrate, elapsed)
	e.metrics.FetchFinished(status.String(), elapsed)
	e.span.SetAttributes(
		attribute.String("status", status.String()),
		attribute.Int64("size", res.Size),
		attribute.Float64("bitrate_bps", res.Bitrate),
	)
	if status == StatusNotFound {
		e.span.SetStatus(codes.Error, "not found")
	}
	e.span.End()
	e.obs.FetchFinished(res, now)
	if e.onComplete != nil {
		e.onComplete(res)
	}
}

func (e *Engine) materialize() []byte {
	c := e.content
	if !e.opts.Decompress || !isGzip(c) {
		return c
	}
	zr, err := gzip.NewReader(bytes.NewReader(c))
	if err != nil {
		e.log.Error(err, "content looks gzip compressed but is not")
		return c
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		e.log.Error(err, "failed to decompress content")
		return c
	}
	return out
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

func (e *Engine) cancelTimers() {
	for slot, t := range e.timers {
		t.Stop()
		delete(e.timers, slot)
	}
	clock.Stop(e.sendTimer)
	e.sendTimer = nil
	e.nextSendAt = time.Time{}
	clock.Stop(e.statsTimer)
	e.statsTimer = nil
}

func (e *Engine) scheduleStats(gen uint64) {
	st := e.Stats()
	e.log.TransportStats(e.name.String(), st.Sent, st.Received, st.Timeouts, st.Retransmitted, st.EstimatedRTT, st.DeviationRTT)
	e.metrics.RecordRTT(st.EstimatedRTT)
	e.obs.TransportStats(e.name, st, e.clk.Now())
	e.statsTimer = e.clk.AfterFunc(e.opts.StatsInterval, func() {
		if gen != e.gen || !e.active {
			return
		}
		e.scheduleStats(gen)
	})
}

var _ Sender = (*Engine)(nil)
