package transport

import (
	"bytes"
	"compress/gzip"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndnstream/backend/internal/chunker"
	"github.com/ndnstream/backend/internal/clock"
	"github.com/ndnstream/backend/internal/ndn"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// objectProducer serves one object and can drop chosen requests.
type objectProducer struct {
	name       ndn.Name
	content    []byte
	maxPayload uint32
	missing    bool
	drop       func(component string, attempt int) bool
	truncate   func(component string, attempt int) bool
	attempts   map[string]int
}

func newObjectProducer(name string, content []byte, maxPayload uint32) *objectProducer {
	return &objectProducer{
		name:       ndn.ParseName(name),
		content:    content,
		maxPayload: maxPayload,
		attempts:   make(map[string]int),
	}
}

func (p *objectProducer) Serve(i *ndn.Interest) (*ndn.Data, bool) {
	rel, ok := i.Name.TrimPrefix(p.name)
	if !ok || len(rel) != 1 {
		return nil, false
	}
	key := rel[0]
	p.attempts[key]++
	if p.drop != nil && p.drop(key, p.attempts[key]) {
		return nil, false
	}
	if rel.IsManifest() {
		m := chunker.Manifest{Size: int64(len(p.content)), MaxPayload: p.maxPayload}
		if p.missing {
			m = chunker.NotFoundManifest()
		}
		b, _ := m.MarshalBinary()
		return &ndn.Data{Name: i.Name, Content: b}, true
	}
	seq, err := rel.Sequence()
	if err != nil {
		return nil, false
	}
	b, err := chunker.ReadChunk(bytes.NewReader(p.content), int64(len(p.content)), p.maxPayload, int(seq))
	if err != nil {
		return nil, false
	}
	if p.truncate != nil && p.truncate(key, p.attempts[key]) {
		b = b[:len(b)/10]
	}
	return &ndn.Data{Name: i.Name, Content: b}, true
}

type sentInterest struct {
	name ndn.Name
	at   time.Time
}

type recordingFace struct {
	ndn.Face
	clk   clock.Clock
	sends []sentInterest
}

func (f *recordingFace) Express(i *ndn.Interest, c ndn.Consumer) error {
	f.sends = append(f.sends, sentInterest{name: i.Name, at: f.clk.Now()})
	return f.Face.Express(i, c)
}

type harness struct {
	sim     *clock.Sim
	face    *recordingFace
	engine  *Engine
	results []Result
}

func newHarness(t *testing.T, p ndn.Producer, opts Options, pacer Pacer) *harness {
	t.Helper()
	sim := clock.NewSim(testEpoch)
	link := ndn.NewMemLink(sim, p, ndn.LinkConfig{MTU: 1500, Bitrate: 10_000_000, Delay: 5 * time.Millisecond})
	h := &harness{sim: sim, face: &recordingFace{Face: link, clk: sim}}
	e, err := NewEngine(Config{
		Clock:      sim,
		Face:       h.face,
		Pacer:      pacer,
		Options:    opts,
		OnComplete: func(r Result) { h.results = append(h.results, r) },
	})
	require.NoError(t, err)
	h.engine = e
	return h
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestEngine_RoundTripReassembly(t *testing.T) {
	content := pattern(1000)
	p := newObjectProducer("/obj", content, 300)
	h := newHarness(t, p, Options{KeepContent: true}, NewConstantRate(PacingConfig{Rate: 100, Seed: 1}))

	require.NoError(t, h.engine.Start(ndn.ParseName("/obj"), nil))
	h.sim.RunFor(10 * time.Second)

	require.Len(t, h.results, 1)
	res := h.results[0]
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(1000), res.Size)
	assert.Equal(t, 4, res.Chunks)
	assert.Equal(t, content, res.Content)
	assert.Positive(t, res.Bitrate)
	assert.Equal(t, uint64(5), res.Stats.Sent, "manifest plus four chunks")
	assert.Equal(t, uint64(0), res.Stats.Timeouts)
	assert.False(t, h.engine.Active())
	assert.Empty(t, h.engine.timers, "no chunk timers left behind")
	assert.Nil(t, h.engine.sendTimer)
}

func TestEngine_NotFoundCompletesImmediately(t *testing.T) {
	p := newObjectProducer("/missing", nil, 300)
	p.missing = true
	h := newHarness(t, p, Options{StartWindow: 10}, NewConstantRate(PacingConfig{Rate: 100, Seed: 1}))

	require.NoError(t, h.engine.Start(ndn.ParseName("/missing"), nil))
	h.sim.RunFor(10 * time.Second)

	require.Len(t, h.results, 1)
	res := h.results[0]
	assert.Equal(t, StatusNotFound, res.Status)
	assert.Equal(t, 0, res.Chunks)
	assert.True(t, errors.Is(res.Err(), ErrNotFound))
}

func TestEngine_RetransmitsLostChunk(t *testing.T) {
	content := pattern(3000)
	p := newObjectProducer("/lossy", content, 500)
	p.drop = func(comp string, attempt int) bool { return comp == "2" && attempt == 1 }
	h := newHarness(t, p, Options{KeepContent: true}, NewConstantRate(PacingConfig{Rate: 100, Seed: 1}))

	require.NoError(t, h.engine.Start(ndn.ParseName("/lossy"), nil))
	h.sim.RunFor(30 * time.Second)

	require.Len(t, h.results, 1)
	res := h.results[0]
	assert.Equal(t, content, res.Content)
	assert.Equal(t, uint64(1), res.Stats.Timeouts)
	assert.Equal(t, uint64(1), res.Stats.Retransmitted)
	assert.Equal(t, 2, p.attempts["2"])
}

func TestEngine_ManifestTimeoutRerequests(t *testing.T) {
	p := newObjectProducer("/slowstart", pattern(10), 300)
	p.drop = func(comp string, attempt int) bool { return comp == ndn.ManifestComponent && attempt < 3 }
	h := newHarness(t, p, Options{KeepContent: true}, NewConstantRate(PacingConfig{Rate: 100, Seed: 1}))

	require.NoError(t, h.engine.Start(ndn.ParseName("/slowstart"), nil))
	h.sim.RunFor(30 * time.Second)

	require.Len(t, h.results, 1)
	assert.Equal(t, 3, p.attempts[ndn.ManifestComponent])
	assert.Equal(t, uint64(2), h.results[0].Stats.Timeouts)
	assert.Equal(t, pattern(10), h.results[0].Content)
}

func TestEngine_ConstantRateSpacing(t *testing.T) {
	p := newObjectProducer("/big", pattern(100*1000), 1000)
	p.drop = func(comp string, _ int) bool { return comp != ndn.ManifestComponent }
	h := newHarness(t, p, Options{}, NewConstantRate(PacingConfig{Rate: 10, Seed: 3}))

	require.NoError(t, h.engine.Start(ndn.ParseName("/big"), nil))
	h.sim.RunFor(3 * time.Second)

	var chunkSends []time.Time
	for _, s := range h.face.sends {
		if !s.name.IsManifest() {
			chunkSends = append(chunkSends, s.at)
		}
	}
	require.Greater(t, len(chunkSends), 20)
	for i := 1; i < len(chunkSends); i++ {
		gap := chunkSends[i].Sub(chunkSends[i-1])
		assert.GreaterOrEqual(t, gap, 97500*time.Microsecond)
		assert.LessOrEqual(t, gap, 102500*time.Microsecond)
	}
	assert.Empty(t, h.results)
	assert.Positive(t, h.engine.Stats().Timeouts)
}

func TestEngine_StartWindowSpeculates(t *testing.T) {
	content := pattern(2500)
	p := newObjectProducer("/seg", content, 1000)
	h := newHarness(t, p, Options{StartWindow: 10, KeepContent: true}, NewConstantRate(PacingConfig{Rate: 1000, Seed: 1}))

	require.NoError(t, h.engine.Start(ndn.ParseName("/seg"), nil))
	h.sim.RunFor(10 * time.Second)

	require.Len(t, h.results, 1)
	assert.Equal(t, content, h.results[0].Content)
	// chunks 0..2 exist; speculative requests beyond them go unanswered
	assert.Equal(t, 3, h.results[0].Chunks)
	assert.Equal(t, 1, p.attempts["0"])
}

func TestEngine_RefetchesEarlyChunkThatDoesNotFit(t *testing.T) {
	content := pattern(2500)
	p := newObjectProducer("/seg", content, 1000)
	// the manifest is lost once so every chunk lands before it
	p.drop = func(c string, attempt int) bool { return c == ndn.ManifestComponent && attempt == 1 }
	p.truncate = func(c string, attempt int) bool { return c == "1" && attempt == 1 }
	h := newHarness(t, p, Options{StartWindow: 3, KeepContent: true}, NewConstantRate(PacingConfig{Rate: 1000, Seed: 1}))

	require.NoError(t, h.engine.Start(ndn.ParseName("/seg"), nil))
	h.sim.RunFor(10 * time.Second)

	require.Len(t, h.results, 1)
	assert.Equal(t, StatusCompleted, h.results[0].Status)
	assert.Equal(t, content, h.results[0].Content)
	assert.Equal(t, 2, p.attempts["1"], "the short early chunk is requested again")
	assert.Equal(t, 1, p.attempts["0"])
}

func TestEngine_DecompressesGzipContent(t *testing.T) {
	plain := bytes.Repeat([]byte("<MPD>payload</MPD>"), 200)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(plain)
	zw.Close()

	p := newObjectProducer("/video.mpd", buf.Bytes(), 400)
	h := newHarness(t, p, Options{KeepContent: true, Decompress: true}, nil)
	require.NoError(t, h.engine.Start(ndn.ParseName("/video.mpd"), nil))
	h.sim.RunFor(10 * time.Second)

	require.Len(t, h.results, 1)
	assert.Equal(t, plain, h.results[0].Content)
	assert.Equal(t, int64(buf.Len()), h.results[0].Size, "size is the transferred size")
}

func TestEngine_SinkReceivesObjectOnce(t *testing.T) {
	content := pattern(1200)
	p := newObjectProducer("/file", content, 500)
	h := newHarness(t, p, Options{}, NewWindow(PacingConfig{Rate: 50, Seed: 1}))

	var writes [][]byte
	sink := SinkFunc(func(name ndn.Name, b []byte) error {
		assert.Equal(t, "/file", name.String())
		writes = append(writes, b)
		return nil
	})
	require.NoError(t, h.engine.Start(ndn.ParseName("/file"), sink))
	h.sim.RunFor(10 * time.Second)

	require.Len(t, writes, 1)
	assert.Equal(t, content, writes[0])
	require.Len(t, h.results, 1)
	assert.Nil(t, h.results[0].Content, "content is only returned with KeepContent")

	// a second finish attempt is a no-op
	h.engine.finish(StatusCompleted)
	assert.Len(t, h.results, 1)
}

func TestEngine_StopSuppressesCompletion(t *testing.T) {
	p := newObjectProducer("/abort", pattern(50_000), 1000)
	h := newHarness(t, p, Options{}, NewConstantRate(PacingConfig{Rate: 20, Seed: 1}))

	require.NoError(t, h.engine.Start(ndn.ParseName("/abort"), nil))
	h.sim.RunFor(200 * time.Millisecond)
	require.True(t, h.engine.Active())
	h.engine.Stop()
	sent := h.engine.Stats().Sent
	h.sim.RunFor(10 * time.Second)

	assert.Empty(t, h.results)
	assert.Equal(t, sent, h.engine.Stats().Sent, "no requests after stop")

	// the engine can be reused
	require.NoError(t, h.engine.Start(ndn.ParseName("/abort"), nil))
	assert.ErrorIs(t, h.engine.Start(ndn.ParseName("/other"), nil), ErrSessionActive)
}

func TestEngine_IgnoresForeignData(t *testing.T) {
	p := newObjectProducer("/mine", pattern(10), 300)
	h := newHarness(t, p, Options{}, nil)
	require.NoError(t, h.engine.Start(ndn.ParseName("/mine"), nil))

	request{e: h.engine, gen: h.engine.gen}.OnData(&ndn.Data{Name: ndn.ParseName("/other/0"), Content: []byte{1}})
	request{e: h.engine, gen: h.engine.gen}.OnData(&ndn.Data{Name: ndn.ParseName("/mine/0"), Content: []byte{1}})
	assert.Equal(t, uint64(0), h.engine.Stats().Received)
}
