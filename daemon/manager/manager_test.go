package manager

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndnstream/backend/daemon/transport"
	"github.com/ndnstream/backend/internal/chunker"
	"github.com/ndnstream/backend/internal/ndn"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSession_Transitions(t *testing.T) {
	s := NewSession("/video/seg1", t0)
	assert.Equal(t, StatePending, s.GetState())
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, int64(-1), s.Size)

	assert.ErrorIs(t, s.TransitionTo(StateCompleted, "", t0), ErrInvalidStateTransition)
	require.NoError(t, s.TransitionTo(StateActive, "", t0))

	s.UpdateProgress(transport.Stats{Chunks: 4, ChunksReceived: 1, Sent: 2}, t0.Add(time.Second))
	assert.InDelta(t, 25.0, s.GetProgressPercent(), 1e-9)

	require.NoError(t, s.Finish(transport.Result{
		Status:  transport.StatusCompleted,
		Size:    1000,
		Chunks:  4,
		Bitrate: 8000,
		Stats:   transport.Stats{Chunks: 4, ChunksReceived: 4},
	}, t0.Add(2*time.Second)))
	assert.Equal(t, StateCompleted, s.GetState())
	assert.Equal(t, int64(1000), s.Size)
	assert.InDelta(t, 100.0, s.GetProgressPercent(), 1e-9)
	assert.True(t, s.GetState().Terminal())

	assert.ErrorIs(t, s.TransitionTo(StateAborted, "", t0), ErrInvalidStateTransition)
}

func TestSession_FinishNotFound(t *testing.T) {
	s := NewSession("/missing", t0)
	require.NoError(t, s.TransitionTo(StateActive, "", t0))
	require.NoError(t, s.Finish(transport.Result{Name: ndn.ParseName("/missing"), Status: transport.StatusNotFound}, t0))
	assert.Equal(t, StateNotFound, s.GetState())
	assert.Contains(t, s.ErrorMessage, "/missing")

	st, ok := ParseSessionState("NOT_FOUND")
	assert.True(t, ok)
	assert.Equal(t, StateNotFound, st)
	_, ok = ParseSessionState("PAUSED")
	assert.False(t, ok)
}

func TestSessionStore(t *testing.T) {
	store := NewSessionStore()
	a := NewSession("/a", t0)
	b := NewSession("/a", t0.Add(time.Second))
	c := NewSession("/c", t0.Add(2*time.Second))
	for _, s := range []*Session{a, b, c} {
		require.NoError(t, store.Add(s))
	}
	assert.ErrorIs(t, store.Add(a), ErrSessionAlreadyExists)

	got, err := store.Latest("/a")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	_, err = store.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, c.TransitionTo(StateActive, "", t0))
	active := StateActive
	list, total := store.List(&active, 0, 0)
	assert.Equal(t, 1, total)
	assert.Equal(t, c.ID, list[0].ID)

	all, total := store.List(nil, 2, 0)
	assert.Equal(t, 3, total)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID, "oldest first")

	require.NoError(t, a.TransitionTo(StateAborted, "stopped", t0))
	assert.Equal(t, 1, store.CleanupOldSessions(time.Minute, t0.Add(time.Hour)))
	assert.Equal(t, 2, store.Count())

	require.NoError(t, store.Delete(b.ID))
	_, err = store.Latest("/a")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, store.Delete(b.ID), ErrSessionNotFound)
}

func openObjectStore(t *testing.T, now *time.Time) *ObjectStore {
	t.Helper()
	s, err := OpenObjectStore(filepath.Join(t.TempDir(), "objects.db"), ObjectStoreOptions{
		ChunkSize: 100,
		Now:       func() time.Time { return *now },
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestObjectStore_WriteGet(t *testing.T) {
	now := t0
	s := openObjectStore(t, &now)
	var sink transport.Sink = s
	require.NoError(t, s.Ping(context.Background()))

	content := bytes.Repeat([]byte("segment"), 50)
	name := ndn.ParseName("/video/repr_1_seg_0.264")
	require.NoError(t, sink.Write(name, content))

	got, err := s.Get(name)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	rec, err := s.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), rec.Size)
	assert.Len(t, rec.Digest, 64)
	assert.True(t, rec.StoredAt.Equal(t0))
	_, root, err := chunker.ObjectDigests(bytes.NewReader(content), 100)
	require.NoError(t, err)
	assert.Equal(t, root, rec.Root)

	_, err = s.Get(ndn.ParseName("/video/other"))
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.False(t, s.Has(ndn.ParseName("/video/other")))
}

func TestObjectStore_DedupAndGC(t *testing.T) {
	now := t0
	s := openObjectStore(t, &now)

	shared := []byte("same bytes")
	require.NoError(t, s.Write(ndn.ParseName("/a"), shared))
	require.NoError(t, s.Write(ndn.ParseName("/b"), shared))
	now = t0.Add(time.Hour)
	require.NoError(t, s.Write(ndn.ParseName("/c"), []byte("fresh")))

	recs, err := s.List()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, recs[0].Digest, recs[1].Digest)

	removed, err := s.GC(30 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.False(t, s.Has(ndn.ParseName("/a")))

	got, err := s.Get(ndn.ParseName("/c"))
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got)
}

func openTraceStore(t *testing.T) *TraceStore {
	t.Helper()
	ts, err := NewTraceStore(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })
	return ts
}

func TestTraceStore_Sessions(t *testing.T) {
	ts := openTraceStore(t)
	require.NoError(t, ts.Ping(context.Background()))

	s := NewSession("/video/manifest.mpd", t0)
	s.Metadata["strategy"] = "rate"
	require.NoError(t, s.TransitionTo(StateActive, "", t0.Add(time.Second)))
	require.NoError(t, ts.SaveSession(s))

	got, err := ts.LoadSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "/video/manifest.mpd", got.Name)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, "rate", got.Metadata["strategy"])
	assert.True(t, got.UpdateTime.Equal(t0.Add(time.Second)))

	_, err = ts.LoadSession("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTraceStore_DownloadsAndStats(t *testing.T) {
	ts := openTraceStore(t)
	name := ndn.ParseName("/video/seg")

	res := transport.Result{
		Name:    name,
		Status:  transport.StatusCompleted,
		Size:    4096,
		Chunks:  3,
		Bitrate: 1e6,
		Elapsed: 32 * time.Millisecond,
		Stats:   transport.Stats{Sent: 5, Timeouts: 1, Retransmitted: 1},
	}
	require.NoError(t, ts.RecordDownload(res, t0))
	require.NoError(t, ts.RecordStats(name.String(), transport.Stats{Sent: 2, EstimatedRTT: 12 * time.Millisecond}, t0))
	require.NoError(t, ts.RecordStats(name.String(), transport.Stats{Sent: 4}, t0.Add(time.Second)))

	downloads, err := ts.Downloads(name.String())
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	assert.Equal(t, "completed", downloads[0].Status)
	assert.Equal(t, 32*time.Millisecond, downloads[0].Elapsed)
	assert.Equal(t, uint64(1), downloads[0].Retransmitted)

	n, err := ts.StatsCount(name.String())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTraceStore_PlaybackSummary(t *testing.T) {
	ts := openTraceStore(t)
	trace := []PlaybackTrace{
		{Segment: 0, Representation: "1", ExperiencedBitrate: 1e6, Stall: 2 * time.Second},
		{Segment: 1, Representation: "1", ExperiencedBitrate: 2e6},
		{Segment: 2, Representation: "2", ExperiencedBitrate: 3e6, Stall: 300 * time.Millisecond},
		{Segment: 3},
	}
	for _, p := range trace {
		p.Stream = "/video/manifest.mpd"
		p.At = t0
		require.NoError(t, ts.RecordPlayback(p))
	}

	got, err := ts.Playback("/video/manifest.mpd")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, 300*time.Millisecond, got[2].Stall)

	sum, err := ts.Summarize("/video/manifest.mpd")
	require.NoError(t, err)
	assert.Equal(t, StreamSummary{
		Segments:     4,
		Played:       3,
		Stalls:       1,
		TotalStall:   300 * time.Millisecond,
		MeanBitrate:  2e6,
		SwitchCount:  1,
		StartupDelay: 2 * time.Second,
	}, sum)
}
