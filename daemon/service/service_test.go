package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndnstream/backend/daemon/manager"
	"github.com/ndnstream/backend/daemon/player"
	"github.com/ndnstream/backend/daemon/producer"
	"github.com/ndnstream/backend/daemon/transport"
	"github.com/ndnstream/backend/internal/clock"
	"github.com/ndnstream/backend/internal/media"
	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/observability"
)

type simRunner struct{ *clock.Sim }

func (r simRunner) Call(f func()) bool { f(); return true }

func newFixture(t *testing.T) (*clock.Sim, *producer.Multimedia, *EventPublisher, *manager.TraceStore, *StreamService) {
	t.Helper()
	mm, err := producer.NewMultimedia(producer.Options{Prefix: ndn.ParseName("/video"), MTU: 1500}, media.Content{
		SegmentDuration:  2,
		NumberOfSegments: 4,
		Representations: []media.RepresentationSpec{
			{ID: "1", Width: 1280, Height: 720, BitrateKbit: 500},
		},
	}, "")
	require.NoError(t, err)

	traces, err := manager.NewTraceStore(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { traces.Close() })

	sim := clock.NewSim(time.Unix(0, 0))
	link := ndn.NewMemLink(sim, mm, ndn.LinkConfig{MTU: 1500, Bitrate: 20_000_000, Delay: 5 * time.Millisecond})
	pub := NewEventPublisher(PublisherConfig{
		BufferSize: 1024,
		Traces:     traces,
		Metrics:    observability.NewMetrics(),
	})
	svc := NewStreamService(simRunner{sim}, link, player.DefaultConfig(), pub)
	return sim, mm, pub, traces, svc
}

func TestStreamService_PlaysAndRecords(t *testing.T) {
	sim, mm, pub, traces, svc := newFixture(t)
	sub := pub.Subscribe(mm.MPDName().String())

	id, err := svc.Play(mm.MPDName(), "")
	require.NoError(t, err)
	sim.RunFor(time.Minute)

	st, err := svc.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "finished", st.State)
	assert.Equal(t, "always-lowest", st.Strategy)
	assert.Empty(t, st.Error)

	var types []EventType
	for len(sub.Channel) > 0 {
		types = append(types, (<-sub.Channel).EventType)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, EventFetchStarted, types[0])
	assert.Contains(t, types, EventFetchCompleted)
	assert.Contains(t, types, EventSegmentPlayed)

	sum, err := traces.Summarize(mm.MPDName().String())
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Segments)
	assert.Equal(t, 4, sum.Played)
	assert.GreaterOrEqual(t, sum.StartupDelay, 2*time.Second)

	// description plus four segments
	completed := manager.StateCompleted
	_, total := pub.Sessions().List(&completed, 0, 0)
	assert.Equal(t, 5, total)

	mpdSession, err := pub.Sessions().Latest(mm.MPDName().String())
	require.NoError(t, err)
	stored, err := traces.LoadSession(mpdSession.ID)
	require.NoError(t, err)
	assert.Equal(t, manager.StateCompleted, stored.State)

	downloads, err := traces.Downloads(mm.MPDName().String())
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	assert.Equal(t, "completed", downloads[0].Status)

	require.NoError(t, svc.Stop(id))
	_, err = svc.Status(id)
	assert.ErrorIs(t, err, ErrStreamNotFound)
	pub.Unsubscribe(sub.ID)
	assert.Zero(t, pub.GetSubscriptionCount())
}

func TestStreamService_FailedStreamIsUnhealthy(t *testing.T) {
	sim, _, pub, _, svc := newFixture(t)
	sub := pub.Subscribe("")

	id, err := svc.Play(ndn.ParseName("/video/none.mpd"), "rate")
	require.NoError(t, err)
	sim.RunFor(10 * time.Second)

	st, err := svc.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "failed", st.State)
	assert.Contains(t, st.Error, "not found")

	health := svc.HealthCheck(id)(context.Background())
	assert.Equal(t, observability.HealthStatusUnhealthy, health.Status)

	var sawNotFound, sawFailed bool
	for len(sub.Channel) > 0 {
		switch (<-sub.Channel).EventType {
		case EventFetchNotFound:
			sawNotFound = true
		case EventStreamFailed:
			sawFailed = true
		}
	}
	assert.True(t, sawNotFound)
	assert.True(t, sawFailed)

	s, err := pub.Sessions().Latest("/video/none.mpd")
	require.NoError(t, err)
	assert.Equal(t, manager.StateNotFound, s.GetState())
}

func TestEventPublisher_AbortedFetch(t *testing.T) {
	pub := NewEventPublisher(PublisherConfig{})
	name := ndn.ParseName("/video/seg")
	at := time.Unix(100, 0)

	pub.FetchStarted(name, at)
	pub.ManifestReceived(name, 5000, at)
	pub.TransportStats(name, transport.Stats{Chunks: 4, ChunksReceived: 2}, at)
	pub.FetchAborted(name, transport.Stats{Chunks: 4, ChunksReceived: 3}, at.Add(time.Second))

	s, err := pub.Sessions().Latest(name.String())
	require.NoError(t, err)
	assert.Equal(t, manager.StateAborted, s.GetState())
	assert.Equal(t, int64(5000), s.Size)
	assert.InDelta(t, 75.0, s.GetProgressPercent(), 1e-9)

	// events for unknown objects are ignored
	pub.FetchFinished(transport.Result{Name: ndn.ParseName("/other")}, at)
	_, err = pub.Sessions().Latest("/other")
	assert.True(t, errors.Is(err, manager.ErrSessionNotFound))
}
