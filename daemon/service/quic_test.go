package service

import (
	"context"
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
	"github.com/ndnstream/backend/internal/quicutil"
)

// Plays a stream in wall-clock time against a producer behind a real QUIC
// listener, the way the daemon runs.
func TestStreamService_PlaysOverQUIC(t *testing.T) {
	if testing.Short() {
		t.Skip("opens a UDP socket and plays in real time")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mm, err := producer.NewMultimedia(producer.Options{Prefix: ndn.ParseName("/video"), MTU: 1400, Freshness: time.Second}, media.Content{
		SegmentDuration:  1,
		NumberOfSegments: 3,
		Representations: []media.RepresentationSpec{
			{ID: "low", Width: 640, Height: 360, BitrateKbit: 200},
			{ID: "high", Width: 1280, Height: 720, BitrateKbit: 800},
		},
	}, "")
	require.NoError(t, err)

	serverTLS, err := quicutil.DevServerTLSConfig()
	require.NoError(t, err)
	ln, err := transport.ListenQUIC("127.0.0.1:0", serverTLS)
	require.NoError(t, err)
	defer ln.Close()
	go transport.ServeQUIC(ctx, ln, mm, transport.ServerOptions{})

	loop := clock.NewLoop(64)
	go loop.Run(ctx)
	defer loop.Close()

	face, err := transport.DialQUICFace(ctx, ln.Addr().String(), quicutil.MakeClientTLSConfig(), loop,
		transport.FaceOptions{MTU: 1400, Bitrate: 100_000_000})
	require.NoError(t, err)
	defer face.Close()

	pc := player.DefaultConfig()
	pc.StartupDelay = 200 * time.Millisecond
	pub := NewEventPublisher(PublisherConfig{BufferSize: 256})
	streams := NewStreamService(loop, face, pc, pub)
	fetches := NewFetchService(loop, face, FetchConfig{Publisher: pub})

	id, err := streams.Play(mm.MPDName(), "rate")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := streams.Status(id)
		return err == nil && st.State == player.StateFinished.String()
	}, 20*time.Second, 50*time.Millisecond)

	st, err := streams.Status(id)
	require.NoError(t, err)
	assert.Empty(t, st.Error)

	// description plus three segments
	completed := manager.StateCompleted
	_, total := pub.Sessions().List(&completed, 0, 0)
	assert.GreaterOrEqual(t, total, 4)

	// a plain fetch shares the face with the finished stream
	fid, err := fetches.Fetch(mm.MPDName(), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, done, _ := fetches.Result(fid)
		return done
	}, 10*time.Second, 20*time.Millisecond)
	res, _, err := fetches.Result(fid)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusCompleted, res.Status)
	assert.Positive(t, res.Size)

	streams.StopAll()
	assert.Empty(t, streams.List())
}
