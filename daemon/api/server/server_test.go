package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndnstream/backend/daemon/manager"
	"github.com/ndnstream/backend/daemon/player"
	"github.com/ndnstream/backend/daemon/producer"
	"github.com/ndnstream/backend/daemon/service"
	"github.com/ndnstream/backend/internal/clock"
	"github.com/ndnstream/backend/internal/media"
	"github.com/ndnstream/backend/internal/ndn"
)

type simRunner struct{ *clock.Sim }

func (r simRunner) Call(f func()) bool { f(); return true }

type fixture struct {
	sim     *clock.Sim
	pub     *service.EventPublisher
	api     *DaemonAPIServer
	handler http.Handler
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	sim := clock.NewSim(time.Unix(0, 0))

	mm, err := producer.NewMultimedia(producer.Options{Prefix: ndn.ParseName("/video"), MTU: 1500}, media.Content{
		SegmentDuration:  2,
		NumberOfSegments: 3,
		Representations: []media.RepresentationSpec{
			{ID: "1", Width: 1280, Height: 720, BitrateKbit: 400},
		},
	}, "")
	require.NoError(t, err)
	mux := producer.NewMux()
	mux.Register(ndn.ParseName("/video"), mm)
	mux.Register(ndn.ParseName("/files"), producer.NewSizeTable(producer.Options{Prefix: ndn.ParseName("/files"), MTU: 1500},
		map[string]int64{"a.bin": 20_000}))
	link := ndn.NewMemLink(sim, mux, ndn.LinkConfig{MTU: 1500, Bitrate: 20_000_000, Delay: 5 * time.Millisecond})

	dir := t.TempDir()
	objects, err := manager.OpenObjectStore(filepath.Join(dir, "objects.db"), manager.ObjectStoreOptions{Now: sim.Now})
	require.NoError(t, err)
	t.Cleanup(func() { objects.Close() })
	traces, err := manager.NewTraceStore(filepath.Join(dir, "traces.db"))
	require.NoError(t, err)
	t.Cleanup(func() { traces.Close() })

	pub := service.NewEventPublisher(service.PublisherConfig{BufferSize: 256, Traces: traces})
	streams := service.NewStreamService(simRunner{sim}, link, player.DefaultConfig(), pub)
	fetches := service.NewFetchService(simRunner{sim}, link, service.FetchConfig{Publisher: pub})
	api := NewDaemonAPIServer(streams, fetches, pub, objects, traces)
	handler, err := Handler(api, token)
	require.NoError(t, err)
	return &fixture{sim: sim, pub: pub, api: api, handler: handler}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestAPI_PlayStreamAndSummarize(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/v1/streams", PlayRequest{MPD: "/video/MyVideo.mpd"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[PlayResponse](t, rec).StreamID
	require.NotEmpty(t, id)

	f.sim.RunFor(time.Minute)

	rec = f.do(t, http.MethodGet, "/api/v1/streams/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[service.StreamStatus](t, rec)
	assert.Equal(t, "finished", st.State)

	rec = f.do(t, http.MethodGet, "/api/v1/streams", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListStreamsResponse](t, rec).Streams, 1)

	rec = f.do(t, http.MethodGet, "/api/v1/traces/summary?stream=/video/MyVideo.mpd", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[StreamSummaryJSON](t, rec)
	assert.Equal(t, 3, sum.Played)
	assert.GreaterOrEqual(t, sum.StartupDelayMS, int64(2000))

	rec = f.do(t, http.MethodGet, "/api/v1/sessions?state=COMPLETED&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decode[ListSessionsResponse](t, rec)
	assert.Equal(t, 4, sessions.TotalCount)
	assert.Len(t, sessions.Sessions, 2)
	assert.True(t, sessions.HasMore)

	rec = f.do(t, http.MethodDelete, "/api/v1/streams/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/v1/streams/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_FetchIntoObjectStore(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/v1/fetches", FetchRequest{Name: "/files/a.bin"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[FetchResponse](t, rec).SessionID

	rec = f.do(t, http.MethodGet, "/api/v1/fetches/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[FetchStatusResponse](t, rec).Done)

	f.sim.RunFor(10 * time.Second)

	rec = f.do(t, http.MethodGet, "/api/v1/fetches/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[FetchStatusResponse](t, rec)
	assert.True(t, status.Done)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, int64(20_000), status.Size)

	rec = f.do(t, http.MethodGet, "/api/v1/objects", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	objects := decode[[]ObjectJSON](t, rec)
	require.Len(t, objects, 1)
	assert.Equal(t, "/files/a.bin", objects[0].Name)
	assert.Equal(t, int64(20_000), objects[0].Size)
}

func TestAPI_RejectsBadRequests(t *testing.T) {
	f := newFixture(t, "")

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/streams", PlayRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/streams",
		PlayRequest{MPD: "/video/MyVideo.mpd", Strategy: "nope"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/fetches", FetchRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/fetches", FetchRequest{Name: "files//a.bin"}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/fetches/missing", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/sessions?state=PAUSED", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/traces/summary", nil).Code)

	rec := f.do(t, http.MethodGet, "/api/v1/nothing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[JSONError](t, rec).Code, "routing errors share the JSON error model")
}

func TestAPI_MissingStoresArePreconditionFailures(t *testing.T) {
	sim := clock.NewSim(time.Unix(0, 0))
	link := ndn.NewMemLink(sim, ndn.ProducerFunc(func(*ndn.Interest) (*ndn.Data, bool) { return nil, false }), ndn.LinkConfig{MTU: 1500})
	pub := service.NewEventPublisher(service.PublisherConfig{BufferSize: 16})
	api := NewDaemonAPIServer(
		service.NewStreamService(simRunner{sim}, link, player.DefaultConfig(), pub),
		service.NewFetchService(simRunner{sim}, link, service.FetchConfig{Publisher: pub}),
		pub, nil, nil)
	f := &fixture{sim: sim, pub: pub}
	var err error
	f.handler, err = Handler(api, "")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/fetches", FetchRequest{Name: "/files/a.bin"})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "FAILED_PRECONDITION", decode[JSONError](t, rec).Code)
	rec = f.do(t, http.MethodGet, "/api/v1/traces/summary?stream=/video/MyVideo.mpd", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestAPI_AuthToken(t *testing.T) {
	f := newFixture(t, "secret")

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/streams", nil).Code)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams", nil)
	req.Header.Set("X-Auth-Token", "secret")
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSSEHandler_StreamsMatchingEvents(t *testing.T) {
	f := newFixture(t, "")
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/events?name=/files/a.bin")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	f.pub.Publish(&service.Event{Name: "/other", EventType: service.EventFetchStarted, Timestamp: time.Unix(1, 0)})
	f.pub.Publish(&service.Event{
		SessionID: "s1",
		Name:      "/files/a.bin",
		EventType: service.EventFetchCompleted,
		Timestamp: time.Unix(2, 0),
		Message:   `quoted "message"`,
	})

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var ev EventJSON
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "FETCH_COMPLETED", ev.EventType)
	assert.Equal(t, int64(2000), ev.Timestamp)
	assert.Equal(t, `quoted "message"`, ev.Message)
}
