package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/ndnstream/backend/daemon/manager"
	"github.com/ndnstream/backend/daemon/service"
	"github.com/ndnstream/backend/daemon/transport"
	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/validation"
)

// HTTP contract types

type (
	PlayRequest struct {
		MPD      string `json:"mpd"`
		Strategy string `json:"strategy"`
	}
	PlayResponse struct {
		StreamID string `json:"stream_id"`
	}
	ListStreamsResponse struct {
		Streams []service.StreamStatus `json:"streams"`
	}

	FetchRequest struct {
		Name string `json:"name"`
		// OutputPath writes the object to disk instead of the object store.
		OutputPath string `json:"output_path"`
	}
	FetchResponse struct {
		SessionID string `json:"session_id"`
	}
	FetchStatusResponse struct {
		SessionID   string  `json:"session_id"`
		Done        bool    `json:"done"`
		Status      string  `json:"status,omitempty"`
		Size        int64   `json:"size,omitempty"`
		BitrateMbps float64 `json:"bitrate_mbps,omitempty"`
		ElapsedMS   int64   `json:"elapsed_ms,omitempty"`
	}

	SessionSummary struct {
		SessionID       string  `json:"session_id"`
		Name            string  `json:"name"`
		State           string  `json:"state"`
		ProgressPercent float64 `json:"progress_percent"`
		Size            int64   `json:"size"`
		Timeouts        uint64  `json:"timeouts"`
		RttMs           float64 `json:"rtt_ms,omitempty"`
		StartTime       int64   `json:"start_time"`
		ErrorMessage    string  `json:"error_message,omitempty"`
	}
	ListSessionsResponse struct {
		Sessions   []*SessionSummary `json:"sessions"`
		TotalCount int               `json:"total_count"`
		HasMore    bool              `json:"has_more"`
	}

	ObjectJSON struct {
		Name       string `json:"name"`
		Size       int64  `json:"size"`
		Digest     string `json:"digest"`
		StoredAtMS int64  `json:"stored_at"`
	}

	StreamSummaryJSON struct {
		Stream         string  `json:"stream"`
		Segments       int     `json:"segments"`
		Played         int     `json:"played"`
		Stalls         int     `json:"stalls"`
		TotalStallMS   int64   `json:"total_stall_ms"`
		MeanBitrate    float64 `json:"mean_bitrate"`
		SwitchCount    int     `json:"switch_count"`
		StartupDelayMS int64   `json:"startup_delay_ms"`
	}

	EventJSON struct {
		SessionID       string            `json:"session_id,omitempty"`
		Name            string            `json:"name"`
		EventType       string            `json:"event_type"`
		Timestamp       int64             `json:"timestamp"`
		ProgressPercent float64           `json:"progress_percent"`
		Message         string            `json:"message,omitempty"`
		Metadata        map[string]string `json:"metadata,omitempty"`
	}
)

// DaemonAPIServer wires services to HTTP handlers. Objects and Traces may
// be nil.
type DaemonAPIServer struct {
	streams *service.StreamService
	fetches *service.FetchService
	events  *service.EventPublisher
	objects *manager.ObjectStore
	traces  *manager.TraceStore
}

func NewDaemonAPIServer(streams *service.StreamService, fetches *service.FetchService, events *service.EventPublisher, objects *manager.ObjectStore, traces *manager.TraceStore) *DaemonAPIServer {
	return &DaemonAPIServer{streams: streams, fetches: fetches, events: events, objects: objects, traces: traces}
}

// RegisterGateway registers the REST routes on the gateway mux.
func (s *DaemonAPIServer) RegisterGateway(gw *runtime.ServeMux) error {
	routes := []struct {
		method, pattern string
		h               http.HandlerFunc
	}{
		{http.MethodPost, "/api/v1/streams", s.handlePlay},
		{http.MethodGet, "/api/v1/streams", s.handleListStreams},
		{http.MethodGet, "/api/v1/streams/{id}", s.handleStreamStatus},
		{http.MethodDelete, "/api/v1/streams/{id}", s.handleStopStream},
		{http.MethodPost, "/api/v1/fetches", s.handleFetch},
		{http.MethodGet, "/api/v1/fetches/{id}", s.handleFetchStatus},
		{http.MethodDelete, "/api/v1/fetches/{id}", s.handleCancelFetch},
		{http.MethodGet, "/api/v1/sessions", s.handleListSessions},
		{http.MethodGet, "/api/v1/objects", s.handleListObjects},
		{http.MethodGet, "/api/v1/traces/summary", s.handleTraceSummary},
		{http.MethodGet, "/api/v1/events", SSEHandler(s.events)},
	}
	for _, rt := range routes {
		if err := gw.HandlePath(rt.method, rt.pattern, withPathParams(rt.h)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// withPathParams exposes gateway path parameters through r.PathValue.
func withPathParams(h http.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		for k, v := range params {
			r.SetPathValue(k, v)
		}
		h(w, r)
	}
}

func (s *DaemonAPIServer) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req PlayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MPD == "" {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "body must name an mpd")
		return
	}
	if err := validation.ValidateName(req.MPD); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	id, err := s.streams.Play(ndn.ParseName(req.MPD), req.Strategy)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &PlayResponse{StreamID: id})
}

func (s *DaemonAPIServer) handleListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &ListStreamsResponse{Streams: s.streams.List()})
}

func (s *DaemonAPIServer) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.streams.Status(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *DaemonAPIServer) handleStopStream(w http.ResponseWriter, r *http.Request) {
	if err := s.streams.Stop(r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *DaemonAPIServer) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "body must name an object")
		return
	}
	if err := validation.ValidateName(req.Name); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	var sink transport.Sink
	switch {
	case req.OutputPath != "":
		sink = transport.FileSink{Path: req.OutputPath}
	case s.objects != nil:
		sink = s.objects
	default:
		writeJSONError(w, http.StatusPreconditionFailed, "FAILED_PRECONDITION", "no object store configured")
		return
	}
	id, err := s.fetches.Fetch(ndn.ParseName(req.Name), sink)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &FetchResponse{SessionID: id})
}

func (s *DaemonAPIServer) handleFetchStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, done, err := s.fetches.Result(id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	resp := &FetchStatusResponse{SessionID: id, Done: done}
	if done {
		resp.Status = res.Status.String()
		resp.Size = res.Size
		resp.BitrateMbps = res.Bitrate / 1e6
		resp.ElapsedMS = res.Elapsed.Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *DaemonAPIServer) handleCancelFetch(w http.ResponseWriter, r *http.Request) {
	if err := s.fetches.Cancel(r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *DaemonAPIServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter *manager.SessionState
	if v := q.Get("state"); v != "" {
		st, ok := manager.ParseSessionState(v)
		if !ok {
			writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown state "+v)
			return
		}
		filter = &st
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	sessions, total := s.events.Sessions().List(filter, limit, offset)
	resp := &ListSessionsResponse{Sessions: make([]*SessionSummary, 0, len(sessions)), TotalCount: total}
	for _, se := range sessions {
		snap := se.Snapshot()
		resp.Sessions = append(resp.Sessions, &SessionSummary{
			SessionID:       snap.ID,
			Name:            snap.Name,
			State:           snap.State.String(),
			ProgressPercent: snap.GetProgressPercent(),
			Size:            snap.Size,
			Timeouts:        snap.Timeouts,
			RttMs:           float64(snap.EstimatedRTT.Microseconds()) / 1000,
			StartTime:       snap.StartTime.UnixMilli(),
			ErrorMessage:    snap.ErrorMessage,
		})
	}
	resp.HasMore = offset+len(resp.Sessions) < total
	writeJSON(w, http.StatusOK, resp)
}

func (s *DaemonAPIServer) handleListObjects(w http.ResponseWriter, r *http.Request) {
	if s.objects == nil {
		writeJSON(w, http.StatusOK, []ObjectJSON{})
		return
	}
	recs, err := s.objects.List()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	out := make([]ObjectJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ObjectJSON{Name: rec.Name, Size: rec.Size, Digest: rec.Digest, StoredAtMS: rec.StoredAt.UnixMilli()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *DaemonAPIServer) handleTraceSummary(w http.ResponseWriter, r *http.Request) {
	stream := r.URL.Query().Get("stream")
	if stream == "" {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "stream is required")
		return
	}
	if s.traces == nil {
		writeJSONError(w, http.StatusPreconditionFailed, "FAILED_PRECONDITION", "no trace store configured")
		return
	}
	sum, err := s.traces.Summarize(stream)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &StreamSummaryJSON{
		Stream:         stream,
		Segments:       sum.Segments,
		Played:         sum.Played,
		Stalls:         sum.Stalls,
		TotalStallMS:   sum.TotalStall.Milliseconds(),
		MeanBitrate:    sum.MeanBitrate,
		SwitchCount:    sum.SwitchCount,
		StartupDelayMS: sum.StartupDelay.Milliseconds(),
	})
}

// SSEHandler streams events as server-sent events. The name query
// parameter filters by object or stream name.
func SSEHandler(events *service.EventPublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		sub := events.Subscribe(r.URL.Query().Get("name"))
		defer events.Unsubscribe(sub.ID)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Channel:
				if !ok {
					return
				}
				line, err := json.Marshal(toEventJSON(ev))
				if err != nil {
					continue
				}
				_, _ = w.Write([]byte("data: "))
				_, _ = w.Write(line)
				_, _ = w.Write([]byte("\n\n"))
				flusher.Flush()
			}
		}
	}
}

func toEventJSON(ev *service.Event) *EventJSON {
	return &EventJSON{
		SessionID:       ev.SessionID,
		Name:            ev.Name,
		EventType:       ev.EventType.String(),
		Timestamp:       ev.Timestamp.UnixMilli(),
		ProgressPercent: ev.ProgressPercent,
		Message:         ev.Message,
		Metadata:        ev.Metadata,
	}
}

// JSON helpers

type JSONError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, JSONError{Code: code, Message: msg})
}

var errUnauthorized = errors.New("unauthorized")
