package service

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ndnstream/backend/daemon/player"
	"github.com/ndnstream/backend/internal/clock"
	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/observability"
)

var ErrStreamNotFound = errors.New("stream not found")

// Runner is the event loop streams run on. Call runs f on the loop and
// waits for it.
type Runner interface {
	clock.Clock
	Call(f func()) bool
}

// StreamStatus is a point-in-time view of one stream.
type StreamStatus struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	State       string  `json:"state"`
	Strategy    string  `json:"strategy"`
	Stalled     bool    `json:"stalled"`
	Layered     bool    `json:"layered"`
	BufferLevel float64 `json:"buffer_level"`
	Error       string  `json:"error,omitempty"`
}

type stream struct {
	id   string
	orch *player.Orchestrator
	cfg  player.Config
}

// StreamService plays streams on one loop, all sharing a face and reporting
// to one publisher.
type StreamService struct {
	loop      Runner
	face      ndn.Face
	base      player.Config
	publisher *EventPublisher
	log       *observability.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// NewStreamService creates a service. base supplies everything but the
// clock, face, stream name and observers.
func NewStreamService(loop Runner, face ndn.Face, base player.Config, publisher *EventPublisher) *StreamService {
	log := base.Logger
	if log == nil {
		log = observability.NopLogger()
	}
	return &StreamService{
		loop:      loop,
		face:      face,
		base:      base,
		publisher: publisher,
		log:       log.WithComponent("streams"),
		streams:   make(map[string]*stream),
	}
}

// Play starts streaming the description at mpd. An empty strategy keeps the
// configured default.
func (s *StreamService) Play(mpd ndn.Name, strategy string) (string, error) {
	cfg := s.base
	cfg.Clock = s.loop
	cfg.Face = s.face
	cfg.MPDName = mpd
	if strategy != "" {
		cfg.Strategy = strategy
	}
	if s.publisher != nil {
		cfg.Observer = s.publisher
		cfg.TransportObserver = s.publisher
	}
	orch, err := player.NewOrchestrator(cfg)
	if err != nil {
		return "", err
	}

	st := &stream{id: uuid.NewString(), orch: orch, cfg: cfg}
	var startErr error
	if !s.loop.Call(func() { startErr = orch.Start() }) {
		return "", errors.New("event loop stopped")
	}
	if startErr != nil {
		return "", startErr
	}

	s.mu.Lock()
	s.streams[st.id] = st
	s.mu.Unlock()
	s.log.Info("stream " + st.id + " playing " + mpd.String() + " with " + cfg.Strategy)
	return st.id, nil
}

func (s *StreamService) get(id string) (*stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return nil, ErrStreamNotFound
	}
	return st, nil
}

// Stop stops a stream and forgets it.
func (s *StreamService) Stop(id string) error {
	st, err := s.get(id)
	if err != nil {
		return err
	}
	s.loop.Call(st.orch.Stop)

	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
	return nil
}

// StopAll stops every stream.
func (s *StreamService) StopAll() {
	for _, st := range s.List() {
		_ = s.Stop(st.ID)
	}
}

func (s *StreamService) status(st *stream) StreamStatus {
	out := StreamStatus{ID: st.id, Name: st.cfg.MPDName.String(), Strategy: st.cfg.Strategy}
	s.loop.Call(func() {
		out.State = st.orch.State().String()
		out.Stalled = st.orch.Stalled()
		out.Layered = st.orch.Layered()
		if p := st.orch.Player(); p != nil {
			out.BufferLevel = p.BufferedSeconds()
		}
		if err := st.orch.Err(); err != nil {
			out.Error = err.Error()
		}
	})
	return out
}

// Status reports one stream.
func (s *StreamService) Status(id string) (StreamStatus, error) {
	st, err := s.get(id)
	if err != nil {
		return StreamStatus{}, err
	}
	return s.status(st), nil
}

// List reports every stream ordered by id.
func (s *StreamService) List() []StreamStatus {
	s.mu.Lock()
	all := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		all = append(all, st)
	}
	s.mu.Unlock()

	out := make([]StreamStatus, 0, len(all))
	for _, st := range all {
		out = append(out, s.status(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthCheck reports the stream as a health component.
func (s *StreamService) HealthCheck(id string) observability.HealthCheckFunc {
	return observability.StreamCheck(func() (string, bool, bool) {
		st, err := s.Status(id)
		if err != nil {
			return id, false, true
		}
		return st.Name, st.Stalled, st.State == player.StateFailed.String()
	})
}
