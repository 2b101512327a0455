package service

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ndnstream/backend/daemon/manager"
	"github.com/ndnstream/backend/daemon/player"
	"github.com/ndnstream/backend/daemon/transport"
	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/observability"
)

// EventType represents different event classifications
type EventType int

const (
	EventFetchStarted EventType = iota + 1
	EventManifest
	EventProgress
	EventFetchCompleted
	EventFetchNotFound
	EventSegmentPlayed
	EventStreamFailed
)

func (e EventType) String() string {
	switch e {
	case EventFetchStarted:
		return "FETCH_STARTED"
	case EventManifest:
		return "MANIFEST"
	case EventProgress:
		return "PROGRESS"
	case EventFetchCompleted:
		return "FETCH_COMPLETED"
	case EventFetchNotFound:
		return "FETCH_NOT_FOUND"
	case EventSegmentPlayed:
		return "SEGMENT_PLAYED"
	case EventStreamFailed:
		return "STREAM_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Event is one transport or playback event
type Event struct {
	SessionID       string
	Name            string
	EventType       EventType
	Timestamp       time.Time
	ProgressPercent float64
	Message         string
	Metadata        map[string]string
}

// EventSubscription represents an active event subscription
type EventSubscription struct {
	ID         string
	NameFilter string
	Channel    chan *Event
}

// EventPublisher observes engines and orchestrators. It keeps one session
// per fetched object, persists traces, and broadcasts events to subscribers.
type EventPublisher struct {
	subscriptions map[string]*EventSubscription
	mu            sync.RWMutex
	bufferSize    int

	sessions *manager.SessionStore
	traces   *manager.TraceStore
	log      *observability.Logger
	metrics  *observability.Metrics
}

// PublisherConfig wires the publisher's sinks. Traces and Metrics may be nil.
type PublisherConfig struct {
	BufferSize int
	Sessions   *manager.SessionStore
	Traces     *manager.TraceStore
	Logger     *observability.Logger
	Metrics    *observability.Metrics
}

var (
	_ transport.Observer = (*EventPublisher)(nil)
	_ player.Observer    = (*EventPublisher)(nil)
)

// NewEventPublisher creates a new event publisher
func NewEventPublisher(cfg PublisherConfig) *EventPublisher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.Sessions == nil {
		cfg.Sessions = manager.NewSessionStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	return &EventPublisher{
		subscriptions: make(map[string]*EventSubscription),
		bufferSize:    cfg.BufferSize,
		sessions:      cfg.Sessions,
		traces:        cfg.Traces,
		log:           cfg.Logger.WithComponent("events"),
		metrics:       cfg.Metrics,
	}
}

// Sessions returns the store the publisher records fetches in.
func (p *EventPublisher) Sessions() *manager.SessionStore { return p.sessions }

// Subscribe creates a new event subscription. An empty filter receives
// every event.
func (p *EventPublisher) Subscribe(nameFilter string) *EventSubscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &EventSubscription{
		ID:         uuid.NewString(),
		NameFilter: nameFilter,
		Channel:    make(chan *Event, p.bufferSize),
	}

	p.subscriptions[sub.ID] = sub
	return sub
}

// Unsubscribe removes an event subscription
func (p *EventPublisher) Unsubscribe(subscriptionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sub, exists := p.subscriptions[subscriptionID]; exists {
		close(sub.Channel)
		delete(p.subscriptions, subscriptionID)
	}
}

// Publish broadcasts an event to all matching subscribers
func (p *EventPublisher) Publish(event *Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, sub := range p.subscriptions {
		if sub.NameFilter != "" && sub.NameFilter != event.Name {
			continue
		}

		// Non-blocking send to prevent slow consumers from blocking
		select {
		case sub.Channel <- event:
		default:
		}
	}
}

// GetSubscriptionCount returns the number of active subscriptions
func (p *EventPublisher) GetSubscriptionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscriptions)
}

func (p *EventPublisher) persist(op string, err error) {
	p.metrics.RecordDatabaseOperation(op, err)
	if err != nil {
		p.log.Error(err, "failed to persist "+op)
	}
}

func (p *EventPublisher) session(name ndn.Name) *manager.Session {
	s, err := p.sessions.Latest(name.String())
	if err != nil {
		return nil
	}
	return s
}

// FetchStarted opens a session for the object.
func (p *EventPublisher) FetchStarted(name ndn.Name, at time.Time) {
	s := manager.NewSession(name.String(), at)
	if err := p.sessions.Add(s); err != nil {
		p.log.Error(err, "failed to add session")
		return
	}
	if err := s.TransitionTo(manager.StateActive, "", at); err != nil {
		p.log.Error(err, "failed to activate session")
	}
	p.Publish(&Event{
		SessionID: s.ID,
		Name:      name.String(),
		EventType: EventFetchStarted,
		Timestamp: at,
		Message:   "Fetch started",
	})
}

func (p *EventPublisher) ManifestReceived(name ndn.Name, size int64, at time.Time) {
	s := p.session(name)
	if s == nil {
		return
	}
	s.SetSize(size, at)
	p.Publish(&Event{
		SessionID: s.ID,
		Name:      name.String(),
		EventType: EventManifest,
		Timestamp: at,
		Metadata: map[string]string{
			"size": strconv.FormatInt(size, 10),
		},
	})
}

func (p *EventPublisher) TransportStats(name ndn.Name, st transport.Stats, at time.Time) {
	if p.traces != nil {
		p.persist("transport_stats", p.traces.RecordStats(name.String(), st, at))
	}
	s := p.session(name)
	if s == nil {
		return
	}
	s.UpdateProgress(st, at)
	p.Publish(&Event{
		SessionID:       s.ID,
		Name:            name.String(),
		EventType:       EventProgress,
		Timestamp:       at,
		ProgressPercent: s.GetProgressPercent(),
		Metadata: map[string]string{
			"timeouts": strconv.FormatUint(st.Timeouts, 10),
			"rtt_ms":   formatFloat(float64(st.EstimatedRTT) / float64(time.Millisecond)),
		},
	})
}

func (p *EventPublisher) FetchFinished(res transport.Result, at time.Time) {
	if p.traces != nil {
		p.persist("download", p.traces.RecordDownload(res, at))
	}
	s := p.session(res.Name)
	if s == nil {
		return
	}
	if err := s.Finish(res, at); err != nil {
		p.log.Error(err, "failed to finish session")
	}
	if p.traces != nil {
		p.persist("session", p.traces.SaveSession(s))
	}

	ev := &Event{
		SessionID:       s.ID,
		Name:            res.Name.String(),
		EventType:       EventFetchCompleted,
		Timestamp:       at,
		ProgressPercent: 100,
		Message:         "Fetch completed",
		Metadata: map[string]string{
			"size":         strconv.FormatInt(res.Size, 10),
			"bitrate_mbps": formatFloat(res.Bitrate / 1e6),
			"elapsed_ms":   strconv.FormatInt(res.Elapsed.Milliseconds(), 10),
		},
	}
	if res.Status == transport.StatusNotFound {
		ev.EventType = EventFetchNotFound
		ev.ProgressPercent = 0
		ev.Message = "Object not found"
		ev.Metadata = nil
	}
	p.Publish(ev)
}

// FetchAborted marks the session aborted. Aborts are not published.
func (p *EventPublisher) FetchAborted(name ndn.Name, st transport.Stats, at time.Time) {
	s := p.session(name)
	if s == nil {
		return
	}
	s.UpdateProgress(st, at)
	if err := s.TransitionTo(manager.StateAborted, "stopped", at); err != nil {
		p.log.Error(err, "failed to abort session")
	}
	if p.traces != nil {
		p.persist("session", p.traces.SaveSession(s))
	}
}

// SegmentPlayed records one playback event.
func (p *EventPublisher) SegmentPlayed(ev player.PlaybackEvent) {
	if p.traces != nil {
		p.persist("playback", p.traces.RecordPlayback(manager.PlaybackTrace{
			Stream:             ev.Stream.String(),
			Segment:            ev.Segment,
			Representation:     ev.Representation,
			ExperiencedBitrate: ev.ExperiencedBitrate,
			Stall:              ev.Stall,
			BufferLevel:        ev.BufferLevel,
			At:                 ev.At,
		}))
	}
	p.Publish(&Event{
		Name:      ev.Stream.String(),
		EventType: EventSegmentPlayed,
		Timestamp: ev.At,
		Metadata: map[string]string{
			"segment":        strconv.Itoa(ev.Segment),
			"representation": ev.Representation,
			"stall_ms":       strconv.FormatInt(ev.Stall.Milliseconds(), 10),
			"buffer_level":   formatFloat(ev.BufferLevel),
		},
	})
}

func (p *EventPublisher) StreamFailed(stream ndn.Name, err error) {
	p.Publish(&Event{
		Name:      stream.String(),
		EventType: EventStreamFailed,
		Timestamp: time.Now(),
		Message:   err.Error(),
	})
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%.2f", f)
}
