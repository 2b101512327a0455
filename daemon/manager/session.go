package manager

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ndnstream/backend/daemon/transport"
)

// SessionState represents the state of a fetch session
type SessionState int

const (
	StatePending SessionState = iota + 1
	StateActive
	StateCompleted
	StateNotFound
	StateAborted
)

func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateCompleted:
		return "COMPLETED"
	case StateNotFound:
		return "NOT_FOUND"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// ParseSessionState is the inverse of String.
func ParseSessionState(s string) (SessionState, bool) {
	for st := StatePending; st <= StateAborted; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateNotFound || s == StateAborted
}

var validTransitions = map[SessionState][]SessionState{
	StatePending:   {StateActive, StateAborted},
	StateActive:    {StateCompleted, StateNotFound, StateAborted},
	StateCompleted: {},
	StateNotFound:  {},
	StateAborted:   {},
}

// Session records one object fetch
type Session struct {
	ID            string
	Name          string
	Size          int64
	Chunks        int
	State         SessionState
	Received      int
	Sent          uint64
	Timeouts      uint64
	Retransmitted uint64
	Bitrate       float64
	EstimatedRTT  time.Duration
	StartTime     time.Time
	UpdateTime    time.Time
	ErrorMessage  string
	Metadata      map[string]string

	mu sync.RWMutex
}

// NewSession creates a pending session for the named object
func NewSession(name string, now time.Time) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Name:       name,
		Size:       -1,
		State:      StatePending,
		StartTime:  now,
		UpdateTime: now,
		Metadata:   make(map[string]string),
	}
}

// SetSize records the object size once the manifest arrived.
func (s *Session) SetSize(size int64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Size = size
	s.UpdateTime = now
}

// UpdateProgress copies the transport counters into the session
func (s *Session) UpdateProgress(st transport.Stats, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Chunks = st.Chunks
	s.Received = st.ChunksReceived
	s.Sent = st.Sent
	s.Timeouts = st.Timeouts
	s.Retransmitted = st.Retransmitted
	s.EstimatedRTT = st.EstimatedRTT
	s.UpdateTime = now
}

// Finish applies a transport result and moves to the matching terminal state
func (s *Session) Finish(res transport.Result, now time.Time) error {
	s.UpdateProgress(res.Stats, now)
	s.mu.Lock()
	if res.Status == transport.StatusCompleted {
		s.Size = res.Size
		s.Chunks = res.Chunks
		s.Bitrate = res.Bitrate
	}
	s.mu.Unlock()

	msg := ""
	state := StateCompleted
	if err := res.Err(); err != nil {
		msg = err.Error()
	}
	if res.Status == transport.StatusNotFound {
		state = StateNotFound
	}
	return s.TransitionTo(state, msg, now)
}

// GetProgressPercent returns completion percentage
func (s *Session) GetProgressPercent() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.Chunks == 0 {
		return 0
	}
	return float64(s.Received) / float64(s.Chunks) * 100
}

// TransitionTo transitions the session to a new state
func (s *Session) TransitionTo(newState SessionState, errorMsg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	isValid := false
	for _, allowedState := range validTransitions[s.State] {
		if allowedState == newState {
			isValid = true
			break
		}
	}
	if !isValid {
		return ErrInvalidStateTransition
	}

	s.State = newState
	s.UpdateTime = now
	if errorMsg != "" {
		s.ErrorMessage = errorMsg
	}
	return nil
}

// GetState returns current state (thread-safe)
func (s *Session) GetState() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// Snapshot returns a copy safe to read without the lock.
func (s *Session) Snapshot() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta := make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		meta[k] = v
	}
	return &Session{
		ID:            s.ID,
		Name:          s.Name,
		Size:          s.Size,
		Chunks:        s.Chunks,
		State:         s.State,
		Received:      s.Received,
		Sent:          s.Sent,
		Timeouts:      s.Timeouts,
		Retransmitted: s.Retransmitted,
		Bitrate:       s.Bitrate,
		EstimatedRTT:  s.EstimatedRTT,
		StartTime:     s.StartTime,
		UpdateTime:    s.UpdateTime,
		ErrorMessage:  s.ErrorMessage,
		Metadata:      meta,
	}
}
