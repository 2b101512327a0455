package manager

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionAlreadyExists   = errors.New("session already exists")
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// SessionStore manages in-memory session storage
type SessionStore struct {
	sessions map[string]*Session
	byName   map[string]string
	mu       sync.RWMutex
}

// NewSessionStore creates a new session store
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		byName:   make(map[string]string),
	}
}

// Add adds a new session to the store
func (s *SessionStore) Add(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return ErrSessionAlreadyExists
	}

	s.sessions[session.ID] = session
	s.byName[session.Name] = session.ID
	return nil
}

// Get retrieves a session by ID
func (s *SessionStore) Get(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Latest returns the most recently added session for an object name.
func (s *SessionStore) Latest(name string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, ErrSessionNotFound
	}
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Delete removes a session from the store
func (s *SessionStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return ErrSessionNotFound
	}
	s.forget(session)
	return nil
}

func (s *SessionStore) forget(session *Session) {
	delete(s.sessions, session.ID)
	if s.byName[session.Name] == session.ID {
		delete(s.byName, session.Name)
	}
}

// List returns sessions matching an optional state filter, oldest first
func (s *SessionStore) List(filterState *SessionState, limit, offset int) ([]*Session, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*Session
	for _, session := range s.sessions {
		if filterState != nil && session.GetState() != *filterState {
			continue
		}
		filtered = append(filtered, session)
	}
	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].StartTime.Equal(filtered[j].StartTime) {
			return filtered[i].StartTime.Before(filtered[j].StartTime)
		}
		return filtered[i].ID < filtered[j].ID
	})

	total := len(filtered)

	// Apply pagination
	if offset >= len(filtered) {
		return []*Session{}, total
	}

	end := offset + limit
	if end > len(filtered) || limit == 0 {
		end = len(filtered)
	}

	return filtered[offset:end], total
}

// CleanupOldSessions removes finished sessions last updated before now-maxAge
func (s *SessionStore) CleanupOldSessions(maxAge time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-maxAge)
	removed := 0

	for _, session := range s.sessions {
		snap := session.Snapshot()
		if snap.State.Terminal() && snap.UpdateTime.Before(cutoff) {
			s.forget(session)
			removed++
		}
	}

	return removed
}

// Count returns the total number of sessions
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
