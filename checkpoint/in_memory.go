package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/careflow/core"
)

// InMemoryStore is a volatile Store keeping snapshots in a process local
// map. It is safe for concurrent access and suited for tests and single
// instance deployments.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.State
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*core.State)}
}

// Load returns a clone of the stored state.
func (s *InMemoryStore) Load(_ context.Context, sessionID string) (*core.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
	}

	return st.Clone(), nil
}

// Save stores a clone of state.
func (s *InMemoryStore) Save(ctx context.Context, state *core.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state == nil || state.SessionID == "" {
		return fmt.Errorf("checkpoint: state without session id")
	}

	snap := state.Clone()
	snap.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[state.SessionID] = snap

	return nil
}

// Delete removes a session.
func (s *InMemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)

	return nil
}

// Prune removes sessions not updated within ttl.
func (s *InMemoryStore) Prune(_ context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, st := range s.sessions {
		if st.UpdatedAt.Before(threshold) {
			delete(s.sessions, id)
			n++
		}
	}

	return n, nil
}

// Len returns the number of stored sessions.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close implements Store.
func (s *InMemoryStore) Close() error { return nil }
