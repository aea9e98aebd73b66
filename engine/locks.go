package engine

import (
	"context"
	"sync"
)

// sessionLocks serializes turns per session id. Entries are reference
// counted and dropped when the last holder or waiter leaves.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// acquire blocks until the session is free or ctx ends. The returned func
// releases the session and must be called exactly once.
func (s *sessionLocks) acquire(ctx context.Context, sessionID string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.leave(sessionID, l)
		return nil, ctx.Err()
	case l.ch <- struct{}{}:
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			s.leave(sessionID, l)
		})
	}, nil
}

func (s *sessionLocks) leave(sessionID string, l *sessionLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, sessionID)
	}
}

// len returns the number of sessions with a holder or waiter.
func (s *sessionLocks) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
