// Package checkpoint persists session state between turns.
//
// The engine loads the checkpoint at turn start and saves it only when the
// turn finished normally; cancelled and timed out turns are discarded.
// Stores return clones so callers never share state with the store.
package checkpoint

import (
	"context"
	"time"

	"github.com/hupe1980/careflow/core"
)

// Store persists core.State keyed by session id.
type Store interface {
	// Load returns the checkpointed state or core.ErrSessionNotFound.
	Load(ctx context.Context, sessionID string) (*core.State, error)
	// Save stores a snapshot of state under state.SessionID.
	Save(ctx context.Context, state *core.State) error
	// Delete removes a session. Deleting an unknown session is not an error.
	Delete(ctx context.Context, sessionID string) error
	// Prune removes sessions not updated within ttl and returns how many.
	Prune(ctx context.Context, ttl time.Duration) (int64, error)
	Close() error
}

// LoadOrNew returns the checkpointed state for sessionID or a fresh state
// when none exists.
func LoadOrNew(ctx context.Context, s Store, sessionID string) (*core.State, bool, error) {
	st, err := s.Load(ctx, sessionID)
	switch {
	case err == nil:
		return st, true, nil
	case core.CodeOf(err) == core.CodeSessionNotFound:
		return core.NewState(sessionID), false, nil
	default:
		return nil, false, err
	}
}
