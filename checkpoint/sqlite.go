package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/logging"
)

// SQLiteOptions configure a SQLiteStore.
type SQLiteOptions struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	Logger         logging.Logger
}

// SQLiteStore persists state snapshots as JSON rows in SQLite.
type SQLiteStore struct {
	db     *sql.DB
	opts   SQLiteOptions
	logger logging.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, optFns ...func(o *SQLiteOptions)) (*SQLiteStore, error) {
	opts := SQLiteOptions{MaxRetries: 3, RetryBaseDelay: 50 * time.Millisecond}
	for _, fn := range optFns {
		fn(&opts)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, opts: opts, logger: logging.OrNoOp(opts.Logger)}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		session_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		current_agent TEXT,
		triage_code TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON checkpoints(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Load returns the stored state or core.ErrSessionNotFound.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*core.State, error) {
	row := s.db.QueryRowContext(ctx, `SELECT state_json FROM checkpoints WHERE session_id = ?`, sessionID)

	var raw string
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}

	var st core.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", sessionID, err)
	}
	if st.Messages == nil {
		st.Messages = []core.Message{}
	}

	return &st, nil
}

// Save upserts a snapshot of state.
func (s *SQLiteStore) Save(ctx context.Context, state *core.State) error {
	if state == nil || state.SessionID == "" {
		return fmt.Errorf("checkpoint: state without session id")
	}

	snap := state.Clone()
	snap.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	query := `
		INSERT INTO checkpoints (session_id, state_json, current_agent, triage_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state_json = excluded.state_json,
			current_agent = excluded.current_agent,
			triage_code = excluded.triage_code,
			updated_at = excluded.updated_at`

	now := snap.UpdatedAt.Unix()

	return s.retry(ctx, "save", snap.SessionID, func() error {
		_, err := s.db.ExecContext(ctx, query,
			snap.SessionID, string(raw), nullable(string(snap.CurrentAgent)), nullable(string(snap.TriageCode)),
			now, now,
		)
		if err != nil {
			return fmt.Errorf("upsert checkpoint: %w", err)
		}
		return nil
	})
}

// Delete removes a session.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	return s.retry(ctx, "delete", sessionID, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete checkpoint: %w", err)
		}
		return nil
	})
}

// Prune removes sessions not updated within ttl.
func (s *SQLiteStore) Prune(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()

	result, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}

	return result.RowsAffected()
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// retry runs fn, backing off exponentially on SQLITE_BUSY and locked errors.
func (s *SQLiteStore) retry(ctx context.Context, op, sessionID string, fn func() error) error {
	var err error
	for i := 0; i <= s.opts.MaxRetries; i++ {
		err = fn()
		if err == nil || !IsConflictError(err) || i == s.opts.MaxRetries {
			break
		}

		delay := s.opts.RetryBaseDelay * time.Duration(1<<i)
		s.logger.Debug("checkpoint.sqlite.busy", "op", op, "session_id", sessionID, "attempt", i+1, "delay", delay.String())

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

// IsConflictError reports SQLite concurrency errors that warrant a retry.
func IsConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
