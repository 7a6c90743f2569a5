// Package store provides the durable record of runs and sessions, and the
// source of truth for crash recovery.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentq/agentq/internal/run"
)

// ErrUnavailable is returned when the backing database cannot serve a request.
var ErrUnavailable = errors.New("store unavailable")

// InterruptedError is recorded on runs found RUNNING at startup. They have no
// live executor and cannot be resumed, so recovery promotes them to FAILED.
const InterruptedError = "Interrupted"

// Session is the persisted session record. Its lifecycle is independent of
// any particular run.
type Session struct {
	ID         string    `json:"session_id" db:"session_id"`
	UserID     string    `json:"user_id,omitempty" db:"user_id"`
	StateJSON  string    `json:"state_json,omitempty" db:"state_json"`
	ConfigJSON string    `json:"config_json,omitempty" db:"config_json"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Filter narrows ListRuns results. Zero values mean "no filter"; filters
// compose with AND.
type Filter struct {
	State     run.State
	SessionID string
	Limit     int
	Offset    int
}

// Store is the persistence contract consumed by the scheduler.
// Implementations are safe for concurrent callers; writes of the same
// run ID serialize.
type Store interface {
	// Initialize creates any missing schema elements. Idempotent; safe to
	// call on every start.
	Initialize(ctx context.Context) error

	// SaveRun upserts a run by ID, overwriting all mutable fields.
	SaveRun(ctx context.Context, r *run.Run) error

	// LoadRun returns the last persisted snapshot, or nil if absent.
	LoadRun(ctx context.Context, runID string) (*run.Run, error)

	// ListRuns returns runs matching the filter, ordered created_at descending.
	ListRuns(ctx context.Context, f Filter) ([]*run.Run, error)

	// DeleteRun removes a run; returns true iff a row existed.
	DeleteRun(ctx context.Context, runID string) (bool, error)

	// UpdateRunState changes a run's state in place, setting ended_at iff the
	// new state is terminal. Returns true iff a row existed.
	UpdateRunState(ctx context.Context, runID string, state run.State, errMsg string) (bool, error)

	// LoadPendingRuns returns all runs in an active state, oldest first.
	LoadPendingRuns(ctx context.Context) ([]*run.Run, error)

	// MarkInterruptedAsFailed moves every RUNNING row to FAILED with
	// error = "Interrupted" and ended_at = now. Returns the number affected.
	// Called exactly once on startup.
	MarkInterruptedAsFailed(ctx context.Context) (int, error)

	// Stats returns run counts by state; Total is the table row count.
	Stats(ctx context.Context) (run.Stats, error)

	// CleanupOldRuns deletes terminal runs created more than the given number
	// of days ago. Returns the number deleted.
	CleanupOldRuns(ctx context.Context, days int) (int, error)

	SaveSession(ctx context.Context, s *Session) error
	LoadSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)

	Close() error
}
