// Package run defines the run model shared by the scheduler, store, and API.
package run

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a run.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Valid returns true for a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StatePaused, StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// IsTerminal returns true for succeeded, failed, and cancelled.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// IsActive returns true for queued, running, and paused.
func (s State) IsActive() bool {
	return s == StateQueued || s == StateRunning || s == StatePaused
}

// Priority orders queued runs. Higher values dispatch first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// Valid returns true for a known priority level.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a string priority name to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
}

// DefaultMaxRetries bounds retry lineage depth unless the caller overrides it.
const DefaultMaxRetries = 3

// Run is a single scheduled job. Identity fields are immutable after
// creation; lifecycle fields are mutated only by the scheduler.
type Run struct {
	ID          string    `json:"run_id" db:"run_id"`
	AgentName   string    `json:"agent_name" db:"agent_name"`
	SessionID   string    `json:"session_id,omitempty" db:"session_id"`
	ParentRunID string    `json:"parent_run_id,omitempty" db:"parent_run_id"`
	Input       string    `json:"input_content" db:"input_content"`
	Output      string    `json:"output_content,omitempty" db:"output_content"`
	State       State     `json:"state" db:"state"`
	Priority    Priority  `json:"priority" db:"priority"`
	RetryCount  int       `json:"retry_count" db:"retry_count"`
	MaxRetries  int       `json:"max_retries" db:"max_retries"`
	Error       string    `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`

	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// New creates a queued run with a generated ID and current timestamp.
func New(agentName, input string, priority Priority) *Run {
	return &Run{
		ID:         uuid.New().String(),
		AgentName:  agentName,
		Input:      input,
		State:      StateQueued,
		Priority:   priority,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate checks the required fields of a run prior to admission.
func (r *Run) Validate() error {
	if r.ID == "" {
		return errors.New("run_id is required")
	}
	if r.AgentName == "" {
		return errors.New("agent_name is required")
	}
	if !r.State.Valid() {
		return fmt.Errorf("invalid state: %q", r.State)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("invalid priority: %d", r.Priority)
	}
	if r.RetryCount < 0 {
		return errors.New("retry_count must be >= 0")
	}
	if r.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	return nil
}

// CanRetry reports whether a retry child may be created from this run.
func (r *Run) CanRetry() bool {
	return r.State == StateFailed && r.RetryCount < r.MaxRetries
}

// RetryChild builds a new queued run carrying this run's inputs, with
// this run recorded as the parent. The session ID is copied so session
// level dedup keeps working across the retry lineage.
func (r *Run) RetryChild(childID string) *Run {
	if childID == "" {
		childID = uuid.New().String()
	}
	return &Run{
		ID:          childID,
		AgentName:   r.AgentName,
		SessionID:   r.SessionID,
		ParentRunID: r.ID,
		Input:       r.Input,
		State:       StateQueued,
		Priority:    r.Priority,
		RetryCount:  r.RetryCount + 1,
		MaxRetries:  r.MaxRetries,
		CreatedAt:   time.Now().UTC(),
	}
}

// Duration returns the execution time: ended-started once terminal,
// elapsed time while running, and zero with ok=false otherwise.
func (r *Run) Duration() (time.Duration, bool) {
	if r.StartedAt == nil {
		return 0, false
	}
	if r.EndedAt != nil {
		return r.EndedAt.Sub(*r.StartedAt), true
	}
	if r.State == StateRunning {
		return time.Since(*r.StartedAt), true
	}
	return 0, false
}

// WaitTime returns how long the run waited (or has been waiting) for dispatch.
func (r *Run) WaitTime() (time.Duration, bool) {
	if r.StartedAt != nil {
		return r.StartedAt.Sub(r.CreatedAt), true
	}
	if r.State == StateQueued {
		return time.Since(r.CreatedAt), true
	}
	return 0, false
}

// Clone returns a deep copy of the run. Callers receive clones so the
// scheduler's live copy is never mutated from outside.
func (r *Run) Clone() *Run {
	clone := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		clone.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		clone.EndedAt = &t
	}
	return &clone
}
