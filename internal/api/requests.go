// Package api provides the REST surface over the queue manager.
package api

import (
	"time"

	"github.com/agentq/agentq/internal/run"
)

// SubmitRunRequest admits a new run.
type SubmitRunRequest struct {
	RunID       string `json:"run_id,omitempty"`
	AgentName   string `json:"agent_name" binding:"required"`
	Input       string `json:"input_content" binding:"required"`
	Priority    string `json:"priority,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	ParentRunID string `json:"parent_run_id,omitempty"`
	MaxRetries  *int   `json:"max_retries,omitempty"`
}

// SubmitRunResponse returns the admitted run's ID.
type SubmitRunResponse struct {
	RunID string `json:"run_id"`
}

// CancelRunResponse reports whether the cancel took effect.
type CancelRunResponse struct {
	Cancelled bool `json:"cancelled"`
}

// RetryRunResponse carries the retry child's ID when one was created.
type RetryRunResponse struct {
	RunID string `json:"run_id,omitempty"`
}

// ClearQueueResponse reports how many queued runs were cancelled.
type ClearQueueResponse struct {
	Cancelled int `json:"cancelled"`
}

// QueuedRunResponse is one entry of the queue listing.
type QueuedRunResponse struct {
	RunID     string    `json:"run_id"`
	AgentName string    `json:"agent_name"`
	Priority  string    `json:"priority"`
	QueuedAt  time.Time `json:"queued_at"`
}

// QueueResponse lists queued runs in dispatch order.
type QueueResponse struct {
	Runs  []QueuedRunResponse `json:"runs"`
	Total int                 `json:"total"`
}

// ListRunsResponse wraps a run listing.
type ListRunsResponse struct {
	Runs  []*run.Run `json:"runs"`
	Total int        `json:"total"`
}

// StatsResponse combines persisted counters with live ones.
type StatsResponse struct {
	*run.Stats
	ActiveCount  int `json:"active_count"`
	LiveQueued   int `json:"live_queued"`
	LiveRunning  int `json:"live_running"`
}

// DedupStatsResponse mirrors the dedup cache counters.
type DedupStatsResponse struct {
	DuplicatesPrevented int64 `json:"duplicates_prevented"`
	TokensSaved         int64 `json:"tokens_saved"`
	Size                int   `json:"size"`
}

// CheckDuplicateRequest tests content against the dedup cache.
type CheckDuplicateRequest struct {
	Content   string `json:"content" binding:"required"`
	AgentName string `json:"agent_name" binding:"required"`
	Tokens    int64  `json:"tokens"`
}

// CheckDuplicateResponse reports the dedup verdict.
type CheckDuplicateResponse struct {
	Duplicate bool `json:"duplicate"`
}

// SaveSessionRequest upserts a session record.
type SaveSessionRequest struct {
	UserID     string `json:"user_id,omitempty"`
	StateJSON  string `json:"state_json,omitempty"`
	ConfigJSON string `json:"config_json,omitempty"`
}
