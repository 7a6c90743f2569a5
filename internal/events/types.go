// Package events defines the lifecycle notifications emitted by the
// scheduling core and helpers for building their bus subjects.
package events

// Run lifecycle event types.
const (
	RunSubmitted = "run.submitted"
	RunStarted   = "run.started"
	RunOutput    = "run.output"
	RunCompleted = "run.completed"
	RunFailed    = "run.failed"
	RunCancelled = "run.cancelled"
	RunRetried   = "run.retried"
)

// Store health event types.
const (
	StoreDegraded  = "store.degraded"
	StoreRecovered = "store.recovered"
)

// BuildRunSubject creates a run lifecycle subject scoped to one run.
func BuildRunSubject(eventType, runID string) string {
	return eventType + "." + runID
}

// BuildRunWildcardSubject creates a wildcard subscription for one
// lifecycle event type across all runs.
func BuildRunWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// AllRunEventsSubject matches every run lifecycle event.
const AllRunEventsSubject = "run.>"
