// Package executor defines the contract between the scheduler and the
// machinery that actually performs a run.
package executor

import (
	"context"
	"fmt"

	"github.com/agentq/agentq/internal/run"
)

// ErrorKind classifies an executor failure. The scheduler does not
// auto-retry either kind; the classification is surfaced on the
// run_failed event so callers can decide.
type ErrorKind string

const (
	TransientError ErrorKind = "transient"
	PermanentError ErrorKind = "permanent"
)

// Outcome discriminates the executor result.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is what an executor invocation produced.
type Result struct {
	Outcome Outcome
	Output  string
	Kind    ErrorKind
	Message string
}

// Success builds a successful result carrying the final output.
func Success(output string) Result {
	return Result{Outcome: OutcomeSuccess, Output: output}
}

// Failure builds an error result.
func Failure(kind ErrorKind, message string) Result {
	return Result{Outcome: OutcomeError, Kind: kind, Message: message}
}

// Cancelled builds a result for a run that stopped on request.
func Cancelled() Result {
	return Result{Outcome: OutcomeCancelled}
}

// ChunkSink receives incremental output during execution, in order.
type ChunkSink func(content string)

// Executor performs runs. Implementations may read RunID, AgentName,
// Input and SessionID from the run and must not mutate it. ctx is
// cancelled when the run is cancelled; implementations must observe it
// at cooperatively chosen points and return Cancelled promptly.
type Executor interface {
	Execute(ctx context.Context, r *run.Run, sink ChunkSink) Result
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, r *run.Run, sink ChunkSink) Result

func (f Func) Execute(ctx context.Context, r *run.Run, sink ChunkSink) Result {
	return f(ctx, r, sink)
}

// Safe wraps an executor so a panic surfaces as a permanent error
// instead of taking down the dispatch worker.
func Safe(inner Executor) Executor {
	return Func(func(ctx context.Context, r *run.Run, sink ChunkSink) (result Result) {
		defer func() {
			if rec := recover(); rec != nil {
				result = Failure(PermanentError, fmt.Sprintf("executor panic: %v", rec))
			}
		}()
		return inner.Execute(ctx, r, sink)
	})
}
