package executor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentq/agentq/internal/run"
)

// Mock is a scriptable executor for tests and local development. By
// default it streams the run input back in word-sized chunks and
// succeeds. Per-run behavior can be overridden with Script.
type Mock struct {
	mu       sync.Mutex
	scripts  map[string]Func
	delay    time.Duration
	executed []string
}

// NewMock creates a mock executor with no per-chunk delay.
func NewMock() *Mock {
	return &Mock{scripts: make(map[string]Func)}
}

// WithDelay makes the mock sleep between chunks, giving cancellation
// tests a window to interrupt a running run.
func (m *Mock) WithDelay(d time.Duration) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// Script overrides the behavior for one run ID.
func (m *Mock) Script(runID string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[runID] = fn
}

// Executed returns the run IDs handled so far, in order.
func (m *Mock) Executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.executed...)
}

func (m *Mock) Execute(ctx context.Context, r *run.Run, sink ChunkSink) Result {
	m.mu.Lock()
	m.executed = append(m.executed, r.ID)
	fn := m.scripts[r.ID]
	delay := m.delay
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, r, sink)
	}

	for _, word := range strings.Fields(r.Input) {
		select {
		case <-ctx.Done():
			return Cancelled()
		default:
		}
		sink(word)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Cancelled()
			}
		}
	}
	return Success("echo: " + r.Input)
}
