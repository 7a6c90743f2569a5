// Package gate enforces run admission limits for the scheduler.
package gate

import (
	"sync"

	"github.com/agentq/agentq/internal/run"
)

// Gate tracks how many runs are executing globally and per agent, and
// remembers which run IDs have been cancelled so that a cancel issued
// before dispatch still blocks admission.
type Gate struct {
	mu sync.Mutex

	maxGlobal   int
	maxPerAgent int

	globalRunning   int
	perAgentRunning map[string]int
	cancelled       map[string]struct{}
}

// New creates a gate with the given caps. Both caps must be >= 1.
func New(maxGlobal, maxPerAgent int) *Gate {
	return &Gate{
		maxGlobal:       maxGlobal,
		maxPerAgent:     maxPerAgent,
		perAgentRunning: make(map[string]int),
		cancelled:       make(map[string]struct{}),
	}
}

func (g *Gate) admissible(r *run.Run) bool {
	if _, ok := g.cancelled[r.ID]; ok {
		return false
	}
	if g.globalRunning >= g.maxGlobal {
		return false
	}
	return g.perAgentRunning[r.AgentName] < g.maxPerAgent
}

// Admissible reports whether the run could be admitted right now
// without acquiring a slot.
func (g *Gate) Admissible(r *run.Run) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admissible(r)
}

// TryAcquire atomically admits the run if caps allow and the run has
// not been cancelled. Returns false with no side effect otherwise.
func (g *Gate) TryAcquire(r *run.Run) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.admissible(r) {
		return false
	}
	g.globalRunning++
	g.perAgentRunning[r.AgentName]++
	return true
}

// Release frees the slots held by the run. Counters never go below zero.
func (g *Gate) Release(r *run.Run) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.globalRunning > 0 {
		g.globalRunning--
	}
	if n := g.perAgentRunning[r.AgentName]; n > 1 {
		g.perAgentRunning[r.AgentName] = n - 1
	} else if n == 1 {
		delete(g.perAgentRunning, r.AgentName)
	}
}

// Cancel marks the run ID as cancelled. If the run is currently
// executing, the completion path still owns the Release call.
func (g *Gate) Cancel(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled[runID] = struct{}{}
}

// IsCancelled reports whether Cancel has been called for the run ID.
func (g *Gate) IsCancelled(runID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.cancelled[runID]
	return ok
}

// Forget drops a run ID from the cancelled set once the run has
// reached a terminal state, keeping the set bounded.
func (g *Gate) Forget(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cancelled, runID)
}

// Running returns the number of currently admitted runs.
func (g *Gate) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.globalRunning
}

// RunningForAgent returns the number of admitted runs for one agent.
func (g *Gate) RunningForAgent(agentName string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perAgentRunning[agentName]
}
