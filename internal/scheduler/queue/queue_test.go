package queue

import (
	"testing"
	"time"

	"github.com/agentq/agentq/internal/run"
)

// createTestRun creates a run for testing with the given parameters
func createTestRun(id string, priority run.Priority, createdAt time.Time) *run.Run {
	return &run.Run{
		ID:        id,
		AgentName: "agent-a",
		Input:     "input " + id,
		State:     run.StateQueued,
		Priority:  priority,
		CreatedAt: createdAt,
	}
}

func TestNewQueue(t *testing.T) {
	q := New()
	if q == nil {
		t.Fatal("New returned nil")
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got Len() = %d", q.Len())
	}
}

func TestPushDuplicate(t *testing.T) {
	q := New()
	r := createTestRun("r1", run.PriorityNormal, time.Now())

	if err := q.Push(r); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := q.Push(r); err != ErrRunExists {
		t.Errorf("expected ErrRunExists, got %v", err)
	}
}

func TestPopEmptyQueue(t *testing.T) {
	q := New()
	if got := q.Pop(); got != nil {
		t.Errorf("expected nil from empty queue, got %v", got)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := New()
	now := time.Now()

	_ = q.Push(createTestRun("low", run.PriorityLow, now))
	_ = q.Push(createTestRun("urgent", run.PriorityUrgent, now.Add(time.Second)))
	_ = q.Push(createTestRun("normal", run.PriorityNormal, now.Add(2*time.Second)))
	_ = q.Push(createTestRun("high", run.PriorityHigh, now.Add(3*time.Second)))

	want := []string{"urgent", "high", "normal", "low"}
	for _, id := range want {
		got := q.Pop()
		if got == nil {
			t.Fatalf("Pop returned nil, want %s", id)
		}
		if got.ID != id {
			t.Errorf("expected %s, got %s", id, got.ID)
		}
	}
}

func TestFIFOAmongEqualPriority(t *testing.T) {
	q := New()
	now := time.Now()

	_ = q.Push(createTestRun("second", run.PriorityNormal, now.Add(time.Second)))
	_ = q.Push(createTestRun("first", run.PriorityNormal, now))
	_ = q.Push(createTestRun("third", run.PriorityNormal, now.Add(2*time.Second)))

	want := []string{"first", "second", "third"}
	for _, id := range want {
		got := q.Pop()
		if got == nil || got.ID != id {
			t.Errorf("expected %s, got %v", id, got)
		}
	}
}

func TestTieBreakOnRunID(t *testing.T) {
	q := New()
	now := time.Now()

	_ = q.Push(createTestRun("bbb", run.PriorityNormal, now))
	_ = q.Push(createTestRun("aaa", run.PriorityNormal, now))

	if got := q.Pop(); got == nil || got.ID != "aaa" {
		t.Errorf("expected aaa on identical timestamps, got %v", got)
	}
}

func TestPopIfSkipsBlocked(t *testing.T) {
	q := New()
	now := time.Now()

	_ = q.Push(createTestRun("blocked-high", run.PriorityHigh, now))
	_ = q.Push(createTestRun("ok-normal", run.PriorityNormal, now))

	got := q.PopIf(func(r *run.Run) bool { return r.ID != "blocked-high" })
	if got == nil || got.ID != "ok-normal" {
		t.Fatalf("expected ok-normal, got %v", got)
	}

	// The skipped run keeps its position.
	if q.Len() != 1 {
		t.Errorf("expected Len() = 1, got %d", q.Len())
	}
	if got := q.Pop(); got == nil || got.ID != "blocked-high" {
		t.Errorf("expected blocked-high still queued, got %v", got)
	}
}

func TestPopIfNonePass(t *testing.T) {
	q := New()
	now := time.Now()

	_ = q.Push(createTestRun("r1", run.PriorityNormal, now))
	_ = q.Push(createTestRun("r2", run.PriorityNormal, now.Add(time.Second)))

	got := q.PopIf(func(*run.Run) bool { return false })
	if got != nil {
		t.Errorf("expected nil, got %v", got)
	}
	if q.Len() != 2 {
		t.Errorf("queue must be unchanged, got Len() = %d", q.Len())
	}
}

func TestRemove(t *testing.T) {
	q := New()
	now := time.Now()

	_ = q.Push(createTestRun("r1", run.PriorityNormal, now))
	_ = q.Push(createTestRun("r2", run.PriorityHigh, now))

	if !q.Remove("r1") {
		t.Error("expected Remove to return true")
	}
	if q.Remove("r1") {
		t.Error("expected second Remove to return false")
	}
	if q.Contains("r1") {
		t.Error("removed run still present")
	}
	if got := q.Pop(); got == nil || got.ID != "r2" {
		t.Errorf("expected r2, got %v", got)
	}
}

func TestPeekAll(t *testing.T) {
	q := New()
	now := time.Now()

	_ = q.Push(createTestRun("low", run.PriorityLow, now))
	_ = q.Push(createTestRun("high", run.PriorityHigh, now))
	_ = q.Push(createTestRun("normal", run.PriorityNormal, now))

	snapshot := q.PeekAll()
	want := []string{"high", "normal", "low"}
	if len(snapshot) != len(want) {
		t.Fatalf("expected %d runs, got %d", len(want), len(snapshot))
	}
	for i, id := range want {
		if snapshot[i].ID != id {
			t.Errorf("snapshot[%d]: expected %s, got %s", i, id, snapshot[i].ID)
		}
	}

	// Snapshot must not drain the queue.
	if q.Len() != 3 {
		t.Errorf("expected Len() = 3 after PeekAll, got %d", q.Len())
	}
}

func TestClear(t *testing.T) {
	q := New()
	now := time.Now()

	_ = q.Push(createTestRun("r1", run.PriorityNormal, now))
	_ = q.Push(createTestRun("r2", run.PriorityNormal, now))

	removed := q.Clear()
	if len(removed) != 2 {
		t.Errorf("expected 2 removed, got %d", len(removed))
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got Len() = %d", q.Len())
	}
}
