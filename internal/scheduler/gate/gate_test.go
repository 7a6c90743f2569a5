package gate

import (
	"testing"

	"github.com/agentq/agentq/internal/run"
)

func testRun(id, agent string) *run.Run {
	return &run.Run{ID: id, AgentName: agent}
}

func TestGlobalCap(t *testing.T) {
	g := New(2, 10)

	if !g.TryAcquire(testRun("r1", "a")) {
		t.Fatal("first acquire should succeed")
	}
	if !g.TryAcquire(testRun("r2", "b")) {
		t.Fatal("second acquire should succeed")
	}
	if g.TryAcquire(testRun("r3", "c")) {
		t.Error("third acquire should fail at global cap")
	}
	if g.Running() != 2 {
		t.Errorf("expected 2 running, got %d", g.Running())
	}

	g.Release(testRun("r1", "a"))
	if !g.TryAcquire(testRun("r3", "c")) {
		t.Error("acquire should succeed after release")
	}
}

func TestPerAgentCap(t *testing.T) {
	g := New(10, 1)

	if !g.TryAcquire(testRun("r1", "a")) {
		t.Fatal("first acquire should succeed")
	}
	if g.TryAcquire(testRun("r2", "a")) {
		t.Error("same-agent acquire should fail at per-agent cap")
	}
	if !g.TryAcquire(testRun("r3", "b")) {
		t.Error("other-agent acquire should succeed")
	}
	if g.RunningForAgent("a") != 1 {
		t.Errorf("expected 1 running for agent a, got %d", g.RunningForAgent("a"))
	}

	g.Release(testRun("r1", "a"))
	if !g.TryAcquire(testRun("r2", "a")) {
		t.Error("same-agent acquire should succeed after release")
	}
}

func TestAdmissibleIsSideEffectFree(t *testing.T) {
	g := New(1, 1)
	r := testRun("r1", "a")

	if !g.Admissible(r) {
		t.Fatal("run should be admissible")
	}
	if g.Running() != 0 {
		t.Errorf("Admissible must not acquire, got %d running", g.Running())
	}
	if !g.TryAcquire(r) {
		t.Error("acquire should still succeed")
	}
}

func TestCancelBlocksAdmission(t *testing.T) {
	g := New(10, 10)
	r := testRun("r1", "a")

	g.Cancel(r.ID)
	if !g.IsCancelled(r.ID) {
		t.Error("expected IsCancelled to be true")
	}
	if g.TryAcquire(r) {
		t.Error("cancelled run must not be admitted")
	}
	if g.Running() != 0 {
		t.Errorf("failed acquire must not count, got %d", g.Running())
	}

	g.Forget(r.ID)
	if g.IsCancelled(r.ID) {
		t.Error("expected Forget to clear the cancel mark")
	}
	if !g.TryAcquire(r) {
		t.Error("acquire should succeed after Forget")
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	g := New(2, 2)
	r := testRun("r1", "a")

	g.Release(r)
	g.Release(r)
	if g.Running() != 0 {
		t.Errorf("expected 0 running, got %d", g.Running())
	}
	if g.RunningForAgent("a") != 0 {
		t.Errorf("expected 0 for agent a, got %d", g.RunningForAgent("a"))
	}
}
