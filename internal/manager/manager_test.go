package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentq/agentq/internal/common/config"
	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/executor"
	"github.com/agentq/agentq/internal/run"
	"github.com/agentq/agentq/internal/scheduler"
	"github.com/agentq/agentq/internal/store"
	"github.com/agentq/agentq/internal/stream"
)

func testConfig() *config.Config {
	return &config.Config{
		Queue: config.QueueConfig{
			MaxConcurrentGlobal:   4,
			MaxConcurrentPerAgent: 2,
			MaxQueueSize:          10,
		},
		Dedup: config.DedupConfig{MaxSize: 100},
	}
}

func newTestManager(t *testing.T) (*Manager, *executor.Mock) {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	require.NoError(t, st.Initialize(context.Background()))

	mock := executor.NewMock()
	m, err := New(context.Background(), testConfig(), mock, log, WithStore(st))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop() })
	return m, mock
}

func waitForState(t *testing.T, m *Manager, runID string, want run.State) *run.Run {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r, err := m.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if r != nil && r.State == want {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return nil
}

func TestSubmitGeneratesRunID(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Start(context.Background(), false))

	id, err := m.Submit(context.Background(), SubmitRequest{
		AgentName: "writer",
		Input:     "draft a summary",
		Priority:  run.PriorityNormal,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	r := waitForState(t, m, id, run.StateSucceeded)
	assert.Equal(t, run.DefaultMaxRetries, r.MaxRetries)
	assert.Equal(t, "echo: draft a summary", r.Output)
}

func TestSubmitHonorsExplicitFields(t *testing.T) {
	m, _ := newTestManager(t)
	zero := 0

	id, err := m.Submit(context.Background(), SubmitRequest{
		RunID:      "custom-id",
		AgentName:  "writer",
		Input:      "x",
		Priority:   run.PriorityUrgent,
		SessionID:  "sess-1",
		MaxRetries: &zero,
	})
	require.NoError(t, err)
	assert.Equal(t, "custom-id", id)

	r, err := m.GetRun(context.Background(), "custom-id")
	require.NoError(t, err)
	assert.Equal(t, run.PriorityUrgent, r.Priority)
	assert.Equal(t, "sess-1", r.SessionID)
	assert.Zero(t, r.MaxRetries)
}

func TestCallbacksFireOnceEach(t *testing.T) {
	m, mock := newTestManager(t)
	ctx := context.Background()

	mock.Script("ok", func(ctx context.Context, r *run.Run, sink executor.ChunkSink) executor.Result {
		sink("part one")
		sink("part two")
		return executor.Success("final text")
	})
	mock.Script("bad", func(ctx context.Context, r *run.Run, sink executor.ChunkSink) executor.Result {
		return executor.Failure(executor.PermanentError, "exploded")
	})

	var mu sync.Mutex
	outputs := map[string][]string{}
	completes := map[string]int{}
	errorsSeen := map[string]string{}

	m.OnOutput(func(runID, content string) {
		mu.Lock()
		outputs[runID] = append(outputs[runID], content)
		mu.Unlock()
	})
	m.OnComplete(func(runID string, final *run.Run) {
		mu.Lock()
		completes[runID]++
		mu.Unlock()
	})
	m.OnError(func(runID, msg string) {
		mu.Lock()
		errorsSeen[runID] = msg
		mu.Unlock()
	})

	require.NoError(t, m.Start(ctx, false))
	_, err := m.Submit(ctx, SubmitRequest{RunID: "ok", AgentName: "a", Input: "x"})
	require.NoError(t, err)
	_, err = m.Submit(ctx, SubmitRequest{RunID: "bad", AgentName: "a", Input: "x"})
	require.NoError(t, err)

	waitForState(t, m, "ok", run.StateSucceeded)
	waitForState(t, m, "bad", run.StateFailed)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := completes["ok"] == 1 && errorsSeen["bad"] != "" && len(outputs["ok"]) == 2
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"part one", "part two"}, outputs["ok"])
	assert.Equal(t, 1, completes["ok"])
	assert.Zero(t, completes["bad"], "on_complete fires only for success")
	assert.Equal(t, "exploded", errorsSeen["bad"])
	assert.NotContains(t, errorsSeen, "ok")
}

func TestPanickingCallbackDoesNotAffectRuns(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.OnOutput(func(runID, content string) { panic("callback bug") })
	require.NoError(t, m.Start(ctx, false))

	id, err := m.Submit(ctx, SubmitRequest{AgentName: "a", Input: "some words here"})
	require.NoError(t, err)
	waitForState(t, m, id, run.StateSucceeded)
}

func TestCancelRetryAndClearPassThrough(t *testing.T) {
	m, mock := newTestManager(t)
	ctx := context.Background()

	mock.Script("f1", func(ctx context.Context, r *run.Run, sink executor.ChunkSink) executor.Result {
		return executor.Failure(executor.TransientError, "flaky")
	})
	require.NoError(t, m.Start(ctx, false))

	_, err := m.Submit(ctx, SubmitRequest{RunID: "f1", AgentName: "a", Input: "x"})
	require.NoError(t, err)
	waitForState(t, m, "f1", run.StateFailed)

	childID, err := m.Retry(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "f1_child1", childID)
	waitForState(t, m, childID, run.StateSucceeded)

	assert.False(t, m.Cancel(ctx, "f1"), "terminal run is not cancellable")
	assert.Zero(t, m.ClearQueue(ctx))
}

func TestQueueFullSurfacesSentinel(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// Not started, so submissions stay queued.
	for i := 0; i < 10; i++ {
		_, err := m.Submit(ctx, SubmitRequest{AgentName: "a", Input: "x"})
		require.NoError(t, err)
	}
	_, err := m.Submit(ctx, SubmitRequest{AgentName: "a", Input: "x"})
	require.ErrorIs(t, err, scheduler.ErrQueueFull)
	assert.Equal(t, 10, m.QueuedCount())
}

func TestDedupAccounting(t *testing.T) {
	m, _ := newTestManager(t)

	assert.False(t, m.CheckDuplicate("tool output body", "agent-a", 50))
	assert.True(t, m.CheckDuplicate("tool output body", "agent-b", 50))

	stats := m.DedupStats()
	assert.Equal(t, int64(1), stats.DuplicatesPrevented)
	assert.Equal(t, int64(50), stats.TokensSaved)
}

func TestSessionsRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SaveSession(ctx, &store.Session{
		ID:        "sess-1",
		UserID:    "u1",
		StateJSON: `{"turn":3}`,
	}))

	s, err := m.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "u1", s.UserID)

	all, err := m.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	missing, err := m.GetSession(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStreamSubscriptionThroughFacade(t *testing.T) {
	m, mock := newTestManager(t)
	ctx := context.Background()

	mock.Script("r1", func(ctx context.Context, r *run.Run, sink executor.ChunkSink) executor.Result {
		sink("hello")
		return executor.Success("done")
	})

	var mu sync.Mutex
	var got []stream.Chunk
	m.SubscribeRun("r1", func(c stream.Chunk) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})

	require.NoError(t, m.Start(ctx, false))
	_, err := m.Submit(ctx, SubmitRequest{RunID: "r1", AgentName: "a", Input: "x"})
	require.NoError(t, err)
	waitForState(t, m, "r1", run.StateSucceeded)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, "hello", got[0].Content)
	assert.True(t, got[len(got)-1].IsFinal)
}
