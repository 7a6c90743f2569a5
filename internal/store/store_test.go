package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentq/agentq/internal/db"
	"github.com/agentq/agentq/internal/run"
)

// The same contract tests run against both implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.db")
		writer, err := db.OpenSQLite(path)
		require.NoError(t, err)
		s := NewSQLStore(writer, nil, "sqlite3")
		require.NoError(t, s.Initialize(context.Background()))
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func testRun(id string, state run.State, createdAt time.Time) *run.Run {
	return &run.Run{
		ID:         id,
		AgentName:  "agent-a",
		SessionID:  "sess-1",
		Input:      "payload " + id,
		State:      state,
		Priority:   run.PriorityNormal,
		MaxRetries: 3,
		CreatedAt:  createdAt,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		started := time.Now().UTC().Add(-time.Minute)
		ended := started.Add(30 * time.Second)

		r := testRun("r1", run.StateSucceeded, started.Add(-time.Minute))
		r.ParentRunID = "r0"
		r.Output = "done"
		r.RetryCount = 1
		r.Priority = run.PriorityUrgent
		r.StartedAt = &started
		r.EndedAt = &ended

		require.NoError(t, s.SaveRun(ctx, r))

		loaded, err := s.LoadRun(ctx, "r1")
		require.NoError(t, err)
		require.NotNil(t, loaded)

		assert.Equal(t, r.ID, loaded.ID)
		assert.Equal(t, r.AgentName, loaded.AgentName)
		assert.Equal(t, r.SessionID, loaded.SessionID)
		assert.Equal(t, r.ParentRunID, loaded.ParentRunID)
		assert.Equal(t, r.Input, loaded.Input)
		assert.Equal(t, r.Output, loaded.Output)
		assert.Equal(t, r.State, loaded.State)
		assert.Equal(t, r.Priority, loaded.Priority)
		assert.Equal(t, r.RetryCount, loaded.RetryCount)
		assert.Equal(t, r.MaxRetries, loaded.MaxRetries)
		assert.WithinDuration(t, r.CreatedAt, loaded.CreatedAt, time.Millisecond)
		require.NotNil(t, loaded.StartedAt)
		assert.WithinDuration(t, started, *loaded.StartedAt, time.Millisecond)
		require.NotNil(t, loaded.EndedAt)
		assert.WithinDuration(t, ended, *loaded.EndedAt, time.Millisecond)
	})
}

func TestSaveRunUpsert(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := testRun("r1", run.StateQueued, time.Now().UTC())
		require.NoError(t, s.SaveRun(ctx, r))

		r.State = run.StateRunning
		r.Output = "partial"
		require.NoError(t, s.SaveRun(ctx, r))

		loaded, err := s.LoadRun(ctx, "r1")
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, run.StateRunning, loaded.State)
		assert.Equal(t, "partial", loaded.Output)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Total, "upsert must not duplicate rows")
	})
}

func TestLoadRunMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		loaded, err := s.LoadRun(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})
}

func TestUpdateRunState(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveRun(ctx, testRun("r1", run.StateRunning, time.Now().UTC())))

		ok, err := s.UpdateRunState(ctx, "r1", run.StateFailed, "boom")
		require.NoError(t, err)
		assert.True(t, ok)

		loaded, err := s.LoadRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, run.StateFailed, loaded.State)
		assert.Equal(t, "boom", loaded.Error)
		assert.NotNil(t, loaded.EndedAt, "terminal state must set ended_at")

		ok, err = s.UpdateRunState(ctx, "missing", run.StateFailed, "")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestUpdateRunStateNonTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveRun(ctx, testRun("r1", run.StateQueued, time.Now().UTC())))

		ok, err := s.UpdateRunState(ctx, "r1", run.StateRunning, "")
		require.NoError(t, err)
		assert.True(t, ok)

		loaded, err := s.LoadRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, run.StateRunning, loaded.State)
		assert.Nil(t, loaded.EndedAt)
	})
}

func TestDeleteRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveRun(ctx, testRun("r1", run.StateQueued, time.Now().UTC())))

		ok, err := s.DeleteRun(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.DeleteRun(ctx, "r1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestListRunsOrderingAndFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)

		for i := 0; i < 5; i++ {
			r := testRun(fmt.Sprintf("r%d", i), run.StateQueued, base.Add(time.Duration(i)*time.Minute))
			if i%2 == 0 {
				r.State = run.StateFailed
			}
			if i == 4 {
				r.SessionID = "sess-other"
			}
			require.NoError(t, s.SaveRun(ctx, r))
		}

		all, err := s.ListRuns(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt), "must be created_at descending")
		}

		failed, err := s.ListRuns(ctx, Filter{State: run.StateFailed})
		require.NoError(t, err)
		assert.Len(t, failed, 3)

		other, err := s.ListRuns(ctx, Filter{SessionID: "sess-other"})
		require.NoError(t, err)
		require.Len(t, other, 1)
		assert.Equal(t, "r4", other[0].ID)

		// Filters compose with AND.
		both, err := s.ListRuns(ctx, Filter{State: run.StateFailed, SessionID: "sess-other"})
		require.NoError(t, err)
		assert.Len(t, both, 1)

		page, err := s.ListRuns(ctx, Filter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "r3", page[0].ID)
		assert.Equal(t, "r2", page[1].ID)
	})
}

func TestLoadPendingRuns(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)

		require.NoError(t, s.SaveRun(ctx, testRun("queued", run.StateQueued, base.Add(2*time.Minute))))
		require.NoError(t, s.SaveRun(ctx, testRun("running", run.StateRunning, base.Add(time.Minute))))
		require.NoError(t, s.SaveRun(ctx, testRun("paused", run.StatePaused, base.Add(3*time.Minute))))
		require.NoError(t, s.SaveRun(ctx, testRun("done", run.StateSucceeded, base)))

		pending, err := s.LoadPendingRuns(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 3)

		// Oldest first.
		assert.Equal(t, "running", pending[0].ID)
		assert.Equal(t, "queued", pending[1].ID)
		assert.Equal(t, "paused", pending[2].ID)
	})
}

func TestMarkInterruptedAsFailed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, s.SaveRun(ctx, testRun("r1", run.StateRunning, now)))
		require.NoError(t, s.SaveRun(ctx, testRun("r2", run.StateRunning, now)))
		require.NoError(t, s.SaveRun(ctx, testRun("r3", run.StateQueued, now)))

		n, err := s.MarkInterruptedAsFailed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for _, id := range []string{"r1", "r2"} {
			loaded, err := s.LoadRun(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, run.StateFailed, loaded.State)
			assert.Equal(t, InterruptedError, loaded.Error)
			assert.NotNil(t, loaded.EndedAt)
		}

		queued, err := s.LoadRun(ctx, "r3")
		require.NoError(t, err)
		assert.Equal(t, run.StateQueued, queued.State, "queued runs are untouched")
	})
}

func TestStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, s.SaveRun(ctx, testRun("r1", run.StateQueued, now)))
		require.NoError(t, s.SaveRun(ctx, testRun("r2", run.StateRunning, now)))
		require.NoError(t, s.SaveRun(ctx, testRun("r3", run.StateSucceeded, now)))
		require.NoError(t, s.SaveRun(ctx, testRun("r4", run.StateFailed, now)))
		require.NoError(t, s.SaveRun(ctx, testRun("r5", run.StateFailed, now)))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Queued)
		assert.Equal(t, 1, stats.Running)
		assert.Equal(t, 1, stats.Succeeded)
		assert.Equal(t, 2, stats.Failed)
		assert.Equal(t, 5, stats.Total)
		assert.Equal(t, 2, stats.Active())
	})
}

func TestCleanupOldRuns(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		old := time.Now().UTC().AddDate(0, 0, -40)
		require.NoError(t, s.SaveRun(ctx, testRun("old-done", run.StateSucceeded, old)))
		require.NoError(t, s.SaveRun(ctx, testRun("old-queued", run.StateQueued, old)))
		require.NoError(t, s.SaveRun(ctx, testRun("fresh-done", run.StateSucceeded, time.Now().UTC())))

		n, err := s.CleanupOldRuns(ctx, 30)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		gone, err := s.LoadRun(ctx, "old-done")
		require.NoError(t, err)
		assert.Nil(t, gone)

		// Active runs survive regardless of age.
		kept, err := s.LoadRun(ctx, "old-queued")
		require.NoError(t, err)
		assert.NotNil(t, kept)
	})
}

func TestSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.SaveSession(ctx, &Session{
			ID:        "sess-1",
			UserID:    "user-1",
			StateJSON: `{"turn":1}`,
		}))
		require.NoError(t, s.SaveSession(ctx, &Session{ID: "sess-2"}))

		loaded, err := s.LoadSession(ctx, "sess-1")
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, "user-1", loaded.UserID)
		assert.Equal(t, `{"turn":1}`, loaded.StateJSON)
		assert.False(t, loaded.UpdatedAt.IsZero())

		// Upsert replaces fields.
		require.NoError(t, s.SaveSession(ctx, &Session{ID: "sess-1", StateJSON: `{"turn":2}`}))
		loaded, err = s.LoadSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, `{"turn":2}`, loaded.StateJSON)

		missing, err := s.LoadSession(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		sessions, err := s.ListSessions(ctx)
		require.NoError(t, err)
		assert.Len(t, sessions, 2)
	})
}
