package run

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateClassification(t *testing.T) {
	terminal := []State{StateSucceeded, StateFailed, StateCancelled}
	active := []State{StateQueued, StateRunning, StatePaused}

	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "state %s should be terminal", s)
		assert.False(t, s.IsActive(), "state %s should not be active", s)
	}
	for _, s := range active {
		assert.True(t, s.IsActive(), "state %s should be active", s)
		assert.False(t, s.IsTerminal(), "state %s should not be terminal", s)
	}
	assert.False(t, State("bogus").Valid())
}

func TestParsePriority(t *testing.T) {
	cases := []struct {
		in   string
		want Priority
	}{
		{"low", PriorityLow},
		{"normal", PriorityNormal},
		{"", PriorityNormal},
		{"high", PriorityHigh},
		{"urgent", PriorityUrgent},
	}
	for _, tc := range cases {
		got, err := ParsePriority(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := ParsePriority("asap")
	assert.Error(t, err)
}

func TestNewRunDefaults(t *testing.T) {
	r := New("coder", "write tests", PriorityHigh)

	require.NoError(t, r.Validate())
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, StateQueued, r.State)
	assert.Equal(t, DefaultMaxRetries, r.MaxRetries)
	assert.Equal(t, 0, r.RetryCount)
	assert.False(t, r.CreatedAt.IsZero())
}

func TestValidate(t *testing.T) {
	r := New("coder", "input", PriorityNormal)
	require.NoError(t, r.Validate())

	missing := *r
	missing.AgentName = ""
	assert.Error(t, missing.Validate())

	badPriority := *r
	badPriority.Priority = Priority(9)
	assert.Error(t, badPriority.Validate())

	badState := *r
	badState.State = State("wedged")
	assert.Error(t, badState.Validate())
}

func TestCanRetry(t *testing.T) {
	r := New("coder", "input", PriorityNormal)
	r.MaxRetries = 2

	assert.False(t, r.CanRetry(), "queued run cannot retry")

	r.State = StateFailed
	assert.True(t, r.CanRetry())

	r.RetryCount = 2
	assert.False(t, r.CanRetry(), "retry budget exhausted")

	r.RetryCount = 0
	r.State = StateSucceeded
	assert.False(t, r.CanRetry(), "succeeded run cannot retry")
}

func TestRetryChildLineage(t *testing.T) {
	parent := New("coder", "do it", PriorityUrgent)
	parent.SessionID = "sess-1"
	parent.State = StateFailed
	parent.Error = "boom"

	child := parent.RetryChild("child-1")

	assert.Equal(t, "child-1", child.ID)
	assert.Equal(t, parent.ID, child.ParentRunID)
	assert.Equal(t, parent.RetryCount+1, child.RetryCount)
	assert.Equal(t, parent.AgentName, child.AgentName)
	assert.Equal(t, parent.Input, child.Input)
	assert.Equal(t, parent.Priority, child.Priority)
	assert.Equal(t, parent.MaxRetries, child.MaxRetries)
	assert.Equal(t, "sess-1", child.SessionID, "session id must carry over")
	assert.Equal(t, StateQueued, child.State)
	assert.Empty(t, child.Error)

	generated := parent.RetryChild("")
	assert.NotEmpty(t, generated.ID)
	assert.NotEqual(t, parent.ID, generated.ID)
}

func TestDurationAndWait(t *testing.T) {
	r := New("coder", "input", PriorityNormal)

	_, ok := r.Duration()
	assert.False(t, ok, "no duration before start")

	wait, ok := r.WaitTime()
	assert.True(t, ok, "queued run reports elapsed wait")
	assert.GreaterOrEqual(t, wait, time.Duration(0))

	started := r.CreatedAt.Add(2 * time.Second)
	ended := started.Add(5 * time.Second)
	r.State = StateSucceeded
	r.StartedAt = &started
	r.EndedAt = &ended

	d, ok := r.Duration()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)

	w, ok := r.WaitTime()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, w)
}

func TestClone(t *testing.T) {
	r := New("coder", "input", PriorityNormal)
	started := time.Now().UTC()
	r.StartedAt = &started

	clone := r.Clone()
	clone.State = StateRunning
	*clone.StartedAt = started.Add(time.Hour)

	assert.Equal(t, StateQueued, r.State, "clone mutation must not leak")
	assert.Equal(t, started, *r.StartedAt)
}

func TestStats(t *testing.T) {
	var s Stats
	s.Add(StateQueued, 2)
	s.Add(StateRunning, 1)
	s.Add(StateFailed, 3)

	assert.Equal(t, 2, s.Queued)
	assert.Equal(t, 1, s.Running)
	assert.Equal(t, 3, s.Failed)
	assert.Equal(t, 6, s.Total)
	assert.Equal(t, 3, s.Active())
}
