package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentq/agentq/internal/run"
)

// MemoryStore is an in-memory implementation of Store. It backs the manager
// when persistence is disabled and keeps tests hermetic. Recovery over a
// MemoryStore is a natural no-op after process restart (the maps are empty).
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*run.Run
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*run.Run),
		sessions: make(map[string]*Session),
	}
}

// Initialize is a no-op for the in-memory store.
func (s *MemoryStore) Initialize(ctx context.Context) error {
	return nil
}

// SaveRun upserts a copy of the run.
func (s *MemoryStore) SaveRun(ctx context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r.Clone()
	return nil
}

// LoadRun returns a copy of the stored run, or nil if absent.
func (s *MemoryStore) LoadRun(ctx context.Context, runID string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

// ListRuns returns runs matching the filter, created_at descending.
func (s *MemoryStore) ListRuns(ctx context.Context, f Filter) ([]*run.Run, error) {
	s.mu.RLock()
	var matched []*run.Run
	for _, r := range s.runs {
		if f.State != "" && r.State != f.State {
			continue
		}
		if f.SessionID != "" && r.SessionID != f.SessionID {
			continue
		}
		matched = append(matched, r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

// DeleteRun removes a run; returns true iff it existed.
func (s *MemoryStore) DeleteRun(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return false, nil
	}
	delete(s.runs, runID)
	return true, nil
}

// UpdateRunState changes a run's state in place.
func (s *MemoryStore) UpdateRunState(ctx context.Context, runID string, state run.State, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, nil
	}
	r.State = state
	r.Error = errMsg
	if state.IsTerminal() {
		now := time.Now().UTC()
		r.EndedAt = &now
	}
	return true, nil
}

// LoadPendingRuns returns all active runs, oldest first.
func (s *MemoryStore) LoadPendingRuns(ctx context.Context) ([]*run.Run, error) {
	s.mu.RLock()
	var pending []*run.Run
	for _, r := range s.runs {
		if r.State.IsActive() {
			pending = append(pending, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	return pending, nil
}

// MarkInterruptedAsFailed promotes RUNNING runs to FAILED.
func (s *MemoryStore) MarkInterruptedAsFailed(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for _, r := range s.runs {
		if r.State == run.StateRunning {
			r.State = run.StateFailed
			r.Error = InterruptedError
			ended := now
			r.EndedAt = &ended
			count++
		}
	}
	return count, nil
}

// Stats returns run counts by state.
func (s *MemoryStore) Stats(ctx context.Context) (run.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats run.Stats
	for _, r := range s.runs {
		stats.Add(r.State, 1)
	}
	return stats, nil
}

// CleanupOldRuns deletes terminal runs older than the retention window.
func (s *MemoryStore) CleanupOldRuns(ctx context.Context, days int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	count := 0
	for id, r := range s.runs {
		if r.State.IsTerminal() && r.CreatedAt.Before(cutoff) {
			delete(s.runs, id)
			count++
		}
	}
	return count, nil
}

// SaveSession upserts a session record.
func (s *MemoryStore) SaveSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sess
	copied.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ID] = &copied
	sess.UpdatedAt = copied.UpdatedAt
	return nil
}

// LoadSession returns a session, or nil if absent.
func (s *MemoryStore) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *sess
	return &copied, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *MemoryStore) ListSessions(ctx context.Context) ([]*Session, error) {
	s.mu.RLock()
	var result []*Session
	for _, sess := range s.sessions {
		copied := *sess
		result = append(result, &copied)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
