package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentq/agentq/internal/run"
)

// SQLStore implements Store on a SQL database. The writer pool serializes
// writes (a single connection for SQLite); the reader pool serves queries.
// The same SQL runs on SQLite and PostgreSQL; placeholders are rebound per
// driver via sqlx.
type SQLStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewSQLStore creates a store over existing writer and reader connections.
// Pass the same connection twice when a separate read pool is not needed.
func NewSQLStore(writer, reader *sql.DB, driverName string) *SQLStore {
	w := sqlx.NewDb(writer, driverName)
	r := w
	if reader != nil && reader != writer {
		r = sqlx.NewDb(reader, driverName)
	}
	return &SQLStore{db: w, ro: r}
}

const runColumns = `run_id, agent_name, session_id, parent_run_id, input_content,
	output_content, state, priority, retry_count, max_retries, error,
	created_at, started_at, ended_at`

// Initialize creates the runs and sessions tables and their indexes.
func (s *SQLStore) Initialize(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL,
			session_id TEXT,
			parent_run_id TEXT,
			input_content TEXT,
			output_content TEXT,
			state TEXT NOT NULL CHECK (state IN ('queued','running','paused','succeeded','failed','cancelled')),
			priority INTEGER NOT NULL DEFAULT 1 CHECK (priority IN (0,1,2,3)),
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			error TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			ended_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session_id ON runs(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT,
			state_json TEXT,
			config_json TEXT,
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: failed to initialize schema: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// SaveRun upserts a run by ID.
func (s *SQLStore) SaveRun(ctx context.Context, r *run.Run) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			agent_name = excluded.agent_name,
			session_id = excluded.session_id,
			parent_run_id = excluded.parent_run_id,
			input_content = excluded.input_content,
			output_content = excluded.output_content,
			state = excluded.state,
			priority = excluded.priority,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			error = excluded.error,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`),
		r.ID, r.AgentName, nullStr(r.SessionID), nullStr(r.ParentRunID), r.Input,
		nullStr(r.Output), string(r.State), int(r.Priority), r.RetryCount, r.MaxRetries,
		nullStr(r.Error), r.CreatedAt, r.StartedAt, r.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to save run %s: %v", ErrUnavailable, r.ID, err)
	}
	return nil
}

// LoadRun returns the persisted snapshot for a run, or nil if absent.
func (s *SQLStore) LoadRun(ctx context.Context, runID string) (*run.Run, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+runColumns+` FROM runs WHERE run_id = ?
	`), runID)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load run %s: %v", ErrUnavailable, runID, err)
	}
	return r, nil
}

// ListRuns returns runs matching the filter, created_at descending.
func (s *SQLStore) ListRuns(ctx context.Context, f Filter) ([]*run.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []interface{}{}

	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list runs: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	return scanRuns(rows)
}

// DeleteRun removes a run row; returns true iff one existed.
func (s *SQLStore) DeleteRun(ctx context.Context, runID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM runs WHERE run_id = ?`), runID)
	if err != nil {
		return false, fmt.Errorf("%w: failed to delete run %s: %v", ErrUnavailable, runID, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// UpdateRunState changes a run's state in place. ended_at is set iff the new
// state is terminal.
func (s *SQLStore) UpdateRunState(ctx context.Context, runID string, state run.State, errMsg string) (bool, error) {
	var result sql.Result
	var err error
	if state.IsTerminal() {
		result, err = s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE runs SET state = ?, error = ?, ended_at = ? WHERE run_id = ?
		`), string(state), nullStr(errMsg), time.Now().UTC(), runID)
	} else {
		result, err = s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE runs SET state = ?, error = ? WHERE run_id = ?
		`), string(state), nullStr(errMsg), runID)
	}
	if err != nil {
		return false, fmt.Errorf("%w: failed to update run %s state: %v", ErrUnavailable, runID, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// LoadPendingRuns returns all active runs, oldest first, for recovery.
func (s *SQLStore) LoadPendingRuns(ctx context.Context) ([]*run.Run, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+runColumns+` FROM runs
		WHERE state IN (?, ?, ?)
		ORDER BY created_at ASC
	`), string(run.StateQueued), string(run.StateRunning), string(run.StatePaused))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load pending runs: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	return scanRuns(rows)
}

// MarkInterruptedAsFailed promotes crash-orphaned RUNNING rows to FAILED.
func (s *SQLStore) MarkInterruptedAsFailed(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs SET state = ?, error = ?, ended_at = ? WHERE state = ?
	`), string(run.StateFailed), InterruptedError, time.Now().UTC(), string(run.StateRunning))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to mark interrupted runs: %v", ErrUnavailable, err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Stats returns run counts by state.
func (s *SQLStore) Stats(ctx context.Context) (run.Stats, error) {
	var stats run.Stats
	rows, err := s.ro.QueryContext(ctx, `SELECT state, COUNT(*) FROM runs GROUP BY state`)
	if err != nil {
		return stats, fmt.Errorf("%w: failed to collect stats: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return stats, fmt.Errorf("%w: failed to scan stats: %v", ErrUnavailable, err)
		}
		stats.Add(run.State(state), count)
	}
	return stats, rows.Err()
}

// CleanupOldRuns deletes terminal runs older than the retention window.
func (s *SQLStore) CleanupOldRuns(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM runs
		WHERE state IN (?, ?, ?) AND created_at < ?
	`), string(run.StateSucceeded), string(run.StateFailed), string(run.StateCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to clean up old runs: %v", ErrUnavailable, err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// SaveSession upserts a session record.
func (s *SQLStore) SaveSession(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (session_id, user_id, state_json, config_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = excluded.user_id,
			state_json = excluded.state_json,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at
	`), sess.ID, nullStr(sess.UserID), nullStr(sess.StateJSON), nullStr(sess.ConfigJSON), sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: failed to save session %s: %v", ErrUnavailable, sess.ID, err)
	}
	return nil
}

// LoadSession returns a session, or nil if absent.
func (s *SQLStore) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	sess := &Session{}
	var userID, stateJSON, configJSON sql.NullString
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT session_id, user_id, state_json, config_json, updated_at
		FROM sessions WHERE session_id = ?
	`), sessionID).Scan(&sess.ID, &userID, &stateJSON, &configJSON, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load session %s: %v", ErrUnavailable, sessionID, err)
	}
	sess.UserID = userID.String
	sess.StateJSON = stateJSON.String
	sess.ConfigJSON = configJSON.String
	return sess, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *SQLStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT session_id, user_id, state_json, config_json, updated_at
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list sessions: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		sess := &Session{}
		var userID, stateJSON, configJSON sql.NullString
		if err := rows.Scan(&sess.ID, &userID, &stateJSON, &configJSON, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan session: %v", ErrUnavailable, err)
		}
		sess.UserID = userID.String
		sess.StateJSON = stateJSON.String
		sess.ConfigJSON = configJSON.String
		result = append(result, sess)
	}
	return result, rows.Err()
}

// Close closes the writer and reader pools.
func (s *SQLStore) Close() error {
	if s.ro != s.db {
		_ = s.ro.Close()
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*run.Run, error) {
	r := &run.Run{}
	var sessionID, parentRunID, output, errMsg sql.NullString
	var state string
	var priority int
	var startedAt, endedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.AgentName, &sessionID, &parentRunID, &r.Input,
		&output, &state, &priority, &r.RetryCount, &r.MaxRetries, &errMsg,
		&r.CreatedAt, &startedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}

	r.SessionID = sessionID.String
	r.ParentRunID = parentRunID.String
	r.Output = output.String
	r.Error = errMsg.String
	r.State = run.State(state)
	r.Priority = run.Priority(priority)
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		r.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		r.EndedAt = &t
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func scanRuns(rows *sql.Rows) ([]*run.Run, error) {
	var result []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan run: %v", ErrUnavailable, err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// nullStr maps empty strings to NULL so optional columns stay NULL in SQL.
func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
