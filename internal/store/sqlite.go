package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists run history in a sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent runs.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		cost REAL NOT NULL DEFAULT 0,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		calls INTEGER NOT NULL DEFAULT 0,
		summary TEXT,
		summary_version INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS invocations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		run_id TEXT NOT NULL REFERENCES runs(id),
		step_id TEXT,
		role TEXT NOT NULL,
		model_id TEXT NOT NULL,
		route_reason TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		input_digest TEXT NOT NULL,
		latency_ns INTEGER NOT NULL DEFAULT 0,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	CREATE INDEX IF NOT EXISTS idx_invocations_run ON invocations(run_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, goal, status, created_at, finished_at, cost, prompt_tokens, completion_tokens, calls, summary, summary_version, failure_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			cost = excluded.cost,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			calls = excluded.calls,
			summary = excluded.summary,
			summary_version = excluded.summary_version,
			failure_reason = excluded.failure_reason`,
		run.ID, run.Goal, run.Status, run.CreatedAt, run.FinishedAt,
		run.Cost, run.PromptTokens, run.CompletionTokens, run.Calls,
		run.Summary, run.SummaryVersion, run.FailureReason,
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, goal, status, created_at, finished_at, cost, prompt_tokens, completion_tokens, calls, summary, summary_version, failure_reason
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, goal, status, created_at, finished_at, cost, prompt_tokens, completion_tokens, calls, summary, summary_version, failure_reason
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(scan func(dest ...any) error) (*RunRecord, error) {
	var run RunRecord
	var finishedAt sql.NullTime
	var summary, failureReason sql.NullString

	err := scan(
		&run.ID, &run.Goal, &run.Status, &run.CreatedAt, &finishedAt,
		&run.Cost, &run.PromptTokens, &run.CompletionTokens, &run.Calls,
		&summary, &run.SummaryVersion, &failureReason,
	)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if summary.Valid {
		run.Summary = summary.String
	}
	if failureReason.Valid {
		run.FailureReason = failureReason.String
	}
	return &run, nil
}

func (s *SQLiteStore) AppendInvocation(ctx context.Context, inv *InvocationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (id, run_id, step_id, role, model_id, route_reason, attempt, status, input_digest, latency_ns, prompt_tokens, completion_tokens, cost, started_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.RunID, inv.StepID, inv.Role, inv.ModelID, inv.RouteReason,
		inv.Attempt, inv.Status, inv.InputDigest, int64(inv.Latency),
		inv.PromptTokens, inv.CompletionTokens, inv.Cost, inv.StartedAt, inv.Error,
	)
	return err
}

func (s *SQLiteStore) ListInvocations(ctx context.Context, runID string) ([]*InvocationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, role, model_id, route_reason, attempt, status, input_digest, latency_ns, prompt_tokens, completion_tokens, cost, started_at, error
		 FROM invocations WHERE run_id = ? ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invs []*InvocationRecord
	for rows.Next() {
		var inv InvocationRecord
		var stepID, errText sql.NullString
		var latencyNS int64

		err := rows.Scan(
			&inv.ID, &inv.RunID, &stepID, &inv.Role, &inv.ModelID, &inv.RouteReason,
			&inv.Attempt, &inv.Status, &inv.InputDigest, &latencyNS,
			&inv.PromptTokens, &inv.CompletionTokens, &inv.Cost, &inv.StartedAt, &errText,
		)
		if err != nil {
			return nil, err
		}
		inv.Latency = time.Duration(latencyNS)
		if stepID.Valid {
			inv.StepID = stepID.String
		}
		if errText.Valid {
			inv.Error = errText.String
		}
		invs = append(invs, &inv)
	}
	return invs, rows.Err()
}
