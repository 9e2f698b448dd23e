// Package history keeps an audit log of job runs in SQLite.
//
// The log is write-mostly: the runner appends one record per finished run
// and never reads it back to influence a later run. The history command
// lists it for humans.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shinji-kodama/pipeline-runner/internal/model"
)

// DefaultLimit is the number of runs List returns when no limit is given.
const DefaultLimit = 20

// ErrRunNotFound is returned by Get for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (creating if needed) the history database at path.
// Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A :memory: database is private to its connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		workflow TEXT NOT NULL,
		job TEXT NOT NULL,
		executor TEXT NOT NULL,
		commit_sha TEXT,
		branch TEXT,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_runs_job ON runs(job);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS steps (
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		step_index INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		error TEXT,
		PRIMARY KEY (run_id, step_index)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a finished run and its steps in one transaction.
func (s *Store) Record(ctx context.Context, result *model.JobResult) error {
	if !result.Status.IsTerminal() {
		return fmt.Errorf("run %s is still %s", result.RunID, result.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, workflow, job, executor, commit_sha, branch, status, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, result.Workflow, result.Job, result.Executor, result.Commit, result.Branch,
		string(result.Status), toMillis(result.StartedAt), toMillis(result.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, step := range result.Steps {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO steps (run_id, step_index, name, status, exit_code, started_at, finished_at, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			result.RunID, step.Index, step.Name, string(step.Status), step.ExitCode,
			toMillis(step.StartedAt), toMillis(step.FinishedAt), step.Error,
		)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", step.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// Filter narrows List.
type Filter struct {
	// Job restricts results to one job id. Empty means all jobs.
	Job string

	// Limit caps the number of runs. Zero means DefaultLimit.
	Limit int
}

// List returns recorded runs, newest first, without their steps.
func (s *Store) List(ctx context.Context, filter Filter) ([]model.JobResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT run_id, workflow, job, executor, commit_sha, branch, status, started_at, finished_at FROM runs`
	args := []any{}
	if filter.Job != "" {
		query += ` WHERE job = ?`
		args = append(args, filter.Job)
	}
	query += ` ORDER BY started_at DESC, run_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []model.JobResult
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Get returns one run with its steps.
func (s *Store) Get(ctx context.Context, runID string) (*model.JobResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, workflow, job, executor, commit_sha, branch, status, started_at, finished_at FROM runs WHERE run_id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_index, name, status, exit_code, started_at, finished_at, error FROM steps WHERE run_id = ? ORDER BY step_index`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step              model.StepResult
			status            string
			started, finished sql.NullInt64
			errText           sql.NullString
		)
		if err := rows.Scan(&step.Index, &step.Name, &status, &step.ExitCode, &started, &finished, &errText); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Status = model.StepStatus(status)
		step.StartedAt = fromMillis(started)
		step.FinishedAt = fromMillis(finished)
		step.Error = errText.String
		run.Steps = append(run.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return &run, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (model.JobResult, error) {
	var (
		run               model.JobResult
		status            string
		commit, branch    sql.NullString
		started, finished sql.NullInt64
	)
	err := row.Scan(&run.RunID, &run.Workflow, &run.Job, &run.Executor, &commit, &branch, &status, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, err
		}
		return run, fmt.Errorf("scan run: %w", err)
	}
	run.Commit = commit.String
	run.Branch = branch.String
	run.Status = model.JobStatus(status)
	run.StartedAt = fromMillis(started)
	run.FinishedAt = fromMillis(finished)
	return run, nil
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
