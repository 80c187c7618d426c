package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS script_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    name TEXT NOT NULL,
    exit_code INTEGER NOT NULL,
    stdout TEXT NOT NULL DEFAULT '',
    stderr TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMP NOT NULL,
    ran_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_script_runs_name ON script_runs(name, id DESC);
`

// SQLiteHistory persists run records in a local SQLite database. The
// table is pruned after every insert so retention matches the memory
// backend.
type SQLiteHistory struct {
	db       *sql.DB
	capacity int
}

// NewSQLiteHistory opens (creating if needed) the database at path and
// ensures the schema exists.
func NewSQLiteHistory(path string, capacity int) (*SQLiteHistory, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}

	return &SQLiteHistory{db: db, capacity: capacity}, nil
}

// Append inserts the run and prunes records beyond capacity.
func (h *SQLiteHistory) Append(ctx context.Context, run *JobRun) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO script_runs(run_id, name, exit_code, stdout, stderr, started_at, ran_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.ExitCode, run.Stdout, run.Stderr,
		run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}

	if h.capacity > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM script_runs
			 WHERE id NOT IN (SELECT id FROM script_runs ORDER BY id DESC LIMIT ?)`,
			h.capacity,
		)
		if err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
	}

	return tx.Commit()
}

// Recent returns up to limit records, newest first.
func (h *SQLiteHistory) Recent(ctx context.Context, limit int) ([]JobRun, error) {
	if limit <= 0 || (h.capacity > 0 && limit > h.capacity) {
		limit = h.capacity
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT run_id, name, exit_code, stdout, stderr, started_at, ran_at
		 FROM script_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Latest returns the newest record for the named job, or nil.
func (h *SQLiteHistory) Latest(ctx context.Context, name string) (*JobRun, error) {
	row := h.db.QueryRowContext(ctx,
		`SELECT run_id, name, exit_code, stdout, stderr, started_at, ran_at
		 FROM script_runs WHERE name = ? ORDER BY id DESC LIMIT 1`, name)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Close closes the database handle.
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (JobRun, error) {
	var run JobRun
	var startedAt, ranAt time.Time
	err := row.Scan(&run.ID, &run.Name, &run.ExitCode, &run.Stdout, &run.Stderr, &startedAt, &ranAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JobRun{}, err
		}
		return JobRun{}, fmt.Errorf("scan history record: %w", err)
	}
	run.Label = Label(run.Name)
	run.StartedAt = startedAt
	run.FinishedAt = ranAt
	return run, nil
}
