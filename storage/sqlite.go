// Package storage provides the SQLite run journal.
//
// Information Hiding:
// - SQLite connection management hidden behind RunStorage
// - Schema creation encapsulated in OpenSqlite
// - Thread-safe via sql.DB's built-in connection pooling

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SqliteStorage implements RunStorage using SQLite.
type SqliteStorage struct {
	db *sql.DB
}

// OpenSqlite opens or creates a SQLite database at the given path.
// Creates parent directories if they don't exist.
func OpenSqlite(path string) (*SqliteStorage, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	storage := &SqliteStorage{db: db}
	if err := storage.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// NewSqliteInMemory creates an in-memory database (useful for testing).
func NewSqliteInMemory() (*SqliteStorage, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	storage := &SqliteStorage{db: db}
	if err := storage.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// Close closes the database connection.
func (s *SqliteStorage) Close() error {
	return s.db.Close()
}

func (s *SqliteStorage) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			agent TEXT NOT NULL,
			lookahead INTEGER NOT NULL,
			first_sequence INTEGER NOT NULL DEFAULT 0,
			last_sequence INTEGER NOT NULL DEFAULT 0,
			start_position INTEGER NOT NULL DEFAULT 0,
			final_position INTEGER NOT NULL DEFAULT 0,
			fetches INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_runs_started
		ON runs(started_at DESC);

		CREATE TABLE IF NOT EXISTS slices (
			run_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			url TEXT NOT NULL,
			byte_size INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			fetched_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, sequence)
		);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// BeginRun stores a new running run.
func (s *SqliteStorage) BeginRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, mode, agent, lookahead, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Mode, run.Agent, run.Lookahead, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to begin run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (s *SqliteStorage) FinishRun(ctx context.Context, runID string, outcome Outcome) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run = finish(run, outcome)

	// Convert empty error to NULL
	var errText sql.NullString
	if run.Error != "" {
		errText = sql.NullString{String: run.Error, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET
			first_sequence = ?, last_sequence = ?, start_position = ?, final_position = ?,
			fetches = ?, status = ?, error = ?, finished_at = ?
		WHERE run_id = ?`,
		run.FirstSequence, run.LastSequence, run.StartPosition, run.FinalPosition,
		run.Fetches, string(run.Status), errText, run.FinishedAt,
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

const runColumns = `run_id, mode, agent, lookahead, first_sequence, last_sequence,
	start_position, final_position, fetches, status, error, started_at, finished_at`

// GetRun loads a run by ID.
func (s *SqliteStorage) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE run_id = ?", runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns lists runs, most recent first.
func (s *SqliteStorage) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{} // Start with empty slice, not nil
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRun scans a single run row.
func scanRun(row rowScanner) (Run, error) {
	var run Run
	var status string
	var errText sql.NullString

	err := row.Scan(
		&run.ID,
		&run.Mode,
		&run.Agent,
		&run.Lookahead,
		&run.FirstSequence,
		&run.LastSequence,
		&run.StartPosition,
		&run.FinalPosition,
		&run.Fetches,
		&status,
		&errText,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err == sql.ErrNoRows {
		return Run{}, err
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to scan run: %w", err)
	}

	if errText.Valid {
		run.Error = errText.String
	}

	run.Status, err = ParseRunStatus(status)
	if err != nil {
		// Invalid status in database indicates data corruption or schema mismatch.
		return Run{}, fmt.Errorf("invalid run status %q in database: %w", status, err)
	}
	return run, nil
}

// DeleteRun removes a run and its slices.
func (s *SqliteStorage) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// defer tx.Rollback() is safe even after Commit() - it becomes a no-op
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM slices WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to delete slices: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordSlice stores one slice record, replacing any earlier record for the
// same run and sequence.
func (s *SqliteStorage) RecordSlice(ctx context.Context, rec SliceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO slices (run_id, sequence, url, byte_size, checksum, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Sequence, rec.URL, rec.ByteSize, rec.Checksum, rec.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record slice: %w", err)
	}
	return nil
}

// LoadSlices loads a run's slice records in sequence order.
func (s *SqliteStorage) LoadSlices(ctx context.Context, runID string) ([]SliceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, sequence, url, byte_size, checksum, fetched_at
		FROM slices
		WHERE run_id = ?
		ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query slices: %w", err)
	}
	defer rows.Close()

	records := []SliceRecord{}
	for rows.Next() {
		var r SliceRecord
		if err := rows.Scan(&r.RunID, &r.Sequence, &r.URL, &r.ByteSize, &r.Checksum, &r.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan slice: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating slices: %w", err)
	}

	return records, nil
}

// Verify SqliteStorage implements RunStorage
var _ RunStorage = (*SqliteStorage)(nil)
