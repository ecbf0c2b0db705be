package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLiteStore persists checkpoints in a local SQLite database.
//
// The driver is modernc.org/sqlite, so no cgo is required. The store
// is tuned for a single process: WAL journaling for readers during
// writes, a busy timeout instead of immediate lock errors, and a
// single write connection.
type SQLiteStore[S any] struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// prepares the checkpoint table. Use ":memory:" for a throwaway store.
func NewSQLiteStore[S any](dbPath string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", errors.Join(ErrUnavailable, err))
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, errors.Join(ErrUnavailable, err))
		}
	}

	// Serialize writes through one connection. SQLite allows a single
	// writer; funneling avoids SQLITE_BUSY churn under concurrent runs.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore[S]{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore[S]) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id         TEXT PRIMARY KEY,
		state          TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		updated_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create runs table: %w", errors.Join(ErrUnavailable, err))
	}
	return nil
}

// Save upserts the checkpoint row for runID.
func (s *SQLiteStore[S]) Save(ctx context.Context, runID string, state S) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint for run %s: %w", runID, err)
	}
	query := `
	INSERT INTO runs (run_id, state, schema_version, updated_at)
	VALUES (?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(run_id) DO UPDATE SET
		state = excluded.state,
		schema_version = excluded.schema_version,
		updated_at = CURRENT_TIMESTAMP`
	if _, err := s.db.ExecContext(ctx, query, runID, string(data), schemaVersion); err != nil {
		return fmt.Errorf("save run %s: %w", runID, errors.Join(ErrUnavailable, err))
	}
	return nil
}

// Load returns the checkpoint for runID, or ErrNotFound.
func (s *SQLiteStore[S]) Load(ctx context.Context, runID string) (S, error) {
	var state S
	var data string
	query := `SELECT state FROM runs WHERE run_id = ?`
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return state, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return state, fmt.Errorf("load run %s: %w", runID, errors.Join(ErrUnavailable, err))
	}
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return state, fmt.Errorf("decode checkpoint for run %s: %w", runID, err)
	}
	return state, nil
}

// List returns all stored run IDs ordered by most recent update.
func (s *SQLiteStore[S]) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runs ORDER BY updated_at DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", errors.Join(ErrUnavailable, err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", errors.Join(ErrUnavailable, err))
	}
	return ids, nil
}

// Delete removes the checkpoint for runID.
func (s *SQLiteStore[S]) Delete(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", runID, errors.Join(ErrUnavailable, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore[S]) Close() error {
	return s.db.Close()
}
