package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // mysql driver
)

// MySQLStore persists checkpoints in MySQL, for deployments where
// several workers share one checkpoint database.
//
// The DSN must include parseTime=true, e.g.
//
//	user:pass@tcp(localhost:3306)/pipelines?parseTime=true
type MySQLStore[S any] struct {
	db *sql.DB
}

// NewMySQLStore connects to MySQL, verifies the connection, and
// prepares the checkpoint table.
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", errors.Join(ErrUnavailable, err))
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", errors.Join(ErrUnavailable, err))
	}

	s := &MySQLStore[S]{db: db}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore[S]) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id         VARCHAR(64) NOT NULL,
		state          JSON NOT NULL,
		schema_version INT NOT NULL,
		updated_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create runs table: %w", errors.Join(ErrUnavailable, err))
	}
	return nil
}

// Save upserts the checkpoint row for runID.
func (s *MySQLStore[S]) Save(ctx context.Context, runID string, state S) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint for run %s: %w", runID, err)
	}
	query := `
	INSERT INTO runs (run_id, state, schema_version)
	VALUES (?, ?, ?)
	ON DUPLICATE KEY UPDATE
		state = VALUES(state),
		schema_version = VALUES(schema_version)`
	if _, err := s.db.ExecContext(ctx, query, runID, string(data), schemaVersion); err != nil {
		return fmt.Errorf("save run %s: %w", runID, errors.Join(ErrUnavailable, err))
	}
	return nil
}

// Load returns the checkpoint for runID, or ErrNotFound.
func (s *MySQLStore[S]) Load(ctx context.Context, runID string) (S, error) {
	var state S
	var data []byte
	query := `SELECT state FROM runs WHERE run_id = ?`
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return state, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return state, fmt.Errorf("load run %s: %w", runID, errors.Join(ErrUnavailable, err))
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("decode checkpoint for run %s: %w", runID, err)
	}
	return state, nil
}

// List returns all stored run IDs ordered by most recent update.
func (s *MySQLStore[S]) List(ctx context.Context) ([]string, error) {
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
func (s *MySQLStore[S]) Delete(ctx context.Context, runID string) error {
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

// Close releases the underlying connection pool.
func (s *MySQLStore[S]) Close() error {
	return s.db.Close()
}
