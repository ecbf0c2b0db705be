// Package store provides checkpoint persistence for pipeline runs.
//
// A checkpoint is the full run state serialized after every node
// dispatch. The engine saves one checkpoint per dispatch and reloads
// it when a suspended run is resumed, so any backend that honors the
// Store contract gives crash recovery and human-in-the-loop handoff
// for free.
//
// Three backends are provided:
//
//   - MemStore: in-process map, used for tests and as the engine's
//     degraded-mode fallback.
//   - SQLiteStore: single-file durable storage (modernc.org/sqlite,
//     no cgo required).
//   - MySQLStore: shared durable storage for multi-process deployments.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no checkpoint exists for the requested
// run ID.
var ErrNotFound = errors.New("run checkpoint not found")

// ErrUnavailable is returned when the backing storage cannot be
// reached. The engine treats it as a degradation signal, not a run
// failure: it switches to an in-process fallback and keeps executing.
var ErrUnavailable = errors.New("checkpoint storage unavailable")

// Store persists run checkpoints keyed by run ID.
//
// Save overwrites any existing checkpoint for the same run ID; the
// engine checkpoints after every dispatch, so the stored row is always
// the latest state. Implementations must serialize the state rather
// than retain the caller's value, so later mutations by the engine
// never leak into a saved checkpoint.
type Store[S any] interface {
	// Save writes the checkpoint for runID, replacing any previous one.
	Save(ctx context.Context, runID string, state S) error

	// Load returns the latest checkpoint for runID, or ErrNotFound.
	Load(ctx context.Context, runID string) (S, error)

	// List returns the IDs of all runs with a stored checkpoint.
	List(ctx context.Context) ([]string, error)

	// Delete removes the checkpoint for runID. Deleting a run that
	// does not exist returns ErrNotFound.
	Delete(ctx context.Context, runID string) error
}

// schemaVersion tags persisted checkpoints so future readers can
// migrate old rows. Bump when the serialized run state changes shape.
const schemaVersion = 1
