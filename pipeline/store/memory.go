package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store backed by a map.
//
// Checkpoints are serialized to JSON on Save and decoded on Load, the
// same contract the durable backends use, so a state that survives
// MemStore round-trips will survive SQLite and MySQL too. Safe for
// concurrent use.
type MemStore[S any] struct {
	mu   sync.RWMutex
	runs map[string][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{runs: make(map[string][]byte)}
}

// Save serializes state and stores it under runID.
func (m *MemStore[S]) Save(ctx context.Context, runID string, state S) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint for run %s: %w", runID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID] = data
	return nil
}

// Load decodes and returns the checkpoint for runID.
func (m *MemStore[S]) Load(ctx context.Context, runID string) (S, error) {
	var state S
	if err := ctx.Err(); err != nil {
		return state, err
	}
	m.mu.RLock()
	data, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return state, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("decode checkpoint for run %s: %w", runID, err)
	}
	return state, nil
}

// List returns the IDs of all stored runs in no particular order.
func (m *MemStore[S]) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	return ids, nil
}

// Delete removes the checkpoint for runID.
func (m *MemStore[S]) Delete(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	delete(m.runs, runID)
	return nil
}

// Len reports the number of stored checkpoints.
func (m *MemStore[S]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs)
}
