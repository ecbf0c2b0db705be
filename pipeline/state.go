// Package pipeline provides the recipe execution engine for RecipeFlow-Go.
package pipeline

import (
	"encoding/json"
	"time"
)

// Status is a run's lifecycle state.
type Status string

const (
	// StatusRunning means the engine is actively dispatching nodes.
	StatusRunning Status = "running"

	// StatusAwaitingHuman means the run is suspended at a gate
	// escalation or a human review node, pending Resume.
	StatusAwaitingHuman Status = "awaiting_human"

	// StatusCompleted means the run reached its terminal node.
	StatusCompleted Status = "completed"

	// StatusFailed means an agent failed, a reviewer rejected, or the
	// run was cancelled.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is final. Terminal statuses are
// sticky: no operation moves a run out of them.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Payload is the accumulating document state of a run. Stages add or
// overwrite the keys they own; keys are never deleted. Values must be
// JSON-serializable, which the per-dispatch checkpoint enforces.
type Payload map[string]any

// Clone returns a deep copy via a JSON round trip, so mutations of the
// copy never reach the original. A value that fails to marshal falls
// back to a key-level copy with shared values.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	data, err := json.Marshal(p)
	if err == nil {
		var out Payload
		if json.Unmarshal(data, &out) == nil {
			if out == nil {
				out = Payload{}
			}
			return out
		}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge applies delta onto p, adding new keys and overwriting existing
// ones. Nothing is ever removed.
func (p Payload) Merge(delta Payload) {
	for k, v := range delta {
		p[k] = v
	}
}

// HistoryEntry is one record in a run's audit trail. The engine
// appends exactly one entry per dispatch, including gate evaluations,
// retried stages, suspensions, and human decisions.
type HistoryEntry struct {
	Node      string    `json:"node"`
	Outcome   string    `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}

// RunState is the complete persisted state of one run. It is what the
// checkpoint store saves after every dispatch and what Resume reloads.
type RunState struct {
	RunID    string `json:"run_id"`
	RecipeID string `json:"recipe_id"`

	// Cursor names the node the engine will dispatch next, or the
	// node the run is suspended at.
	Cursor string `json:"cursor"`

	Status Status `json:"status"`

	// Payload accumulates stage outputs over the run.
	Payload Payload `json:"payload"`

	// Input preserves the payload the run started with, for replay.
	Input Payload `json:"input"`

	// RetryCounts tracks per-gate retry usage. Counts only grow; they
	// are never reset, which is what bounds revision loops.
	RetryCounts map[string]int `json:"retry_counts"`

	// History is the append-only audit trail.
	History []HistoryEntry `json:"history"`

	// Cause summarizes why a failed run failed.
	Cause string `json:"cause,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns an independent deep copy of the state.
func (s *RunState) Clone() RunState {
	out := *s
	out.Payload = s.Payload.Clone()
	out.Input = s.Input.Clone()
	out.RetryCounts = make(map[string]int, len(s.RetryCounts))
	for k, v := range s.RetryCounts {
		out.RetryCounts[k] = v
	}
	out.History = make([]HistoryEntry, len(s.History))
	copy(out.History, s.History)
	return out
}

// Retries returns the retry count consumed at the named gate.
func (s *RunState) Retries(node string) int {
	return s.RetryCounts[node]
}

// record appends a history entry and bumps the update time.
func (s *RunState) record(node, outcome string, at time.Time) {
	s.History = append(s.History, HistoryEntry{Node: node, Outcome: outcome, Timestamp: at})
	s.UpdatedAt = at
}
