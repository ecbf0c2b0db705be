// Package pipeline provides the recipe execution engine for RecipeFlow-Go.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/recipeflow-go/pipeline/store"
)

// ReviewDecision is a human verdict applied to a suspended run.
type ReviewDecision string

const (
	// DecisionApprove accepts the work and moves the run forward.
	DecisionApprove ReviewDecision = "approve"

	// DecisionRevise routes the run back to the node's revision target
	// for another pass. Revision does not consume gate retries.
	DecisionRevise ReviewDecision = "revise"

	// DecisionReject fails the run.
	DecisionReject ReviewDecision = "reject"
)

// RunFilter narrows ListRuns output. Zero-valued fields match
// everything.
type RunFilter struct {
	RecipeID string
	Status   Status
}

// RunSummary is the control-surface view of one run: enough to drive a
// dashboard or a review queue without shipping the whole payload.
type RunSummary struct {
	RunID       string
	RecipeID    string
	Status      Status
	Cursor      string
	Steps       int
	RetryCounts map[string]int
	Cause       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// lockRun serializes control-surface writes on one run. Each run has at
// most one writer at a time: a second verdict on the same suspended run
// waits here and then observes the status the first one persisted.
func (e *Engine) lockRun(runID string) func() {
	mu, _ := e.runLocks.LoadOrStore(runID, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	return lock.Unlock
}

func summarize(st *RunState) RunSummary {
	counts := make(map[string]int, len(st.RetryCounts))
	for gate, n := range st.RetryCounts {
		counts[gate] = n
	}
	return RunSummary{
		RunID:       st.RunID,
		RecipeID:    st.RecipeID,
		Status:      st.Status,
		Cursor:      st.Cursor,
		Steps:       len(st.History),
		RetryCounts: counts,
		Cause:       st.Cause,
		CreatedAt:   st.CreatedAt,
		UpdatedAt:   st.UpdatedAt,
	}
}

// Resume applies a human verdict to a run suspended in awaiting_human
// and, for approve and revise, drives it forward until it completes,
// fails, or suspends again. The verdict is recorded as one dispatch at
// the suspended node, and non-empty notes land in the payload under
// "<node>_notes" so downstream stages see the reviewer's guidance.
//
// Returns ErrInvalidState when the run is not awaiting a human, and
// *InvalidTransitionError when the verdict has no route at the
// suspended node, such as revise where no revision target exists.
// Concurrent verdicts on the same run are serialized; the first one in
// wins and the rest see ErrInvalidState.
func (e *Engine) Resume(ctx context.Context, runID string, decision ReviewDecision, notes string) error {
	unlock := e.lockRun(runID)
	defer unlock()

	st, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if st.Status != StatusAwaitingHuman {
		return fmt.Errorf("resume run %s in status %s: %w", runID, st.Status, ErrInvalidState)
	}
	rec, ok := e.recipe(st.RecipeID)
	if !ok {
		return fmt.Errorf("recipe %s: %w", st.RecipeID, ErrRecipeNotFound)
	}
	node, ok := rec.Node(st.Cursor)
	if !ok {
		return &InvalidTransitionError{Node: st.Cursor, Message: "suspended cursor names a node the recipe does not define"}
	}
	if node.Kind != KindGate && node.Kind != KindHumanReview {
		return &InvalidTransitionError{Node: node.ID, Message: "run is not suspended at a reviewable node"}
	}

	next, err := e.resumeTarget(rec, node, decision)
	if err != nil {
		return err
	}

	if notes != "" {
		if st.Payload == nil {
			st.Payload = Payload{}
		}
		st.Payload[node.ID+"_notes"] = notes
	}
	e.emitRun(&st, "run_resumed", map[string]any{"decision": string(decision)})
	st.record(node.ID, string(decision), e.now())

	if decision == DecisionReject {
		st.Status = StatusFailed
		st.Cause = "rejected by reviewer"
		if next != "" {
			st.Cursor = next
		}
		e.emitRun(&st, "run_failed", map[string]any{"cause": st.Cause})
		if e.opts.Metrics != nil {
			e.opts.Metrics.RunFinished(rec.ID, "failed")
		}
		return e.checkpoint(ctx, &st)
	}

	st.Status = StatusRunning
	st.Cursor = next
	if err := e.checkpoint(ctx, &st); err != nil {
		return err
	}
	return e.drive(ctx, rec, &st)
}

// resumeTarget maps a verdict onto the suspended node's edges. Reject
// may return an empty target when the node declares no reject edge;
// the cursor then stays put.
func (e *Engine) resumeTarget(rec *Recipe, node Node, decision ReviewDecision) (string, error) {
	switch decision {
	case DecisionApprove:
		var label string
		if node.Kind == KindGate {
			label = node.Gate.ContinueLabel
		} else {
			label = node.Review.ApproveLabel
		}
		next, ok := rec.Next(node.ID, label)
		if !ok {
			return "", &InvalidTransitionError{Node: node.ID, Outcome: label, Message: "no edge for approve routing"}
		}
		return next, nil

	case DecisionRevise:
		target := rec.revisionTarget(node)
		if target == "" {
			return "", &InvalidTransitionError{Node: node.ID, Message: "node offers no revision target"}
		}
		return target, nil

	case DecisionReject:
		var label string
		if node.Kind == KindGate {
			label = node.Gate.EscalateLabel
		} else {
			label = node.Review.RejectLabel
		}
		next, _ := rec.Next(node.ID, label)
		return next, nil

	default:
		return "", fmt.Errorf("unknown review decision %q: %w", decision, ErrInvalidState)
	}
}

// Cancel fails a suspended run without a reviewer verdict. Only runs in
// awaiting_human can be cancelled; a running run owns its goroutine
// until it suspends or finishes, and terminal runs stay terminal.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	unlock := e.lockRun(runID)
	defer unlock()

	st, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if st.Status != StatusAwaitingHuman {
		return fmt.Errorf("cancel run %s in status %s: %w", runID, st.Status, ErrInvalidState)
	}

	st.Status = StatusFailed
	st.Cause = "cancelled"
	if reason != "" {
		st.Cause = "cancelled: " + reason
	}
	st.UpdatedAt = e.now()
	e.emitRun(&st, "run_cancelled", map[string]any{"cause": st.Cause})
	if e.opts.Metrics != nil {
		e.opts.Metrics.RunFinished(st.RecipeID, "failed")
	}
	return e.checkpoint(ctx, &st)
}

// Status reports the control-surface view of one run.
func (e *Engine) Status(ctx context.Context, runID string) (RunSummary, error) {
	st, err := e.loadRun(ctx, runID)
	if err != nil {
		return RunSummary{}, err
	}
	return summarize(&st), nil
}

// State returns the full persisted snapshot of one run, payload and
// history included. The snapshot is independent of engine internals;
// mutating it has no effect on the run.
func (e *Engine) State(ctx context.Context, runID string) (RunState, error) {
	return e.loadRun(ctx, runID)
}

// ListRuns returns summaries of every known run matching the filter, in
// the store's listing order.
func (e *Engine) ListRuns(ctx context.Context, filter RunFilter) ([]RunSummary, error) {
	ids, err := e.runIDs(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]RunSummary, 0, len(ids))
	for _, id := range ids {
		st, err := e.loadRun(ctx, id)
		if errors.Is(err, ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.RecipeID != "" && st.RecipeID != filter.RecipeID {
			continue
		}
		if filter.Status != "" && st.Status != filter.Status {
			continue
		}
		summaries = append(summaries, summarize(&st))
	}
	return summaries, nil
}

// Archive removes a terminal run from the checkpoint store and returns
// its final snapshot for the caller to keep. Non-terminal runs cannot
// be archived.
func (e *Engine) Archive(ctx context.Context, runID string) (RunState, error) {
	unlock := e.lockRun(runID)
	defer unlock()

	st, err := e.loadRun(ctx, runID)
	if err != nil {
		return RunState{}, err
	}
	if !st.Status.Terminal() {
		return RunState{}, fmt.Errorf("archive run %s in status %s: %w", runID, st.Status, ErrInvalidState)
	}
	if err := e.deleteRun(ctx, runID); err != nil {
		return RunState{}, err
	}
	e.runLocks.Delete(runID)
	e.emitRun(&st, "run_archived", map[string]any{"status": string(st.Status)})
	return st, nil
}

func (e *Engine) runIDs(ctx context.Context) ([]string, error) {
	if e.degraded.Load() {
		ids, err := e.fallback.List(ctx)
		if err != nil {
			return nil, err
		}
		// Runs checkpointed before the outage live only in the
		// primary; keep them listed while its reads still work.
		if prior, primErr := e.store.List(ctx); primErr == nil {
			seen := make(map[string]bool, len(ids))
			for _, id := range ids {
				seen[id] = true
			}
			for _, id := range prior {
				if !seen[id] {
					ids = append(ids, id)
				}
			}
		}
		return ids, nil
	}
	ids, err := e.store.List(ctx)
	if err == nil {
		return ids, nil
	}
	if errors.Is(err, store.ErrUnavailable) {
		e.degrade("", err)
		return e.fallback.List(ctx)
	}
	return nil, &EngineError{Message: fmt.Sprintf("list runs: %v", err), Code: ErrCodeStore}
}

func (e *Engine) deleteRun(ctx context.Context, runID string) error {
	if e.degraded.Load() {
		// The run may live in either store, and a copy left in the
		// primary would resurface through the read fall-through, so
		// both get the delete.
		fbErr := e.fallback.Delete(ctx, runID)
		primErr := e.store.Delete(ctx, runID)
		if fbErr == nil || primErr == nil {
			return nil
		}
		if errors.Is(fbErr, store.ErrNotFound) && errors.Is(primErr, store.ErrNotFound) {
			return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		cause := primErr
		if errors.Is(primErr, store.ErrNotFound) {
			cause = fbErr
		}
		return &EngineError{Message: fmt.Sprintf("archive run %s: %v", runID, cause), Code: ErrCodeStore}
	}
	if err := e.store.Delete(ctx, runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		return &EngineError{Message: fmt.Sprintf("archive run %s: %v", runID, err), Code: ErrCodeStore}
	}
	return nil
}
