// Package pipeline provides the recipe execution engine for RecipeFlow-Go.
package pipeline

import (
	"context"
	"sync"
	"time"
)

// memberResult carries one parallel member's outcome, slotted by
// dispatch order so reporting stays deterministic regardless of
// completion order.
type memberResult struct {
	output  Payload
	err     error
	latency time.Duration
}

// runGroup dispatches a parallel group: every member starts from the
// same payload snapshot, all of them run to completion behind a join
// barrier, and their outputs merge as a disjoint union. Member
// history entries are appended in dispatch order after the barrier.
//
// A failing member does not cancel its siblings. If any member fails,
// the first failure in dispatch order becomes the representative
// cause, later failures ride along as suppressed, and no group merge
// is committed.
func (e *Engine) runGroup(ctx context.Context, rec *Recipe, n Node, st *RunState) (Payload, error) {
	results := make([]memberResult, len(n.Members))

	// Run cancellation must not cut members short mid-flight; it only
	// prevents the merge from committing after the barrier.
	memberCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i, member := range n.Members {
		invoker := e.invoker(member.Agent)
		if invoker == nil {
			results[i] = memberResult{err: &EngineError{
				Message: "no invoker bound for agent " + member.Agent,
				Code:    ErrCodeBinding,
			}}
			continue
		}
		snapshot := st.Payload.Clone()
		wg.Add(1)
		go func(idx int, inv Invoker, input Payload) {
			defer wg.Done()
			started := time.Now()
			out, err := inv.Invoke(memberCtx, input)
			results[idx] = memberResult{output: out, err: err, latency: time.Since(started)}
		}(i, invoker, snapshot)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var failure *AgentFailure
	for i, member := range n.Members {
		result := results[i]
		if result.err != nil {
			st.record(member.ID, "failed", e.now())
			e.emitNode(st, member.ID, "node_failed", map[string]any{
				"recipe": rec.ID,
				"group":  n.ID,
				"error":  result.err.Error(),
			})
			e.observeNode(rec.ID, member.ID, "failed", result.latency)
			if failure == nil {
				failure = &AgentFailure{Stage: member.ID, Cause: result.err}
			} else {
				failure.Suppressed = append(failure.Suppressed, result.err)
			}
			continue
		}
		st.record(member.ID, "done", e.now())
		e.emitNode(st, member.ID, "node_completed", map[string]any{
			"recipe": rec.ID,
			"group":  n.ID,
		})
		e.observeNode(rec.ID, member.ID, "done", result.latency)
	}
	if failure != nil {
		return nil, failure
	}

	merged := make(Payload)
	for i := range n.Members {
		merged.Merge(results[i].output)
	}
	return merged, nil
}
