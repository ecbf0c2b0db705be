// Package pipeline provides the recipe execution engine for RecipeFlow-Go.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Replay re-executes a completed run from its recorded input and
// verifies the result. Stages and parallel members are invoked again;
// gates and review nodes are not re-evaluated; their recorded outcomes
// steer the walk, so the replay follows the exact trajectory of the
// original run. After the walk the final payload must hash identically
// to the recorded one.
//
// Replay returns ErrReplayDivergence when the trajectory or the final
// payload differs, which means a stage collaborator is not
// deterministic or the recipe changed since the run was recorded. Only
// completed runs can be replayed; anything else is ErrInvalidState.
// Replay writes nothing: no checkpoints, no events, no metrics.
func (e *Engine) Replay(ctx context.Context, runID string) error {
	recorded, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if recorded.Status != StatusCompleted {
		return fmt.Errorf("replay run %s in status %s: %w", runID, recorded.Status, ErrInvalidState)
	}
	rec, ok := e.recipe(recorded.RecipeID)
	if !ok {
		return fmt.Errorf("recipe %s: %w", recorded.RecipeID, ErrRecipeNotFound)
	}

	w := &replayWalk{
		engine:   e,
		recipe:   rec,
		history:  recorded.History,
		recorded: recorded.Payload,
		payload:  recorded.Input.Clone(),
	}
	if err := w.run(ctx); err != nil {
		return err
	}
	return comparePayloads(recorded.Payload, w.payload)
}

// replayWalk steps a cursor through the recipe, consuming recorded
// history entries as it goes.
type replayWalk struct {
	engine   *Engine
	recipe   *Recipe
	history  []HistoryEntry
	recorded Payload
	payload  Payload
	cursor   string
	idx      int
}

func (w *replayWalk) run(ctx context.Context) error {
	w.cursor = w.recipe.Entry
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		node, ok := w.recipe.Node(w.cursor)
		if !ok {
			return fmt.Errorf("%w: cursor %s names a node the recipe does not define", ErrReplayDivergence, w.cursor)
		}

		var err error
		switch node.Kind {
		case KindStage:
			err = w.stage(ctx, node)
		case KindParallel:
			err = w.group(ctx, node)
		case KindGate:
			err = w.gate(node)
		case KindHumanReview:
			err = w.review(node)
		case KindTerminal:
			if _, err := w.take(node.ID, "done"); err != nil {
				return err
			}
			if w.idx != len(w.history) {
				return fmt.Errorf("%w: %d recorded entries left after the terminal node", ErrReplayDivergence, len(w.history)-w.idx)
			}
			return nil
		default:
			err = fmt.Errorf("%w: unknown node kind %q at %s", ErrReplayDivergence, node.Kind, node.ID)
		}
		if err != nil {
			return err
		}
	}
}

// take consumes the next history entry, which must belong to node.
// A non-empty want also pins the expected outcome.
func (w *replayWalk) take(node, want string) (HistoryEntry, error) {
	if w.idx >= len(w.history) {
		return HistoryEntry{}, fmt.Errorf("%w: history ends before node %s", ErrReplayDivergence, node)
	}
	entry := w.history[w.idx]
	if entry.Node != node {
		return HistoryEntry{}, fmt.Errorf("%w: recorded %s where the walk reached %s", ErrReplayDivergence, entry.Node, node)
	}
	if want != "" && entry.Outcome != want {
		return HistoryEntry{}, fmt.Errorf("%w: node %s recorded outcome %q, expected %q", ErrReplayDivergence, node, entry.Outcome, want)
	}
	w.idx++
	return entry, nil
}

func (w *replayWalk) stage(ctx context.Context, node Node) error {
	if _, err := w.take(node.ID, "done"); err != nil {
		return err
	}
	out, err := w.invoke(ctx, node.ID, node.Agent)
	if err != nil {
		return err
	}
	w.payload.Merge(out)
	return w.follow(node.ID, "done")
}

// group re-runs the members sequentially in dispatch order, which is
// also the order their history entries were recorded in.
func (w *replayWalk) group(ctx context.Context, node Node) error {
	merged := make(Payload)
	for _, member := range node.Members {
		if _, err := w.take(member.ID, "done"); err != nil {
			return err
		}
		out, err := w.invoke(ctx, member.ID, member.Agent)
		if err != nil {
			return err
		}
		merged.Merge(out)
	}
	if _, err := w.take(node.ID, "done"); err != nil {
		return err
	}
	w.payload.Merge(merged)
	return w.follow(node.ID, "done")
}

func (w *replayWalk) gate(node Node) error {
	entry, err := w.take(node.ID, "")
	if err != nil {
		return err
	}
	spec := node.Gate
	switch entry.Outcome {
	case spec.ContinueLabel:
		return w.follow(node.ID, spec.ContinueLabel)
	case spec.RetryLabel:
		return w.follow(node.ID, spec.RetryLabel)
	case spec.EscalateLabel:
		// The run suspended here; the next entry is the human verdict.
		return w.applyVerdict(node)
	default:
		return fmt.Errorf("%w: gate %s recorded outcome %q", ErrReplayDivergence, node.ID, entry.Outcome)
	}
}

func (w *replayWalk) review(node Node) error {
	if _, err := w.take(node.ID, "awaiting_human"); err != nil {
		return err
	}
	return w.applyVerdict(node)
}

// applyVerdict consumes a recorded human decision at a suspended node
// and routes the same way Resume did. Reviewer notes are not derivable
// from history, so the recorded payload supplies them.
func (w *replayWalk) applyVerdict(node Node) error {
	entry, err := w.take(node.ID, "")
	if err != nil {
		return err
	}
	if notes, ok := w.recorded[node.ID+"_notes"]; ok {
		w.payload[node.ID+"_notes"] = notes
	}
	switch ReviewDecision(entry.Outcome) {
	case DecisionApprove:
		var label string
		if node.Kind == KindGate {
			label = node.Gate.ContinueLabel
		} else {
			label = node.Review.ApproveLabel
		}
		return w.follow(node.ID, label)
	case DecisionRevise:
		target := w.recipe.revisionTarget(node)
		if target == "" {
			return fmt.Errorf("%w: node %s recorded a revise verdict but offers no revision target", ErrReplayDivergence, node.ID)
		}
		w.cursor = target
		return nil
	default:
		return fmt.Errorf("%w: node %s recorded verdict %q in a completed run", ErrReplayDivergence, node.ID, entry.Outcome)
	}
}

func (w *replayWalk) invoke(ctx context.Context, nodeID, agent string) (Payload, error) {
	inv := w.engine.invoker(agent)
	if inv == nil {
		return nil, &EngineError{Message: "no invoker bound for agent " + agent, Code: ErrCodeBinding}
	}
	out, err := inv.Invoke(ctx, w.payload.Clone())
	if err != nil {
		return nil, fmt.Errorf("%w: stage %s failed during replay: %v", ErrReplayDivergence, nodeID, err)
	}
	return out, nil
}

func (w *replayWalk) follow(node, outcome string) error {
	next, ok := w.recipe.Next(node, outcome)
	if !ok {
		return fmt.Errorf("%w: no edge (%s, %s)", ErrReplayDivergence, node, outcome)
	}
	w.cursor = next
	return nil
}

// comparePayloads verifies the replayed payload matches the recorded
// one by hashing canonical JSON, the same stable form the checkpoint
// store persists. On mismatch the error names the first differing key.
func comparePayloads(recorded, replayed Payload) error {
	recordedSum, err := payloadHash(recorded)
	if err != nil {
		return fmt.Errorf("hash recorded payload: %w", err)
	}
	replayedSum, err := payloadHash(replayed)
	if err != nil {
		return fmt.Errorf("hash replayed payload: %w", err)
	}
	if recordedSum == replayedSum {
		return nil
	}
	return fmt.Errorf("%w: payload key %q differs", ErrReplayDivergence, firstPayloadDiff(recorded, replayed))
}

func payloadHash(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// firstPayloadDiff returns the lowest key whose value differs between
// the two payloads, or a key present in only one of them.
func firstPayloadDiff(a, b Payload) string {
	seen := make(map[string]bool, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		seen[k] = true
		keys = append(keys, k)
	}
	for k := range b {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		if aok != bok {
			return k
		}
		aj, _ := json.Marshal(av)
		bj, _ := json.Marshal(bv)
		if !bytes.Equal(aj, bj) {
			return k
		}
	}
	return ""
}
