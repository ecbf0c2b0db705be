// Package pipeline provides the recipe execution engine for RecipeFlow-Go.
package pipeline

import "fmt"

// gateOutcome is a gate decision resolved against the recipe and the
// run's retry ledger.
type gateOutcome struct {
	// label is recorded in history for this evaluation.
	label string

	// next is the cursor destination; empty when the run suspends.
	next string

	// suspend parks the run in awaiting_human with the cursor held at
	// the gate.
	suspend bool

	// forced marks an escalation the retry budget imposed rather than
	// the evaluator requesting it.
	forced bool

	// retried means one retry was consumed and RetryCounts must be
	// incremented.
	retried bool
}

// resolveGateDecision maps an evaluator's decision onto the gate's
// declared labels and edges. Retry decisions beyond the budget are
// converted into forced escalations rather than surfacing as errors,
// so revision loops always terminate in either a continue or a human
// handoff.
func resolveGateDecision(rec *Recipe, n Node, st *RunState, d Decision) (gateOutcome, error) {
	spec := n.Gate
	switch d.Kind {
	case DecideContinue:
		next, ok := rec.Next(n.ID, spec.ContinueLabel)
		if !ok {
			return gateOutcome{}, &InvalidTransitionError{Node: n.ID, Outcome: spec.ContinueLabel, Message: "no edge for continue label"}
		}
		return gateOutcome{label: spec.ContinueLabel, next: next}, nil

	case DecideRetry:
		declared, ok := rec.Next(n.ID, spec.RetryLabel)
		if !ok {
			return gateOutcome{}, &InvalidTransitionError{Node: n.ID, Outcome: spec.RetryLabel, Message: "no edge for retry label"}
		}
		if d.Target != "" && d.Target != declared {
			return gateOutcome{}, &InvalidTransitionError{
				Node:    n.ID,
				Outcome: spec.RetryLabel,
				Message: fmt.Sprintf("retry target %s does not match declared target %s", d.Target, declared),
			}
		}
		if st.Retries(n.ID) >= spec.MaxRetries {
			return gateOutcome{label: spec.EscalateLabel, suspend: true, forced: true}, nil
		}
		return gateOutcome{label: spec.RetryLabel, next: declared, retried: true}, nil

	case DecideEscalate:
		return gateOutcome{label: spec.EscalateLabel, suspend: true}, nil

	default:
		return gateOutcome{}, &InvalidTransitionError{Node: n.ID, Outcome: string(d.Kind), Message: "gate returned an undeclared decision"}
	}
}
