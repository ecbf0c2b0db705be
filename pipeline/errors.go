// Package pipeline provides the recipe execution engine for RecipeFlow-Go.
package pipeline

import (
	"errors"
	"fmt"
)

// ErrRunNotFound indicates that no run with the requested ID exists in
// the checkpoint store or the degraded-mode cache.
var ErrRunNotFound = errors.New("run not found")

// ErrRecipeNotFound indicates that the requested recipe ID is not
// registered with the engine.
var ErrRecipeNotFound = errors.New("recipe not found")

// ErrInvalidState indicates a control operation that the run's current
// status does not permit, such as resuming a run that is not awaiting
// human review or cancelling one that already finished.
var ErrInvalidState = errors.New("operation not valid for run status")

// ErrMaxStepsExceeded indicates that a run performed the configured
// maximum number of dispatches without reaching its terminal node.
// Recipe validation plus bounded gate retries make this unreachable
// for well-formed recipes; the limit is a backstop for misbehaving
// collaborators.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrReplayDivergence indicates that re-executing a recorded run did
// not reproduce its trajectory, which means a collaborator is not
// deterministic or the recipe changed since the run was recorded.
var ErrReplayDivergence = errors.New("replay diverged from recorded run")

// AgentFailure reports that a stage or gate collaborator failed. It is
// always fatal for the run; there are no automatic retries of agent
// invocations. When a parallel group fails, Stage names the first
// failed member in dispatch order and Suppressed carries the failures
// of any other members.
type AgentFailure struct {
	// Stage is the node whose collaborator failed.
	Stage string

	// Cause is the collaborator's error.
	Cause error

	// Suppressed holds additional member failures from the same
	// parallel group, beyond the representative Cause.
	Suppressed []error
}

// Error implements the error interface.
func (e *AgentFailure) Error() string {
	if len(e.Suppressed) > 0 {
		return fmt.Sprintf("agent %s failed: %v (+%d suppressed)", e.Stage, e.Cause, len(e.Suppressed))
	}
	return fmt.Sprintf("agent %s failed: %v", e.Stage, e.Cause)
}

// Unwrap exposes the representative cause for errors.Is/As.
func (e *AgentFailure) Unwrap() error {
	return e.Cause
}

// InvalidTransitionError reports a malformed routing attempt: a gate
// produced an undeclared decision label, a retry targeted a node other
// than the declared one, or the cursor landed on an edge the recipe
// does not define. It identifies recipe or collaborator defects and is
// distinct from AgentFailure.
type InvalidTransitionError struct {
	// Node is where the bad transition was attempted.
	Node string

	// Outcome is the offending label, when one is involved.
	Outcome string

	// Message describes what was wrong.
	Message string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	if e.Outcome != "" {
		return fmt.Sprintf("invalid transition at %s (%s): %s", e.Node, e.Outcome, e.Message)
	}
	return fmt.Sprintf("invalid transition at %s: %s", e.Node, e.Message)
}

// EngineError represents engine configuration and infrastructure
// failures, with a stable Code for programmatic handling.
type EngineError struct {
	Message string
	Code    string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Engine error codes.
const (
	// ErrCodeNoStore indicates the engine was constructed without a
	// checkpoint store.
	ErrCodeNoStore = "NO_STORE"

	// ErrCodeNoRegistry indicates the engine was constructed without
	// an agent registry.
	ErrCodeNoRegistry = "NO_REGISTRY"

	// ErrCodeBinding indicates a recipe names an agent the registry
	// cannot resolve.
	ErrCodeBinding = "BINDING_FAILED"

	// ErrCodeStore indicates a checkpoint operation failed for a
	// reason other than storage unavailability.
	ErrCodeStore = "STORE_ERROR"
)
