// Package pipeline provides the recipe execution engine for RecipeFlow-Go.
package pipeline

import "context"

// NodeKind discriminates how the engine dispatches a node.
type NodeKind string

const (
	// KindStage invokes a single agent and merges its output.
	KindStage NodeKind = "stage"

	// KindParallel fans out to member stages concurrently and joins
	// on a barrier before merging.
	KindParallel NodeKind = "parallel_group"

	// KindGate evaluates the payload and routes: continue, retry a
	// bounded number of times, or escalate to a human.
	KindGate NodeKind = "gate"

	// KindHumanReview suspends the run until a human decision arrives
	// via Resume.
	KindHumanReview NodeKind = "human_review"

	// KindTerminal completes the run.
	KindTerminal NodeKind = "terminal"
)

// DefaultMaxRetries bounds a gate's retry decisions when the recipe
// does not set its own limit.
const DefaultMaxRetries = 3

// Invoker is a stage collaborator. It receives a snapshot of the run
// payload and returns the partial payload to merge back. Errors are
// fatal for the run.
type Invoker interface {
	Invoke(ctx context.Context, payload Payload) (Payload, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, payload Payload) (Payload, error)

// Invoke calls the function.
func (f InvokerFunc) Invoke(ctx context.Context, payload Payload) (Payload, error) {
	return f(ctx, payload)
}

// Evaluator is a gate collaborator. It inspects the payload and
// returns a routing decision. Errors are fatal for the run.
type Evaluator interface {
	Evaluate(ctx context.Context, payload Payload) (Decision, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, payload Payload) (Decision, error)

// Evaluate calls the function.
func (f EvaluatorFunc) Evaluate(ctx context.Context, payload Payload) (Decision, error) {
	return f(ctx, payload)
}

// Registry resolves the agent names a recipe declares to concrete
// collaborators. Resolution happens once, when a recipe is registered
// with the engine, never mid-run.
type Registry interface {
	Invoker(name string) (Invoker, error)
	Evaluator(name string) (Evaluator, error)
}

// DecisionKind classifies a gate decision.
type DecisionKind string

const (
	// DecideContinue advances along the gate's continue edge.
	DecideContinue DecisionKind = "continue"

	// DecideRetry routes back to the gate's declared retry target,
	// consuming one retry. Once the budget is exhausted, further
	// retry decisions are forced into escalations.
	DecideRetry DecisionKind = "retry"

	// DecideEscalate suspends the run for human review.
	DecideEscalate DecisionKind = "escalate"
)

// Decision is a gate evaluator's routing verdict.
type Decision struct {
	Kind DecisionKind

	// Target optionally names the retry destination. It must match
	// the gate's declared retry edge; empty means the declared target.
	Target string

	// Reason is free-form context carried into events.
	Reason string
}

// Continue builds a continue decision.
func Continue() Decision {
	return Decision{Kind: DecideContinue}
}

// Retry builds a retry decision routing to target.
func Retry(target string) Decision {
	return Decision{Kind: DecideRetry, Target: target}
}

// Escalate builds an escalation decision.
func Escalate(reason string) Decision {
	return Decision{Kind: DecideEscalate, Reason: reason}
}

// GateSpec configures a gate node. Zero-valued labels and limits take
// the defaults when the node is added to a recipe.
type GateSpec struct {
	// Evaluator names the registry binding for this gate.
	Evaluator string

	// MaxRetries bounds retry decisions. Zero means DefaultMaxRetries.
	MaxRetries int

	// ContinueLabel, RetryLabel, and EscalateLabel are the gate's
	// declared outcome labels; each needs a matching edge. Defaults
	// are "continue", "retry", and "escalate".
	ContinueLabel string
	RetryLabel    string
	EscalateLabel string

	// RevisionTarget is where Resume with a revise decision routes.
	// Defaults to the retry edge's target.
	RevisionTarget string
}

func (g GateSpec) normalized() GateSpec {
	if g.MaxRetries == 0 {
		g.MaxRetries = DefaultMaxRetries
	}
	if g.ContinueLabel == "" {
		g.ContinueLabel = "continue"
	}
	if g.RetryLabel == "" {
		g.RetryLabel = "retry"
	}
	if g.EscalateLabel == "" {
		g.EscalateLabel = "escalate"
	}
	return g
}

// ReviewSpec configures a human review node.
type ReviewSpec struct {
	// ApproveLabel and RejectLabel are the node's outcome labels.
	// Defaults are "approve" and "reject". An approve edge is
	// required; a reject edge is optional bookkeeping.
	ApproveLabel string
	RejectLabel  string

	// RevisionTarget is where Resume with a revise decision routes.
	// Empty means revise is not offered at this node.
	RevisionTarget string
}

func (r ReviewSpec) normalized() ReviewSpec {
	if r.ApproveLabel == "" {
		r.ApproveLabel = "approve"
	}
	if r.RejectLabel == "" {
		r.RejectLabel = "reject"
	}
	return r
}

// Node is one vertex of a recipe.
type Node struct {
	ID   string
	Kind NodeKind

	// Agent names the registry binding for stage nodes and parallel
	// group members.
	Agent string

	// Produces declares the payload keys this stage writes. Parallel
	// group members must declare theirs; the sets must be disjoint
	// within a group.
	Produces []string

	// Members are a parallel group's stages, in dispatch order.
	Members []Node

	Gate   *GateSpec
	Review *ReviewSpec
}

// StageNode builds a stage node bound to the named agent. produces
// declares the payload keys the stage writes.
func StageNode(id, agent string, produces ...string) Node {
	return Node{ID: id, Kind: KindStage, Agent: agent, Produces: produces}
}

// ParallelNode builds a parallel group from member stages. Members
// run concurrently against the same payload snapshot and their
// outputs merge as a disjoint union after all of them finish.
func ParallelNode(id string, members ...Node) Node {
	return Node{ID: id, Kind: KindParallel, Members: members}
}

// GateNode builds a gate node from spec.
func GateNode(id string, spec GateSpec) Node {
	normalized := spec.normalized()
	return Node{ID: id, Kind: KindGate, Gate: &normalized}
}

// ReviewNode builds a human review node from spec.
func ReviewNode(id string, spec ReviewSpec) Node {
	normalized := spec.normalized()
	return Node{ID: id, Kind: KindHumanReview, Review: &normalized}
}

// TerminalNode builds the recipe's terminal node.
func TerminalNode(id string) Node {
	return Node{ID: id, Kind: KindTerminal}
}
