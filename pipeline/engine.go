// Package pipeline provides the recipe execution engine for RecipeFlow-Go.
//
// A Recipe is a validated graph of stages, parallel groups, quality
// gates, human review points, and a single terminal node. The Engine
// drives runs through a recipe one dispatch at a time, merging agent
// outputs into an accumulating payload, checkpointing the full RunState
// after every dispatch, and suspending whenever a gate escalates or a
// review node is reached. Suspended runs pick back up through Resume
// once a human verdict arrives.
//
// Agents are resolved from a Registry when a recipe is registered,
// never mid-run, so a run can only fail on agent errors, not on missing
// bindings. If the checkpoint store becomes unavailable the engine
// degrades to an in-process store for the rest of the process lifetime
// rather than losing the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/recipeflow-go/pipeline/emit"
	"github.com/dshills/recipeflow-go/pipeline/store"
)

// Engine executes recipe runs.
//
// Construction wires the agent registry, checkpoint store, and emitter;
// recipes are added with Register before any run starts. The runtime
// maps are read-only once runs begin, so Start, Resume, and the control
// surface are safe for concurrent use.
type Engine struct {
	mu         sync.RWMutex
	registry   Registry
	recipes    map[string]*Recipe
	invokers   map[string]Invoker
	evaluators map[string]Evaluator

	store    store.Store[RunState]
	fallback *store.MemStore[RunState]
	degraded atomic.Bool

	// runLocks serializes control-surface writes per run ID, keeping
	// the at-most-one-writer guarantee when concurrent Resume, Cancel,
	// or Archive calls target the same run.
	runLocks sync.Map

	emitter emit.Emitter
	opts    Options
}

// New creates an Engine.
//
// Parameters:
//   - registry: resolves the agent names recipes declare (required)
//   - st: checkpoint persistence backend (required)
//   - emitter: observability event receiver (optional, nil discards)
//   - opts: functional options, see Options for defaults
//
// Missing required collaborators surface as EngineError from Start and
// Register rather than here, matching the rest of the constructor-light
// API.
func New(registry Registry, st store.Store[RunState], emitter emit.Emitter, opts ...Option) *Engine {
	var options Options
	for _, opt := range opts {
		opt(&options)
	}
	if options.MaxSteps <= 0 {
		options.MaxSteps = DefaultMaxSteps
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Engine{
		registry:   registry,
		recipes:    make(map[string]*Recipe),
		invokers:   make(map[string]Invoker),
		evaluators: make(map[string]Evaluator),
		store:      st,
		fallback:   store.NewMemStore[RunState](),
		emitter:    emitter,
		opts:       options,
	}
}

// Register validates a recipe and resolves every agent name it declares
// against the registry. Binding happens here, once, so a run never
// consults the registry and never discovers a missing agent mid-flight.
//
// Returns *InvalidTransitionError for structural recipe defects and
// EngineError with code BINDING_FAILED when the registry cannot resolve
// a declared agent.
func (e *Engine) Register(rec *Recipe) error {
	if rec == nil {
		return &EngineError{Message: "recipe must not be nil"}
	}
	if e.registry == nil {
		return &EngineError{Message: "engine has no agent registry", Code: ErrCodeNoRegistry}
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	invokers := make(map[string]Invoker)
	evaluators := make(map[string]Evaluator)
	for _, n := range rec.Nodes() {
		switch n.Kind {
		case KindStage:
			inv, err := e.registry.Invoker(n.Agent)
			if err != nil {
				return &EngineError{
					Message: fmt.Sprintf("recipe %s: agent %s: %v", rec.ID, n.Agent, err),
					Code:    ErrCodeBinding,
				}
			}
			invokers[n.Agent] = inv
		case KindParallel:
			for _, member := range n.Members {
				inv, err := e.registry.Invoker(member.Agent)
				if err != nil {
					return &EngineError{
						Message: fmt.Sprintf("recipe %s: agent %s: %v", rec.ID, member.Agent, err),
						Code:    ErrCodeBinding,
					}
				}
				invokers[member.Agent] = inv
			}
		case KindGate:
			ev, err := e.registry.Evaluator(n.Gate.Evaluator)
			if err != nil {
				return &EngineError{
					Message: fmt.Sprintf("recipe %s: evaluator %s: %v", rec.ID, n.Gate.Evaluator, err),
					Code:    ErrCodeBinding,
				}
			}
			evaluators[n.Gate.Evaluator] = ev
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.recipes[rec.ID]; exists {
		return &EngineError{Message: "duplicate recipe ID: " + rec.ID, Code: "DUPLICATE_RECIPE"}
	}
	e.recipes[rec.ID] = rec
	for name, inv := range invokers {
		e.invokers[name] = inv
	}
	for name, ev := range evaluators {
		e.evaluators[name] = ev
	}
	return nil
}

// Recipes lists the registered recipe IDs.
func (e *Engine) Recipes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.recipes))
	for id := range e.recipes {
		ids = append(ids, id)
	}
	return ids
}

// Degraded reports whether the engine has fallen back to the in-process
// checkpoint store. Degradation is sticky for the process lifetime:
// writes stay on the fallback, while reads consult the fallback first
// and fall through to the primary for runs checkpointed before the
// outage.
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

// Start creates a run of the named recipe seeded with input and drives
// it until it completes, fails, or suspends for human review.
//
// The returned run ID is valid even when err is non-nil: the persisted
// state carries the failure. A nil error means the run either completed
// or is parked in awaiting_human; check Status to distinguish.
func (e *Engine) Start(ctx context.Context, recipeID string, input Payload) (string, error) {
	if e.store == nil {
		return "", &EngineError{Message: "engine has no checkpoint store", Code: ErrCodeNoStore}
	}
	rec, ok := e.recipe(recipeID)
	if !ok {
		return "", fmt.Errorf("recipe %s: %w", recipeID, ErrRecipeNotFound)
	}

	now := e.now()
	st := RunState{
		RunID:       e.newRunID(),
		RecipeID:    rec.ID,
		Cursor:      rec.Entry,
		Status:      StatusRunning,
		Payload:     input.Clone(),
		Input:       input.Clone(),
		RetryCounts: make(map[string]int),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	e.emitRun(&st, "run_started", map[string]any{"recipe": rec.ID})
	if e.opts.Metrics != nil {
		e.opts.Metrics.RunStarted()
	}
	if err := e.checkpoint(ctx, &st); err != nil {
		return st.RunID, err
	}
	return st.RunID, e.drive(ctx, rec, &st)
}

// drive dispatches nodes from the cursor until the run leaves the
// running status. Every dispatch appends exactly one history entry per
// node touched and ends with a checkpoint.
func (e *Engine) drive(ctx context.Context, rec *Recipe, st *RunState) error {
	for st.Status == StatusRunning {
		if len(st.History) >= e.opts.MaxSteps {
			err := fmt.Errorf("run %s: %w", st.RunID, ErrMaxStepsExceeded)
			e.failRun(ctx, rec, st, err.Error())
			return err
		}
		if err := ctx.Err(); err != nil {
			e.cancelRun(ctx, rec, st, err)
			return err
		}

		node, ok := rec.Node(st.Cursor)
		if !ok {
			err := &InvalidTransitionError{Node: st.Cursor, Message: "cursor names a node the recipe does not define"}
			e.failRun(ctx, rec, st, err.Error())
			return err
		}

		var err error
		switch node.Kind {
		case KindStage:
			err = e.dispatchStage(ctx, rec, node, st)
		case KindParallel:
			err = e.dispatchGroup(ctx, rec, node, st)
		case KindGate:
			err = e.dispatchGate(ctx, rec, node, st)
		case KindHumanReview:
			err = e.dispatchReview(ctx, st, node)
		case KindTerminal:
			err = e.dispatchTerminal(ctx, rec, node, st)
		default:
			err = &InvalidTransitionError{Node: node.ID, Message: fmt.Sprintf("unknown node kind %q", node.Kind)}
			e.failRun(ctx, rec, st, err.Error())
		}
		if err != nil {
			// A context that died between the agent call and its
			// checkpoint surfaces here with the run still marked
			// running; close it out as a cancellation.
			if ctxErr := ctx.Err(); ctxErr != nil && st.Status == StatusRunning {
				e.cancelRun(ctx, rec, st, ctxErr)
				return ctxErr
			}
			return err
		}
	}
	return nil
}

func (e *Engine) dispatchStage(ctx context.Context, rec *Recipe, node Node, st *RunState) error {
	inv := e.invoker(node.Agent)
	if inv == nil {
		err := &EngineError{Message: "no invoker bound for agent " + node.Agent, Code: ErrCodeBinding}
		e.failRun(ctx, rec, st, err.Error())
		return err
	}

	started := time.Now()
	out, err := inv.Invoke(ctx, st.Payload.Clone())
	latency := time.Since(started)
	if err != nil {
		if ctx.Err() != nil {
			e.cancelRun(ctx, rec, st, ctx.Err())
			return ctx.Err()
		}
		st.record(node.ID, "failed", e.now())
		e.emitNode(st, node.ID, "node_failed", map[string]any{"recipe": rec.ID, "error": err.Error()})
		e.observeNode(rec.ID, node.ID, "failed", latency)
		failure := &AgentFailure{Stage: node.ID, Cause: err}
		e.failRun(ctx, rec, st, failure.Error())
		return failure
	}

	st.Payload.Merge(out)
	st.record(node.ID, "done", e.now())
	e.emitNode(st, node.ID, "node_completed", map[string]any{"recipe": rec.ID})
	e.observeNode(rec.ID, node.ID, "done", latency)

	next, ok := rec.Next(node.ID, "done")
	if !ok {
		routeErr := &InvalidTransitionError{Node: node.ID, Outcome: "done", Message: "stage has no done edge"}
		e.failRun(ctx, rec, st, routeErr.Error())
		return routeErr
	}
	st.Cursor = next
	return e.checkpoint(ctx, st)
}

func (e *Engine) dispatchGroup(ctx context.Context, rec *Recipe, node Node, st *RunState) error {
	started := time.Now()
	merged, err := e.runGroup(ctx, rec, node, st)
	latency := time.Since(started)
	if err != nil {
		if ctx.Err() != nil {
			e.cancelRun(ctx, rec, st, ctx.Err())
			return ctx.Err()
		}
		e.failRun(ctx, rec, st, err.Error())
		return err
	}

	st.Payload.Merge(merged)
	st.record(node.ID, "done", e.now())
	e.emitNode(st, node.ID, "node_completed", map[string]any{"recipe": rec.ID, "members": len(node.Members)})
	e.observeNode(rec.ID, node.ID, "done", latency)

	next, ok := rec.Next(node.ID, "done")
	if !ok {
		routeErr := &InvalidTransitionError{Node: node.ID, Outcome: "done", Message: "parallel group has no done edge"}
		e.failRun(ctx, rec, st, routeErr.Error())
		return routeErr
	}
	st.Cursor = next
	return e.checkpoint(ctx, st)
}

func (e *Engine) dispatchGate(ctx context.Context, rec *Recipe, node Node, st *RunState) error {
	eval := e.evaluator(node.Gate.Evaluator)
	if eval == nil {
		err := &EngineError{Message: "no evaluator bound for gate " + node.ID, Code: ErrCodeBinding}
		e.failRun(ctx, rec, st, err.Error())
		return err
	}

	started := time.Now()
	decision, err := eval.Evaluate(ctx, st.Payload.Clone())
	latency := time.Since(started)
	if err != nil {
		if ctx.Err() != nil {
			e.cancelRun(ctx, rec, st, ctx.Err())
			return ctx.Err()
		}
		st.record(node.ID, "failed", e.now())
		e.emitNode(st, node.ID, "node_failed", map[string]any{"recipe": rec.ID, "error": err.Error()})
		e.observeNode(rec.ID, node.ID, "failed", latency)
		failure := &AgentFailure{Stage: node.ID, Cause: err}
		e.failRun(ctx, rec, st, failure.Error())
		return failure
	}

	outcome, err := resolveGateDecision(rec, node, st, decision)
	if err != nil {
		st.record(node.ID, "failed", e.now())
		e.emitNode(st, node.ID, "node_failed", map[string]any{"recipe": rec.ID, "error": err.Error()})
		e.observeNode(rec.ID, node.ID, "failed", latency)
		e.failRun(ctx, rec, st, err.Error())
		return err
	}

	if outcome.retried {
		st.RetryCounts[node.ID]++
		if e.opts.Metrics != nil {
			e.opts.Metrics.IncrementGateRetries(rec.ID, node.ID)
		}
	}
	st.record(node.ID, outcome.label, e.now())

	meta := map[string]any{"recipe": rec.ID, "decision": outcome.label}
	if decision.Reason != "" {
		meta["reason"] = decision.Reason
	}
	if outcome.retried {
		meta["retries"] = st.Retries(node.ID)
	}
	if outcome.forced {
		meta["forced"] = true
	}
	e.emitNode(st, node.ID, "gate_decision", meta)
	e.observeNode(rec.ID, node.ID, outcome.label, latency)

	if outcome.suspend {
		if e.opts.Metrics != nil {
			e.opts.Metrics.IncrementEscalations(rec.ID, node.ID, outcome.forced)
		}
		e.emitNode(st, node.ID, "gate_escalated", map[string]any{"recipe": rec.ID, "forced": outcome.forced})
		return e.suspend(ctx, st)
	}

	st.Cursor = outcome.next
	return e.checkpoint(ctx, st)
}

// dispatchReview records the arrival at a review node and parks the
// run. The human verdict arrives later through Resume as a second
// dispatch at the same cursor.
func (e *Engine) dispatchReview(ctx context.Context, st *RunState, node Node) error {
	st.record(node.ID, "awaiting_human", e.now())
	return e.suspend(ctx, st)
}

func (e *Engine) dispatchTerminal(ctx context.Context, rec *Recipe, node Node, st *RunState) error {
	st.record(node.ID, "done", e.now())
	st.Status = StatusCompleted
	e.emitRun(st, "run_completed", map[string]any{"recipe": rec.ID})
	if e.opts.Metrics != nil {
		e.opts.Metrics.RunFinished(rec.ID, "completed")
	}
	return e.checkpoint(ctx, st)
}

// suspend parks the run in awaiting_human with the cursor held at the
// suspending node.
func (e *Engine) suspend(ctx context.Context, st *RunState) error {
	st.Status = StatusAwaitingHuman
	e.emitRun(st, "run_suspended", map[string]any{"node": st.Cursor})
	return e.checkpoint(ctx, st)
}

// failRun marks the run failed and checkpoints best-effort; the caller
// returns the original failure.
func (e *Engine) failRun(ctx context.Context, rec *Recipe, st *RunState, cause string) {
	st.Status = StatusFailed
	st.Cause = cause
	st.UpdatedAt = e.now()
	e.emitRun(st, "run_failed", map[string]any{"cause": cause})
	if e.opts.Metrics != nil {
		e.opts.Metrics.RunFinished(rec.ID, "failed")
	}
	_ = e.checkpoint(ctx, st)
}

// cancelRun marks a context-cancelled run failed. The final checkpoint
// runs under a detached context because the run's own context is the
// thing that got cancelled.
func (e *Engine) cancelRun(ctx context.Context, rec *Recipe, st *RunState, cause error) {
	st.Status = StatusFailed
	st.Cause = cause.Error()
	st.UpdatedAt = e.now()
	e.emitRun(st, "run_cancelled", map[string]any{"cause": cause.Error()})
	if e.opts.Metrics != nil {
		e.opts.Metrics.RunFinished(rec.ID, "failed")
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = e.checkpoint(saveCtx, st)
}

// checkpoint persists the full run state. An unavailable primary store
// flips the engine into degraded mode and the save lands in the
// in-process fallback instead. Context errors pass through untouched
// so callers can close the run out as cancelled; any other save error
// is fatal for the dispatch and surfaces as EngineError with code
// STORE_ERROR.
func (e *Engine) checkpoint(ctx context.Context, st *RunState) error {
	if !e.degraded.Load() {
		err := e.store.Save(ctx, st.RunID, *st)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !errors.Is(err, store.ErrUnavailable) {
			return &EngineError{
				Message: fmt.Sprintf("checkpoint run %s: %v", st.RunID, err),
				Code:    ErrCodeStore,
			}
		}
		e.degrade(st.RunID, err)
	}
	if err := e.fallback.Save(ctx, st.RunID, *st); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &EngineError{
			Message: fmt.Sprintf("fallback checkpoint run %s: %v", st.RunID, err),
			Code:    ErrCodeStore,
		}
	}
	return nil
}

// degrade flips the engine to the in-process fallback store. The flip
// is sticky: once the primary has failed, the process stays on the
// fallback so reads and writes keep agreeing with each other.
func (e *Engine) degrade(runID string, cause error) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.IncrementCheckpointFailures()
	}
	if e.degraded.CompareAndSwap(false, true) {
		e.emitter.Emit(emit.Event{
			RunID: runID,
			Msg:   "checkpoint_degraded",
			Meta:  map[string]any{"error": cause.Error()},
		})
	}
}

// loadRun reads a run from whichever store is live. An unavailable
// primary degrades the engine mid-read so the control surface keeps
// answering for runs checkpointed since the degradation. While
// degraded, runs absent from the fallback are still answered from the
// primary when its reads work, so runs checkpointed before the outage
// stay visible.
func (e *Engine) loadRun(ctx context.Context, runID string) (RunState, error) {
	if e.degraded.Load() {
		st, err := e.fallbackLoad(ctx, runID)
		if err == nil || !errors.Is(err, ErrRunNotFound) {
			return st, err
		}
		if prior, primErr := e.store.Load(ctx, runID); primErr == nil {
			return prior, nil
		}
		return RunState{}, err
	}
	st, err := e.store.Load(ctx, runID)
	if err == nil {
		return st, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return RunState{}, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if errors.Is(err, store.ErrUnavailable) {
		e.degrade(runID, err)
		return e.fallbackLoad(ctx, runID)
	}
	return RunState{}, &EngineError{
		Message: fmt.Sprintf("load run %s: %v", runID, err),
		Code:    ErrCodeStore,
	}
}

func (e *Engine) fallbackLoad(ctx context.Context, runID string) (RunState, error) {
	st, err := e.fallback.Load(ctx, runID)
	if err == nil {
		return st, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return RunState{}, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return RunState{}, &EngineError{
		Message: fmt.Sprintf("load run %s: %v", runID, err),
		Code:    ErrCodeStore,
	}
}

func (e *Engine) recipe(id string) (*Recipe, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.recipes[id]
	return rec, ok
}

func (e *Engine) invoker(name string) Invoker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.invokers[name]
}

func (e *Engine) evaluator(name string) Evaluator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.evaluators[name]
}

// emitRun reports a run-level lifecycle event. Step is the dispatch
// count at emission time.
func (e *Engine) emitRun(st *RunState, msg string, meta map[string]any) {
	e.emitter.Emit(emit.Event{
		RunID:  st.RunID,
		Step:   len(st.History),
		NodeID: st.Cursor,
		Msg:    msg,
		Meta:   meta,
	})
}

// emitNode reports a node-level event.
func (e *Engine) emitNode(st *RunState, nodeID, msg string, meta map[string]any) {
	e.emitter.Emit(emit.Event{
		RunID:  st.RunID,
		Step:   len(st.History),
		NodeID: nodeID,
		Msg:    msg,
		Meta:   meta,
	})
}

func (e *Engine) observeNode(recipeID, nodeID, status string, latency time.Duration) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordNodeLatency(recipeID, nodeID, latency, status)
	}
}

func (e *Engine) now() time.Time {
	if e.opts.Now != nil {
		return e.opts.Now()
	}
	return time.Now()
}

func (e *Engine) newRunID() string {
	if e.opts.NewRunID != nil {
		return e.opts.NewRunID()
	}
	return uuid.NewString()
}
