package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/dshills/recipeflow-go/pipeline/emit"
	"github.com/dshills/recipeflow-go/pipeline/store"
)

// testRegistry resolves agents from fixed maps.
type testRegistry struct {
	invokers   map[string]Invoker
	evaluators map[string]Evaluator
}

func newTestRegistry() *testRegistry {
	return &testRegistry{
		invokers:   make(map[string]Invoker),
		evaluators: make(map[string]Evaluator),
	}
}

func (r *testRegistry) Invoker(name string) (Invoker, error) {
	if inv, ok := r.invokers[name]; ok {
		return inv, nil
	}
	return nil, fmt.Errorf("no invoker named %q", name)
}

func (r *testRegistry) Evaluator(name string) (Evaluator, error) {
	if ev, ok := r.evaluators[name]; ok {
		return ev, nil
	}
	return nil, fmt.Errorf("no evaluator named %q", name)
}

// fixedStage always produces the same output, which keeps replays and
// retry loops deterministic.
func fixedStage(out Payload) Invoker {
	return InvokerFunc(func(ctx context.Context, _ Payload) (Payload, error) {
		return out.Clone(), nil
	})
}

func failingStage(err error) Invoker {
	return InvokerFunc(func(ctx context.Context, _ Payload) (Payload, error) {
		return nil, err
	})
}

// seqEvaluator hands out decisions in order, repeating the last one.
type seqEvaluator struct {
	mu        sync.Mutex
	decisions []Decision
	calls     int
}

func (s *seqEvaluator) Evaluate(ctx context.Context, _ Payload) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.decisions) {
		idx = len(s.decisions) - 1
	}
	s.calls++
	return s.decisions[idx], nil
}

func (s *seqEvaluator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// catalogRegistry binds a fixed output for every catalog agent plus
// the given gate evaluators. Gates not overridden default to continue.
func catalogRegistry(gates map[string]Evaluator) *testRegistry {
	outputs := map[string]Payload{
		AgentResearch:         {"research_findings": "lit review"},
		AgentClinical:         {"clinical_context": "clinician interviews"},
		AgentGapAnalysis:      {"gap_analysis": "gaps"},
		AgentObjectives:       {"learning_objectives": "objectives"},
		AgentNeedsAssessment:  {"needs_assessment": "assessment draft"},
		AgentPractice:         {"practice_patterns": "patterns"},
		AgentCurriculumDesign: {"curriculum_design": "design"},
		AgentModuleOutline:    {"module_outlines": "outlines"},
		AgentFunderIntel:      {"funder_profile": "profile"},
		AgentEvidence:         {"evidence_base": "evidence"},
		AgentGrantWriter:      {"grant_draft": "draft"},
		AgentProtocol:         {"protocol_outline": "protocol"},
		AgentMarketing:        {"marketing_copy": "copy"},
		AgentCompletion:       {"final_package": "package"},
	}
	reg := newTestRegistry()
	for name, out := range outputs {
		reg.invokers[name] = fixedStage(out)
	}
	for name, ev := range gates {
		reg.evaluators[name] = ev
	}
	if _, ok := reg.evaluators[GateProseQuality]; !ok {
		reg.evaluators[GateProseQuality] = &seqEvaluator{decisions: []Decision{Continue()}}
	}
	if _, ok := reg.evaluators[GateCompliance]; !ok {
		reg.evaluators[GateCompliance] = &seqEvaluator{decisions: []Decision{Continue()}}
	}
	return reg
}

func newTestEngine(t *testing.T, reg Registry, opts ...Option) (*Engine, *store.MemStore[RunState], *emit.BufferedEmitter) {
	t.Helper()
	mem := store.NewMemStore[RunState]()
	buf := emit.NewBufferedEmitter()
	return New(reg, mem, buf, opts...), mem, buf
}

// outcomesAt collects the recorded outcomes of one node, in order.
func outcomesAt(st RunState, node string) []string {
	var out []string
	for _, entry := range st.History {
		if entry.Node == node {
			out = append(out, entry.Outcome)
		}
	}
	return out
}

func nodeCount(st RunState, node string) int {
	return len(outcomesAt(st, node))
}

func TestRegister(t *testing.T) {
	t.Run("nil recipe", func(t *testing.T) {
		eng, _, _ := newTestEngine(t, newTestRegistry())
		if err := eng.Register(nil); err == nil {
			t.Error("expected an error for a nil recipe")
		}
	})

	t.Run("no registry", func(t *testing.T) {
		eng, _, _ := newTestEngine(t, nil)
		err := eng.Register(NeedsRecipe())
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != ErrCodeNoRegistry {
			t.Errorf("expected NO_REGISTRY, got %v", err)
		}
	})

	t.Run("structural defect surfaces from validation", func(t *testing.T) {
		eng, _, _ := newTestEngine(t, newTestRegistry())
		rec := NewRecipe("broken", "draft")
		_ = rec.Add(StageNode("draft", "writer_agent", "memo_draft"))
		_ = rec.Add(TerminalNode("end"))
		err := eng.Register(rec)
		var bad *InvalidTransitionError
		if !errors.As(err, &bad) {
			t.Errorf("expected *InvalidTransitionError, got %v", err)
		}
	})

	t.Run("unbound agent", func(t *testing.T) {
		reg := catalogRegistry(nil)
		delete(reg.invokers, AgentClinical)
		eng, _, _ := newTestEngine(t, reg)
		err := eng.Register(NeedsRecipe())
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != ErrCodeBinding {
			t.Fatalf("expected BINDING_FAILED, got %v", err)
		}
		if !strings.Contains(engErr.Message, AgentClinical) {
			t.Errorf("expected the error to name the agent, got %q", engErr.Message)
		}
	})

	t.Run("unbound evaluator", func(t *testing.T) {
		reg := catalogRegistry(nil)
		delete(reg.evaluators, GateProseQuality)
		eng, _, _ := newTestEngine(t, reg)
		err := eng.Register(NeedsRecipe())
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != ErrCodeBinding {
			t.Errorf("expected BINDING_FAILED, got %v", err)
		}
	})

	t.Run("duplicate recipe ID", func(t *testing.T) {
		eng, _, _ := newTestEngine(t, catalogRegistry(nil))
		if err := eng.Register(NeedsRecipe()); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		err := eng.Register(NeedsRecipe())
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "DUPLICATE_RECIPE" {
			t.Errorf("expected DUPLICATE_RECIPE, got %v", err)
		}
	})

	t.Run("registered recipes are listed", func(t *testing.T) {
		eng, _, _ := newTestEngine(t, catalogRegistry(nil))
		for _, rec := range Catalog() {
			if err := eng.Register(rec); err != nil {
				t.Fatalf("Register(%s) failed: %v", rec.ID, err)
			}
		}
		if got := len(eng.Recipes()); got != 4 {
			t.Errorf("expected 4 recipes, got %d", got)
		}
	})
}

func TestStart_Guards(t *testing.T) {
	t.Run("unknown recipe", func(t *testing.T) {
		eng, _, _ := newTestEngine(t, catalogRegistry(nil))
		_, err := eng.Start(context.Background(), "ghost", Payload{})
		if !errors.Is(err, ErrRecipeNotFound) {
			t.Errorf("expected ErrRecipeNotFound, got %v", err)
		}
	})

	t.Run("no store", func(t *testing.T) {
		eng := New(catalogRegistry(nil), nil, nil)
		_, err := eng.Start(context.Background(), "needs", Payload{})
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != ErrCodeNoStore {
			t.Errorf("expected NO_STORE, got %v", err)
		}
	})
}

func TestStart_NeedsHappyPath(t *testing.T) {
	eng, mem, buf := newTestEngine(t, catalogRegistry(nil))
	if err := eng.Register(NeedsRecipe()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	runID, err := eng.Start(ctx, "needs", Payload{"topic": "rural telehealth"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st, err := eng.State(ctx, runID)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if st.Status != StatusAwaitingHuman {
		t.Fatalf("expected awaiting_human at the review node, got %s", st.Status)
	}
	if st.Cursor != "human_review" {
		t.Errorf("expected cursor = human_review, got %s", st.Cursor)
	}

	t.Run("payload accumulates stage outputs", func(t *testing.T) {
		for _, key := range []string{"topic", "research_findings", "clinical_context", "gap_analysis", "learning_objectives", "needs_assessment"} {
			if _, ok := st.Payload[key]; !ok {
				t.Errorf("expected payload key %q", key)
			}
		}
	})

	t.Run("input preserves the seed payload", func(t *testing.T) {
		if len(st.Input) != 1 || st.Input["topic"] != "rural telehealth" {
			t.Errorf("expected input = seed payload, got %v", st.Input)
		}
	})

	t.Run("history records one entry per dispatch", func(t *testing.T) {
		want := []string{"research", "clinical", "early_research", "gap_analysis", "learning_objectives", "needs_assessment", "prose_quality", "human_review"}
		if len(st.History) != len(want) {
			t.Fatalf("expected %d entries, got %d: %+v", len(want), len(st.History), st.History)
		}
		for i, node := range want {
			if st.History[i].Node != node {
				t.Errorf("expected history[%d] = %s, got %s", i, node, st.History[i].Node)
			}
		}
		if st.History[6].Outcome != "continue" {
			t.Errorf("expected gate outcome = continue, got %q", st.History[6].Outcome)
		}
		if st.History[7].Outcome != "awaiting_human" {
			t.Errorf("expected review outcome = awaiting_human, got %q", st.History[7].Outcome)
		}
	})

	t.Run("approve completes the run", func(t *testing.T) {
		if err := eng.Resume(ctx, runID, DecisionApprove, ""); err != nil {
			t.Fatalf("Resume failed: %v", err)
		}
		final, err := eng.State(ctx, runID)
		if err != nil {
			t.Fatalf("State failed: %v", err)
		}
		if final.Status != StatusCompleted {
			t.Errorf("expected completed, got %s", final.Status)
		}
		if got := outcomesAt(final, "human_review"); len(got) != 2 || got[1] != "approve" {
			t.Errorf("expected review outcomes [awaiting_human approve], got %v", got)
		}
		if got := outcomesAt(final, "terminal"); len(got) != 1 || got[0] != "done" {
			t.Errorf("expected terminal outcome done, got %v", got)
		}
	})

	t.Run("checkpoint matches the final state", func(t *testing.T) {
		saved, err := mem.Load(ctx, runID)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if saved.Status != StatusCompleted || len(saved.History) != 10 {
			t.Errorf("expected the store to hold the final state, got %s with %d entries", saved.Status, len(saved.History))
		}
	})

	t.Run("lifecycle events are emitted", func(t *testing.T) {
		for _, msg := range []string{"run_started", "node_completed", "gate_decision", "run_suspended", "run_resumed", "run_completed"} {
			if got := buf.GetHistoryWithFilter(runID, emit.HistoryFilter{Msg: msg}); len(got) == 0 {
				t.Errorf("expected at least one %s event", msg)
			}
		}
	})
}

func TestStart_GateRetriesThenContinue(t *testing.T) {
	gate := &seqEvaluator{decisions: []Decision{Retry(""), Retry(""), Retry(""), Continue()}}
	eng, _, _ := newTestEngine(t, catalogRegistry(map[string]Evaluator{GateProseQuality: gate}))
	if err := eng.Register(NeedsRecipe()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	runID, err := eng.Start(ctx, "needs", Payload{"topic": "opioid stewardship"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st, err := eng.State(ctx, runID)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if st.Status != StatusAwaitingHuman {
		t.Fatalf("expected awaiting_human after the gate passed, got %s", st.Status)
	}
	if st.RetryCounts["prose_quality"] != 3 {
		t.Errorf("expected 3 retries consumed, got %d", st.RetryCounts["prose_quality"])
	}
	if got := nodeCount(st, "needs_assessment"); got != 4 {
		t.Errorf("expected needs_assessment dispatched 4 times, got %d", got)
	}
	want := []string{"retry", "retry", "retry", "continue"}
	got := outcomesAt(st, "prose_quality")
	if len(got) != len(want) {
		t.Fatalf("expected gate outcomes %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected gate outcome[%d] = %s, got %s", i, want[i], got[i])
		}
	}
}

func TestStart_RetryBudgetForcesEscalation(t *testing.T) {
	gate := &seqEvaluator{decisions: []Decision{Retry("")}}
	eng, _, buf := newTestEngine(t, catalogRegistry(map[string]Evaluator{GateProseQuality: gate}))
	if err := eng.Register(NeedsRecipe()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	runID, err := eng.Start(ctx, "needs", Payload{"topic": "falls prevention"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st, err := eng.State(ctx, runID)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if st.Status != StatusAwaitingHuman {
		t.Fatalf("expected awaiting_human from the forced escalation, got %s", st.Status)
	}
	if st.Cursor != "prose_quality" {
		t.Errorf("expected the cursor held at the gate, got %s", st.Cursor)
	}
	if st.RetryCounts["prose_quality"] != 3 {
		t.Errorf("expected the count capped at 3, got %d", st.RetryCounts["prose_quality"])
	}
	if gate.callCount() != 4 {
		t.Errorf("expected 4 evaluations, got %d", gate.callCount())
	}
	want := []string{"retry", "retry", "retry", "escalate"}
	got := outcomesAt(st, "prose_quality")
	if len(got) != len(want) {
		t.Fatalf("expected gate outcomes %v, got %v", want, got)
	}
	if got[3] != "escalate" {
		t.Errorf("expected the fourth outcome forced to escalate, got %s", got[3])
	}

	t.Run("escalation event marks it forced", func(t *testing.T) {
		events := buf.GetHistoryWithFilter(runID, emit.HistoryFilter{Msg: "gate_escalated"})
		if len(events) != 1 {
			t.Fatalf("expected 1 gate_escalated event, got %d", len(events))
		}
		if events[0].Meta["forced"] != true {
			t.Errorf("expected forced = true, got %v", events[0].Meta["forced"])
		}
	})

	t.Run("approve at the gate resumes along the continue edge", func(t *testing.T) {
		if err := eng.Resume(ctx, runID, DecisionApprove, "looks fine on inspection"); err != nil {
			t.Fatalf("Resume failed: %v", err)
		}
		st, err := eng.State(ctx, runID)
		if err != nil {
			t.Fatalf("State failed: %v", err)
		}
		if st.Status != StatusAwaitingHuman || st.Cursor != "human_review" {
			t.Fatalf("expected the run parked at human_review, got %s at %s", st.Status, st.Cursor)
		}
		if st.Payload["prose_quality_notes"] != "looks fine on inspection" {
			t.Errorf("expected reviewer notes in the payload, got %v", st.Payload["prose_quality_notes"])
		}
		if err := eng.Resume(ctx, runID, DecisionApprove, ""); err != nil {
			t.Fatalf("Resume failed: %v", err)
		}
		final, _ := eng.State(ctx, runID)
		if final.Status != StatusCompleted {
			t.Errorf("expected completed, got %s", final.Status)
		}
	})
}

func TestStart_ParallelMemberFailure(t *testing.T) {
	reg := catalogRegistry(nil)
	boom := errors.New("campaign service down")
	reg.invokers[AgentMarketing] = failingStage(boom)
	eng, _, buf := newTestEngine(t, reg)
	if err := eng.Register(FullRecipe()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	runID, err := eng.Start(ctx, "full", Payload{"topic": "sepsis bundles"})
	if err == nil {
		t.Fatal("expected the member failure to surface")
	}

	var failure *AgentFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *AgentFailure, got %v", err)
	}
	if failure.Stage != "marketing" {
		t.Errorf("expected the failing member named, got %s", failure.Stage)
	}
	if len(failure.Suppressed) != 0 {
		t.Errorf("expected no suppressed failures, got %v", failure.Suppressed)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected the agent error wrapped, got %v", err)
	}

	st, stateErr := eng.State(ctx, runID)
	if stateErr != nil {
		t.Fatalf("State failed: %v", stateErr)
	}
	if st.Status != StatusFailed {
		t.Errorf("expected failed, got %s", st.Status)
	}
	if !strings.Contains(st.Cause, "marketing") {
		t.Errorf("expected the cause to name the member, got %q", st.Cause)
	}

	t.Run("surviving members are recorded", func(t *testing.T) {
		if got := outcomesAt(st, "curriculum"); len(got) != 1 || got[0] != "done" {
			t.Errorf("expected curriculum done, got %v", got)
		}
		if got := outcomesAt(st, "protocol"); len(got) != 1 || got[0] != "done" {
			t.Errorf("expected protocol done, got %v", got)
		}
		if got := outcomesAt(st, "marketing"); len(got) != 1 || got[0] != "failed" {
			t.Errorf("expected marketing failed, got %v", got)
		}
	})

	t.Run("no group merge entry on failure", func(t *testing.T) {
		if got := nodeCount(st, "design_phase"); got != 0 {
			t.Errorf("expected no design_phase entry, got %d", got)
		}
		if _, ok := st.Payload["curriculum_design"]; ok {
			t.Error("expected no member output merged after a group failure")
		}
	})

	t.Run("member failure event names the group", func(t *testing.T) {
		events := buf.GetHistoryWithFilter(runID, emit.HistoryFilter{NodeID: "marketing", Msg: "node_failed"})
		if len(events) != 1 {
			t.Fatalf("expected 1 node_failed event for marketing, got %d", len(events))
		}
		if events[0].Meta["group"] != "design_phase" {
			t.Errorf("expected the event to name the group, got %v", events[0].Meta["group"])
		}
	})
}

func TestResume_ReviseLoopsBack(t *testing.T) {
	eng, _, _ := newTestEngine(t, catalogRegistry(nil))
	if err := eng.Register(NeedsRecipe()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	runID, err := eng.Start(ctx, "needs", Payload{"topic": "care transitions"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := eng.Resume(ctx, runID, DecisionRevise, "tighten the executive summary"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	st, err := eng.State(ctx, runID)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if st.Status != StatusAwaitingHuman {
		t.Fatalf("expected the revised run parked at review again, got %s", st.Status)
	}
	if st.Payload["human_review_notes"] != "tighten the executive summary" {
		t.Errorf("expected notes in the payload, got %v", st.Payload["human_review_notes"])
	}
	if got := nodeCount(st, "needs_assessment"); got != 2 {
		t.Errorf("expected the revision target re-dispatched, got %d entries", got)
	}
	if got := outcomesAt(st, "human_review"); len(got) != 3 || got[1] != "revise" {
		t.Errorf("expected review outcomes [awaiting_human revise awaiting_human], got %v", got)
	}
	if len(st.RetryCounts) != 0 {
		t.Errorf("expected revision not to consume gate retries, got %v", st.RetryCounts)
	}

	if err := eng.Resume(ctx, runID, DecisionApprove, ""); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	final, _ := eng.State(ctx, runID)
	if final.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
}

func TestResume_RejectFailsRun(t *testing.T) {
	eng, _, buf := newTestEngine(t, catalogRegistry(nil))
	if err := eng.Register(NeedsRecipe()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	runID, err := eng.Start(ctx, "needs", Payload{"topic": "wound care"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := eng.Resume(ctx, runID, DecisionReject, "not aligned with the program"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	st, err := eng.State(ctx, runID)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if st.Status != StatusFailed {
		t.Errorf("expected failed, got %s", st.Status)
	}
	if st.Cause != "rejected by reviewer" {
		t.Errorf("expected cause = rejected by reviewer, got %q", st.Cause)
	}
	if got := outcomesAt(st, "human_review"); len(got) != 2 || got[1] != "reject" {
		t.Errorf("expected review outcomes [awaiting_human reject], got %v", got)
	}
	if got := nodeCount(st, "terminal"); got != 0 {
		t.Errorf("expected no terminal dispatch on reject, got %d", got)
	}
	if got := buf.GetHistoryWithFilter(runID, emit.HistoryFilter{Msg: "run_failed"}); len(got) != 1 {
		t.Errorf("expected 1 run_failed event, got %d", len(got))
	}

	t.Run("terminal status is sticky", func(t *testing.T) {
		err := eng.Resume(ctx, runID, DecisionApprove, "")
		if !errors.Is(err, ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %v", err)
		}
	})
}

func TestStart_StageFailureIsFatal(t *testing.T) {
	reg := newTestRegistry()
	boom := errors.New("model unavailable")
	calls := 0
	reg.invokers["writer_agent"] = InvokerFunc(func(ctx context.Context, _ Payload) (Payload, error) {
		calls++
		return nil, boom
	})

	rec := NewRecipe("memo", "draft")
	_ = rec.Add(StageNode("draft", "writer_agent", "memo_draft"))
	_ = rec.Add(TerminalNode("end"))
	_ = rec.Connect("draft", "done", "end")

	eng, _, _ := newTestEngine(t, reg)
	if err := eng.Register(rec); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	runID, err := eng.Start(ctx, "memo", Payload{})
	var failure *AgentFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *AgentFailure, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no automatic invocation retries, got %d calls", calls)
	}

	st, stateErr := eng.State(ctx, runID)
	if stateErr != nil {
		t.Fatalf("State failed: %v", stateErr)
	}
	if st.Status != StatusFailed {
		t.Errorf("expected failed, got %s", st.Status)
	}
	if got := outcomesAt(st, "draft"); len(got) != 1 || got[0] != "failed" {
		t.Errorf("expected draft recorded failed, got %v", got)
	}
}

func TestStart_EvaluatorErrorFailsRun(t *testing.T) {
	reg := catalogRegistry(map[string]Evaluator{
		GateProseQuality: EvaluatorFunc(func(ctx context.Context, _ Payload) (Decision, error) {
			return Decision{}, errors.New("verdict parse failed")
		}),
	})
	eng, _, _ := newTestEngine(t, reg)
	if err := eng.Register(NeedsRecipe()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	runID, err := eng.Start(ctx, "needs", Payload{"topic": "stroke care"})
	var failure *AgentFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *AgentFailure, got %v", err)
	}
	if failure.Stage != "prose_quality" {
		t.Errorf("expected the gate named, got %s", failure.Stage)
	}

	st, _ := eng.State(ctx, runID)
	if got := outcomesAt(st, "prose_quality"); len(got) != 1 || got[0] != "failed" {
		t.Errorf("expected the gate recorded failed, got %v", got)
	}
}

func TestStart_MalformedGateDecision(t *testing.T) {
	reg := catalogRegistry(map[string]Evaluator{
		GateProseQuality: EvaluatorFunc(func(ctx context.Context, _ Payload) (Decision, error) {
			return Decision{Kind: "maybe"}, nil
		}),
	})
	eng, _, _ := newTestEngine(t, reg)
	if err := eng.Register(NeedsRecipe()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	runID, err := eng.Start(ctx, "needs", Payload{"topic": "diabetes management"})
	var bad *InvalidTransitionError
	if !errors.As(err, &bad) {
		t.Fatalf("expected *InvalidTransitionError, got %v", err)
	}

	st, _ := eng.State(ctx, runID)
	if st.Status != StatusFailed {
		t.Errorf("expected failed, got %s", st.Status)
	}
	if got := outcomesAt(st, "prose_quality"); len(got) != 1 || got[0] != "failed" {
		t.Errorf("expected the gate recorded failed, got %v", got)
	}
}

// flakyStore simulates a primary outage: saves succeed until failFrom,
// then every call reports the storage as unavailable.
type flakyStore struct {
	*store.MemStore[RunState]
	mu       sync.Mutex
	saves    int
	failFrom int
}

func (f *flakyStore) Save(ctx context.Context, runID string, st RunState) error {
	f.mu.Lock()
	f.saves++
	down := f.saves >= f.failFrom
	f.mu.Unlock()
	if down {
		return store.ErrUnavailable
	}
	return f.MemStore.Save(ctx, runID, st)
}

func TestEngine_StoreDegradation(t *testing.T) {
	flaky := &flakyStore{MemStore: store.NewMemStore[RunState](), failFrom: 4}
	buf := emit.NewBufferedEmitter()
	eng := New(catalogRegistry(nil), flaky, buf)
	if err := eng.Register(NeedsRecipe()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	runID, err := eng.Start(ctx, "needs", Payload{"topic": "antibiotic stewardship"})
	if err != nil {
		t.Fatalf("expected the run to survive the outage, got %v", err)
	}

	if !eng.Degraded() {
		t.Fatal("expected the engine to report degraded mode")
	}

	t.Run("control surface answers from the fallback", func(t *testing.T) {
		summary, err := eng.Status(ctx, runID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if summary.Status != StatusAwaitingHuman {
			t.Errorf("expected awaiting_human, got %s", summary.Status)
		}
	})

	t.Run("degradation event fires once", func(t *testing.T) {
		events := buf.GetHistoryWithFilter(runID, emit.HistoryFilter{Msg: "checkpoint_degraded"})
		if len(events) != 1 {
			t.Errorf("expected exactly 1 checkpoint_degraded event, got %d", len(events))
		}
	})

	t.Run("resume keeps working on the fallback", func(t *testing.T) {
		if err := eng.Resume(ctx, runID, DecisionApprove, ""); err != nil {
			t.Fatalf("Resume failed: %v", err)
		}
		final, err := eng.State(ctx, runID)
		if err != nil {
			t.Fatalf("State failed: %v", err)
		}
		if final.Status != StatusCompleted {
			t.Errorf("expected completed, got %s", final.Status)
		}
	})
}

func TestEngine_DegradedReadsReachPrimary(t *testing.T) {
	flaky := &flakyStore{MemStore: store.NewMemStore[RunState](), failFrom: 1 << 30}
	eng := New(catalogRegistry(nil), flaky, emit.NewNullEmitter())
	if err := eng.Register(NeedsRecipe()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	prior, err := eng.Start(ctx, "needs", Payload{"topic": "hand hygiene"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := eng.Resume(ctx, prior, DecisionApprove, ""); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	flaky.mu.Lock()
	flaky.failFrom = flaky.saves + 1
	flaky.mu.Unlock()

	current, err := eng.Start(ctx, "needs", Payload{"topic": "sepsis bundles"})
	if err != nil {
		t.Fatalf("expected the run to survive the outage, got %v", err)
	}
	if !eng.Degraded() {
		t.Fatal("expected the engine to report degraded mode")
	}

	t.Run("pre-outage run stays readable", func(t *testing.T) {
		summary, err := eng.Status(ctx, prior)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if summary.Status != StatusCompleted {
			t.Errorf("expected completed, got %s", summary.Status)
		}
	})

	t.Run("listing unions both stores", func(t *testing.T) {
		runs, err := eng.ListRuns(ctx, RunFilter{})
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		seen := make(map[string]Status, len(runs))
		for _, r := range runs {
			seen[r.RunID] = r.Status
		}
		if len(runs) != 2 {
			t.Fatalf("expected 2 runs listed, got %d", len(runs))
		}
		if seen[prior] != StatusCompleted {
			t.Errorf("expected the pre-outage run listed as completed, got %s", seen[prior])
		}
		if seen[current] != StatusAwaitingHuman {
			t.Errorf("expected the degraded run listed as awaiting_human, got %s", seen[current])
		}
	})

	t.Run("fresher fallback copy wins", func(t *testing.T) {
		if err := eng.Resume(ctx, current, DecisionApprove, ""); err != nil {
			t.Fatalf("Resume failed: %v", err)
		}
		st, err := eng.State(ctx, current)
		if err != nil {
			t.Fatalf("State failed: %v", err)
		}
		if st.Status != StatusCompleted {
			t.Errorf("expected completed from the fallback, got %s", st.Status)
		}
	})

	t.Run("pre-outage run can be archived", func(t *testing.T) {
		final, err := eng.Archive(ctx, prior)
		if err != nil {
			t.Fatalf("Archive failed: %v", err)
		}
		if final.RunID != prior || final.Status != StatusCompleted {
			t.Errorf("expected the final snapshot back, got %+v", final)
		}
		if _, err := eng.Status(ctx, prior); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("expected the archived run gone from both stores, got %v", err)
		}
	})
}

// brokenStore fails saves with a non-availability error, which must
// not trigger degradation.
type brokenStore struct {
	*store.MemStore[RunState]
}

func (b *brokenStore) Save(ctx context.Context, runID string, st RunState) error {
	return errors.New("disk full")
}

func TestEngine_StoreErrorIsFatal(t *testing.T) {
	eng := New(catalogRegistry(nil), &brokenStore{MemStore: store.NewMemStore[RunState]()}, nil)
	if err := eng.Register(NeedsRecipe()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	runID, err := eng.Start(context.Background(), "needs", Payload{"topic": "x"})
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeStore {
		t.Fatalf("expected STORE_ERROR, got %v", err)
	}
	if runID == "" {
		t.Error("expected the run ID returned alongside the error")
	}
	if eng.Degraded() {
		t.Error("expected no degradation on a non-availability store error")
	}
}

func TestEngine_MaxSteps(t *testing.T) {
	reg := newTestRegistry()
	reg.invokers["writer_agent"] = fixedStage(Payload{"memo_draft": "v"})
	reg.evaluators["quality_gate"] = &seqEvaluator{decisions: []Decision{Retry("")}}

	rec := NewRecipe("memo", "draft")
	_ = rec.Add(StageNode("draft", "writer_agent", "memo_draft"))
	_ = rec.Add(GateNode("quality", GateSpec{Evaluator: "quality_gate", MaxRetries: 50}))
	_ = rec.Add(ReviewNode("review", ReviewSpec{RevisionTarget: "draft"}))
	_ = rec.Add(TerminalNode("end"))
	_ = rec.Connect("draft", "done", "quality")
	_ = rec.Connect("quality", "continue", "review")
	_ = rec.Connect("quality", "retry", "draft")
	_ = rec.Connect("quality", "escalate", "end")
	_ = rec.Connect("review", "approve", "end")

	eng, _, _ := newTestEngine(t, reg, WithMaxSteps(10))
	if err := eng.Register(rec); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	runID, err := eng.Start(ctx, "memo", Payload{})
	if !errors.Is(err, ErrMaxStepsExceeded) {
		t.Fatalf("expected ErrMaxStepsExceeded, got %v", err)
	}

	st, stateErr := eng.State(ctx, runID)
	if stateErr != nil {
		t.Fatalf("State failed: %v", stateErr)
	}
	if st.Status != StatusFailed {
		t.Errorf("expected failed, got %s", st.Status)
	}
	if len(st.History) != 10 {
		t.Errorf("expected the run stopped at 10 dispatches, got %d", len(st.History))
	}
	if !strings.Contains(st.Cause, "maximum steps") {
		t.Errorf("expected the cause to mention the step limit, got %q", st.Cause)
	}
}

func TestEngine_ContextCancellation(t *testing.T) {
	t.Run("agent observes the cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		reg := newTestRegistry()
		reg.invokers["writer_agent"] = InvokerFunc(func(ctx context.Context, _ Payload) (Payload, error) {
			cancel()
			return nil, ctx.Err()
		})

		rec := NewRecipe("memo", "draft")
		_ = rec.Add(StageNode("draft", "writer_agent", "memo_draft"))
		_ = rec.Add(TerminalNode("end"))
		_ = rec.Connect("draft", "done", "end")

		eng, _, buf := newTestEngine(t, reg)
		if err := eng.Register(rec); err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		runID, err := eng.Start(ctx, "memo", Payload{})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}

		st, stateErr := eng.State(context.Background(), runID)
		if stateErr != nil {
			t.Fatalf("State failed: %v", stateErr)
		}
		if st.Status != StatusFailed {
			t.Errorf("expected failed, got %s", st.Status)
		}
		if got := buf.GetHistoryWithFilter(runID, emit.HistoryFilter{Msg: "run_cancelled"}); len(got) != 1 {
			t.Errorf("expected 1 run_cancelled event, got %d", len(got))
		}
	})

	t.Run("cancellation after a successful dispatch", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		reg := newTestRegistry()
		reg.invokers["writer_agent"] = InvokerFunc(func(ctx context.Context, _ Payload) (Payload, error) {
			cancel()
			return Payload{"memo_draft": "v"}, nil
		})

		rec := NewRecipe("memo", "draft")
		_ = rec.Add(StageNode("draft", "writer_agent", "memo_draft"))
		_ = rec.Add(TerminalNode("end"))
		_ = rec.Connect("draft", "done", "end")

		eng, _, _ := newTestEngine(t, reg)
		if err := eng.Register(rec); err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		runID, err := eng.Start(ctx, "memo", Payload{})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}

		st, stateErr := eng.State(context.Background(), runID)
		if stateErr != nil {
			t.Fatalf("State failed: %v", stateErr)
		}
		if st.Status != StatusFailed {
			t.Errorf("expected failed, got %s", st.Status)
		}
		if got := outcomesAt(st, "draft"); len(got) != 1 || got[0] != "done" {
			t.Errorf("expected the completed dispatch recorded, got %v", got)
		}
	})
}

func TestEngine_CustomRunIDs(t *testing.T) {
	next := 0
	eng, _, _ := newTestEngine(t, catalogRegistry(nil), WithRunIDs(func() string {
		next++
		return fmt.Sprintf("run-%04d", next)
	}))
	if err := eng.Register(NeedsRecipe()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	runID, err := eng.Start(context.Background(), "needs", Payload{"topic": "x"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if runID != "run-0001" {
		t.Errorf("expected run-0001, got %s", runID)
	}
}
