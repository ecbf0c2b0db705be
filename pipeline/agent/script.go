// Package agent provides collaborator implementations for pipeline
// recipes.
package agent

import (
	"context"
	"sync"

	"github.com/dshills/recipeflow-go/pipeline"
)

// ScriptedInvoker returns canned outputs in call order, repeating the
// last one once the script runs out. It stands in for a real agent in
// tests and demos. Safe for concurrent use.
type ScriptedInvoker struct {
	// Outputs are returned one per call. Each is cloned so callers
	// cannot mutate the script.
	Outputs []pipeline.Payload

	// Err, when set, is returned by every call instead of an output.
	Err error

	mu    sync.Mutex
	calls int
}

// Invoke returns the next scripted output.
func (s *ScriptedInvoker) Invoke(ctx context.Context, payload pipeline.Payload) (pipeline.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.Outputs) == 0 {
		return pipeline.Payload{}, nil
	}
	idx := s.calls - 1
	if idx >= len(s.Outputs) {
		idx = len(s.Outputs) - 1
	}
	return s.Outputs[idx].Clone(), nil
}

// Calls reports how many times Invoke ran.
func (s *ScriptedInvoker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ScriptedEvaluator returns canned decisions in call order, repeating
// the last one once the script runs out. Safe for concurrent use.
type ScriptedEvaluator struct {
	// Decisions are returned one per call.
	Decisions []pipeline.Decision

	// Err, when set, is returned by every call instead of a decision.
	Err error

	mu    sync.Mutex
	calls int
}

// Evaluate returns the next scripted decision.
func (s *ScriptedEvaluator) Evaluate(ctx context.Context, payload pipeline.Payload) (pipeline.Decision, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Decision{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.Err != nil {
		return pipeline.Decision{}, s.Err
	}
	if len(s.Decisions) == 0 {
		return pipeline.Continue(), nil
	}
	idx := s.calls - 1
	if idx >= len(s.Decisions) {
		idx = len(s.Decisions) - 1
	}
	return s.Decisions[idx], nil
}

// Calls reports how many times Evaluate ran.
func (s *ScriptedEvaluator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
