// Package agent provides collaborator implementations that plug into
// pipeline recipes: LLM-backed stages and gates, HTTP callouts to
// external agent services, timeout wrappers, and scripted stand-ins
// for tests and demos.
package agent

import (
	"fmt"
	"sync"

	"github.com/dshills/recipeflow-go/pipeline"
)

// StaticRegistry is a fixed name-to-collaborator table implementing
// pipeline.Registry. Bind every agent a recipe declares before
// registering the recipe with an engine.
type StaticRegistry struct {
	mu         sync.RWMutex
	invokers   map[string]pipeline.Invoker
	evaluators map[string]pipeline.Evaluator
}

// NewStaticRegistry returns an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		invokers:   make(map[string]pipeline.Invoker),
		evaluators: make(map[string]pipeline.Evaluator),
	}
}

// BindInvoker registers inv under name, replacing any previous binding.
func (r *StaticRegistry) BindInvoker(name string, inv pipeline.Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[name] = inv
}

// BindEvaluator registers ev under name, replacing any previous
// binding.
func (r *StaticRegistry) BindEvaluator(name string, ev pipeline.Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[name] = ev
}

// Invoker implements pipeline.Registry.
func (r *StaticRegistry) Invoker(name string) (pipeline.Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[name]
	if !ok {
		return nil, fmt.Errorf("no invoker named %q", name)
	}
	return inv, nil
}

// Evaluator implements pipeline.Registry.
func (r *StaticRegistry) Evaluator(name string) (pipeline.Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.evaluators[name]
	if !ok {
		return nil, fmt.Errorf("no evaluator named %q", name)
	}
	return ev, nil
}
