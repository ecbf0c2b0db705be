// Package agent provides collaborator implementations for pipeline
// recipes.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/recipeflow-go/pipeline"
)

// WithTimeout bounds each invocation of inv. A timeout surfaces as a
// plain error from Invoke, so the engine records it as the stage's
// agent failing rather than as run cancellation. A non-positive
// timeout returns inv unchanged.
func WithTimeout(inv pipeline.Invoker, timeout time.Duration) pipeline.Invoker {
	if timeout <= 0 {
		return inv
	}
	return pipeline.InvokerFunc(func(ctx context.Context, payload pipeline.Payload) (pipeline.Payload, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		out, err := inv.Invoke(callCtx, payload)
		if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("invocation exceeded timeout of %v", timeout)
		}
		return out, err
	})
}

// WithEvaluatorTimeout is WithTimeout for gate evaluators.
func WithEvaluatorTimeout(ev pipeline.Evaluator, timeout time.Duration) pipeline.Evaluator {
	if timeout <= 0 {
		return ev
	}
	return pipeline.EvaluatorFunc(func(ctx context.Context, payload pipeline.Payload) (pipeline.Decision, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		d, err := ev.Evaluate(callCtx, payload)
		if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return pipeline.Decision{}, fmt.Errorf("evaluation exceeded timeout of %v", timeout)
		}
		return d, err
	})
}
