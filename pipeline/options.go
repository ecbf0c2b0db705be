// Package pipeline provides the recipe execution engine for RecipeFlow-Go.
package pipeline

import "time"

// DefaultMaxSteps bounds a run's total dispatches when Options does not
// set a limit. Bounded gate retries keep well-formed recipes finite on
// their own; the cap is a backstop against misbehaving collaborators.
const DefaultMaxSteps = 256

// Options configures Engine behavior. Zero values take the documented
// defaults, so Options{} is a working configuration.
type Options struct {
	// MaxSteps caps the total dispatches of one run, counting gate
	// retries and resume applications. Zero means DefaultMaxSteps.
	// When the cap is hit the run fails with ErrMaxStepsExceeded.
	MaxSteps int

	// Metrics receives engine measurements. Nil disables recording.
	Metrics *PrometheusMetrics

	// Now supplies history timestamps. Nil means time.Now. Tests pin
	// this to make trajectories reproducible.
	Now func() time.Time

	// NewRunID mints run identifiers. Nil means a random UUID.
	NewRunID func() string
}

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine := pipeline.New(registry, st, emitter,
//	    pipeline.WithMaxSteps(100),
//	    pipeline.WithMetrics(metrics),
//	)
type Option func(*Options)

// WithMaxSteps caps the total dispatches of one run.
func WithMaxSteps(n int) Option {
	return func(o *Options) {
		o.MaxSteps = n
	}
}

// WithMetrics attaches a Prometheus collector to the engine.
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(o *Options) {
		o.Metrics = metrics
	}
}

// WithClock overrides the timestamp source for history entries.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

// WithRunIDs overrides how run identifiers are minted. Useful for
// tests that assert on specific IDs.
func WithRunIDs(newID func() string) Option {
	return func(o *Options) {
		o.NewRunID = newID
	}
}
