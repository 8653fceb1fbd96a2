package runner

import (
	"log/slog"

	"github.com/aretw0/crucible/pkg/ports"
)

// DefaultStepLimit bounds the number of steps a single call may run.
const DefaultStepLimit = 64

// DefaultMaxConcurrent bounds the number of tasks driven at the same time.
const DefaultMaxConcurrent = 32

// Option defines a functional option for configuring the Runner.
type Option func(*Runner)

// WithSinks adds observers for every emitted event.
func WithSinks(sinks ...ports.EventSink) Option {
	return func(r *Runner) {
		r.sinks = append(r.sinks, sinks...)
	}
}

// WithLogger configures the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithStepLimit sets the per-call step budget.
func WithStepLimit(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.stepLimit = n
		}
	}
}

// WithMaxConcurrent sets how many tasks may be driven in parallel.
func WithMaxConcurrent(n int64) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxConcurrent = n
		}
	}
}

// WithMaxIterations sets the iteration bound for tasks started without one.
func WithMaxIterations(n int) Option {
	return func(r *Runner) {
		r.maxIterations = n
	}
}
