package ports

import (
	"context"

	"github.com/aretw0/crucible/pkg/domain"
)

// DecisionContext is everything a decider sees on one dispatcher tick.
type DecisionContext struct {
	ThreadID       string             `json:"thread_id"`
	Window         []domain.Turn      `json:"window"`
	Summary        string             `json:"summary"`
	Workers        []string           `json:"workers"`
	IterationIndex int                `json:"iteration_index"`
	MaxIterations  int                `json:"max_iterations"`
	Snapshot       *domain.TaskRecord `json:"-"`
}

// Decider is the opaque decision function consulted by the dispatcher.
//
// The output may be a domain.Decision, a map, or JSON text; the dispatcher
// parses it with domain.ParseDecision and falls back when parsing fails.
type Decider interface {
	Decide(ctx context.Context, dc DecisionContext) (any, error)
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(ctx context.Context, dc DecisionContext) (any, error)

// Decide calls f.
func (f DeciderFunc) Decide(ctx context.Context, dc DecisionContext) (any, error) {
	return f(ctx, dc)
}

// EventSink observes driver events in emission order. node_end and
// interrupt_raised are emitted after their step is committed.
// Sinks must not block and must not mutate the event payload.
type EventSink func(ctx context.Context, ev domain.Event)
