package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/aretw0/crucible/pkg/domain"
)

// Worker is a named unit of domain work.
type Worker interface {
	Name() string
	// Run computes a delta from a snapshot. Returning a *Suspension (usually
	// from Suspend) parks the task; any delta returned with it is merged first.
	Run(ctx context.Context, snap *domain.TaskRecord) (domain.Delta, error)
}

// Requirer is implemented by workers that need payload fields to be present.
type Requirer interface {
	Requires() []string
}

// Func adapts a function to the Worker interface.
type Func struct {
	ID       string
	Required []string
	Fn       func(ctx context.Context, snap *domain.TaskRecord) (domain.Delta, error)
}

// Name returns the worker name.
func (f Func) Name() string { return f.ID }

// Requires returns the declared required fields.
func (f Func) Requires() []string { return f.Required }

// Run calls Fn.
func (f Func) Run(ctx context.Context, snap *domain.TaskRecord) (domain.Delta, error) {
	return f.Fn(ctx, snap)
}

// Missing returns the required fields absent from the snapshot payload.
func Missing(w Worker, snap *domain.TaskRecord) []string {
	r, ok := w.(Requirer)
	if !ok {
		return nil
	}
	var missing []string
	for _, field := range r.Requires() {
		if !snap.Has(field) {
			missing = append(missing, field)
		}
	}
	return missing
}

// CheckRequired returns a *domain.WorkerError naming the missing fields, or nil.
func CheckRequired(w Worker, snap *domain.TaskRecord) error {
	if missing := Missing(w, snap); len(missing) > 0 {
		return &domain.WorkerError{
			Worker: w.Name(),
			Err:    fmt.Errorf("missing required fields: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
