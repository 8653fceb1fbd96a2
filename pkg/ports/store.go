package ports

import (
	"context"

	"github.com/aretw0/crucible/pkg/domain"
)

// DeltaFunc computes the delta to merge from the current record.
// Returning an error aborts the apply and leaves the record untouched.
type DeltaFunc func(current *domain.TaskRecord) (domain.Delta, error)

// Merge returns a DeltaFunc that ignores the current record.
func Merge(d domain.Delta) DeltaFunc {
	return func(*domain.TaskRecord) (domain.Delta, error) { return d, nil }
}

// StateStore defines the interface for persisting task records.
// Records are keyed by thread ID. Every mutation after creation goes through Apply.
type StateStore interface {
	// Create persists a new record.
	// Returns domain.ErrTaskExists if the thread already has one.
	Create(ctx context.Context, record *domain.TaskRecord) error

	// Save overwrites the record for its thread ID.
	Save(ctx context.Context, record *domain.TaskRecord) error

	// Load retrieves the record for a given thread ID.
	// Returns domain.ErrTaskNotFound if the thread does not exist.
	Load(ctx context.Context, threadID string) (*domain.TaskRecord, error)

	// Apply atomically loads the record, asks fn for a delta and merges it.
	// Returns the record as stored after the merge.
	Apply(ctx context.Context, threadID string, fn DeltaFunc) (*domain.TaskRecord, error)

	// Delete removes the record for a given thread ID.
	Delete(ctx context.Context, threadID string) error

	// List returns all stored thread IDs.
	List(ctx context.Context) ([]string, error)
}
