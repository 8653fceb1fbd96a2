package worker

import (
	"fmt"
	"slices"
	"sync"

	"github.com/aretw0/crucible/pkg/domain"
)

// Registry manages the available workers.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry creates a registry holding the given workers.
func NewRegistry(workers ...Worker) *Registry {
	r := &Registry{
		workers: make(map[string]Worker),
	}
	for _, w := range workers {
		r.Register(w)
	}
	return r
}

// Register adds a worker to the registry.
// If a worker with the same name exists, it is overwritten.
// Reserved node names cannot be used.
func (r *Registry) Register(w Worker) {
	if domain.IsReservedNode(w.Name()) || w.Name() == "" {
		panic(fmt.Sprintf("worker: invalid worker name %q", w.Name()))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Name()] = w
}

// Get looks up a worker by name.
func (r *Registry) Get(name string) (Worker, error) {
	r.mu.RLock()
	w, ok := r.workers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownWorker, name)
	}
	return w, nil
}

// Names returns the registered worker names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
