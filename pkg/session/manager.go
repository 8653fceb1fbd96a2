package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/crucible/internal/logging"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
)

// DefaultLockTTL is the distributed lock lease when none is configured.
const DefaultLockTTL = 30 * time.Second

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager orchestrates task access, ensuring safe concurrent operations.
// It uses reference counting to garbage collect unused locks.
type Manager struct {
	store ports.StateStore

	mu    sync.Mutex            // Global lock for the map
	locks map[string]*lockEntry // Map of active locks

	locker  ports.DistributedLocker // Optional distributed locker
	lockTTL time.Duration
	logger  *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLockTTL sets the lease of the distributed lock.
// It should exceed the longest expected worker step.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a new Manager with the given persistence store.
func NewManager(store ports.StateStore, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		locks:   make(map[string]*lockEntry),
		lockTTL: DefaultLockTTL,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST call release(threadID) once done with the entry.
func (m *Manager) acquire(threadID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[threadID]
	if !exists {
		entry = &lockEntry{}
		m.locks[threadID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[threadID]
	if !exists {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, threadID)
	}
}

// WithLock executes fn while holding the lock for the thread, waiting if needed.
func (m *Manager) WithLock(ctx context.Context, threadID string, fn func(context.Context) error) error {
	entry := m.acquire(threadID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(threadID)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, threadID, m.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer m.unlock(ctx, threadID, unlock)
	}

	return fn(ctx)
}

// TryWithLock executes fn only if no other holder owns the thread.
// Returns domain.ErrTaskBusy instead of waiting.
func (m *Manager) TryWithLock(ctx context.Context, threadID string, fn func(context.Context) error) error {
	entry := m.acquire(threadID)
	defer m.release(threadID)

	if !entry.mu.TryLock() {
		return domain.ErrTaskBusy
	}
	defer entry.mu.Unlock()

	if m.locker != nil {
		unlock, ok, err := m.locker.TryLock(ctx, threadID, m.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		if !ok {
			return domain.ErrTaskBusy
		}
		defer m.unlock(ctx, threadID, unlock)
	}

	return fn(ctx)
}

func (m *Manager) unlock(ctx context.Context, threadID string, unlock ports.UnlockFunc) {
	// The caller's context may already be cancelled; the release must still go out.
	ctx = context.WithoutCancel(ctx)
	if err := unlock(ctx); err != nil {
		m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
			"thread_id", threadID,
			"err", err,
		)
	}
}

// Load retrieves a record without taking the thread lock. Readers see the
// last committed step.
func (m *Manager) Load(ctx context.Context, threadID string) (*domain.TaskRecord, error) {
	return m.store.Load(ctx, threadID)
}

// Create persists a new record under the thread lock.
func (m *Manager) Create(ctx context.Context, record *domain.TaskRecord) error {
	return m.WithLock(ctx, record.ThreadID, func(ctx context.Context) error {
		return m.store.Create(ctx, record)
	})
}

// Apply merges a delta through the store. The caller is expected to hold the
// thread lock when the delta is part of a driver step.
func (m *Manager) Apply(ctx context.Context, threadID string, fn ports.DeltaFunc) (*domain.TaskRecord, error) {
	return m.store.Apply(ctx, threadID, fn)
}

// Delete removes the task from the store. A task with a step in flight is not deleted.
func (m *Manager) Delete(ctx context.Context, threadID string) error {
	return m.TryWithLock(ctx, threadID, func(ctx context.Context) error {
		if _, err := m.store.Load(ctx, threadID); err != nil {
			return err
		}
		return m.store.Delete(ctx, threadID)
	})
}

// List delegates to the store.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

// LoadAll returns every stored record, skipping threads deleted mid-scan.
func (m *Manager) LoadAll(ctx context.Context) ([]*domain.TaskRecord, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.TaskRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := m.store.Load(ctx, id)
		if errors.Is(err, domain.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Store returns the underlying state store.
func (m *Manager) Store() ports.StateStore {
	return m.store
}
