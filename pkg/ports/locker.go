package ports

import (
	"context"
	"time"
)

// UnlockFunc is a function that releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker defines the interface for cross-process mutual exclusion
// on a thread. The in-process session manager layers it under its own mutexes.
type DistributedLocker interface {
	// Lock blocks until the lock for key is acquired or ctx is done.
	// Returns an UnlockFunc that MUST be called to release the lock.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)

	// TryLock makes a single attempt. ok is false when another holder owns the key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock UnlockFunc, ok bool, err error)
}
