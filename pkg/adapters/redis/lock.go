package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aretw0/crucible/pkg/ports"
	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// ErrLockAcquire is returned when the lock cannot be acquired.
var ErrLockAcquire = errors.New("failed to acquire distributed lock")

// pollInterval is how often Lock retries a held key.
const pollInterval = 100 * time.Millisecond

// releaseScript deletes the key only if it still holds our token.
var releaseScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// extendScript pushes the expiry forward only while the key holds our token.
var extendScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Locker implements ports.DistributedLocker using Redis SET NX PX.
// A held lock is renewed every ttl/3 until it is released, so a step may
// outlive the TTL without another process taking the thread over.
type Locker struct {
	client *backend.Client
	prefix string
}

// NewLocker creates a new Redis locker.
func NewLocker(client *backend.Client, prefix string) *Locker {
	return &Locker{
		client: client,
		prefix: prefix,
	}
}

func (l *Locker) lockKey(key string) string {
	return l.prefix + "lock:" + key
}

// Lock polls until the lock is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		unlock, ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryLock makes a single SET NX attempt.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, bool, error) {
	lockKey := l.lockKey(key)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrLockAcquire, err)
	}
	if !ok {
		return nil, false, nil
	}
	stop := l.keepAlive(ctx, lockKey, token, ttl)
	return func(ctx context.Context) error {
		stop()
		return releaseScript.Run(ctx, l.client, []string{lockKey}, token).Err()
	}, true, nil
}

// keepAlive renews lockKey until the returned stop function is called or
// the token is no longer ours.
func (l *Locker) keepAlive(ctx context.Context, lockKey, token string, ttl time.Duration) (stop func()) {
	every := ttl / 3
	if every <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := extendScript.Run(ctx, l.client, []string{lockKey}, token, ttl.Milliseconds()).Int()
				if errors.Is(err, backend.ErrClosed) || (err == nil && n == 0) {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
