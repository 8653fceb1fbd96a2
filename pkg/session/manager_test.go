package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/crucible/pkg/adapters/memory"
	"github.com/aretw0/crucible/pkg/adapters/redis"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
	"github.com/aretw0/crucible/pkg/session"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SlowStore simulates latency to provoke race conditions if locking is missing.
type SlowStore struct {
	*memory.Store
}

func (s *SlowStore) Load(ctx context.Context, threadID string) (*domain.TaskRecord, error) {
	time.Sleep(5 * time.Millisecond)
	return s.Store.Load(ctx, threadID)
}

func (s *SlowStore) Save(ctx context.Context, rec *domain.TaskRecord) error {
	time.Sleep(5 * time.Millisecond)
	return s.Store.Save(ctx, rec)
}

func TestManager_WithLockSerializesReadModifyWrite(t *testing.T) {
	store := &SlowStore{Store: memory.NewStore()}
	manager := session.NewManager(store)
	ctx := context.Background()
	id := "race-test"

	require.NoError(t, manager.Create(ctx, domain.NewTaskRecord("", id, map[string]any{"count": 0}, 0)))

	var wg sync.WaitGroup
	const writers = 10
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := manager.WithLock(ctx, id, func(ctx context.Context) error {
				rec, err := store.Load(ctx, id)
				if err != nil {
					return err
				}
				rec.Payload["count"] = rec.Payload["count"].(int) + 1
				return store.Save(ctx, rec)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := manager.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, writers, rec.Payload["count"])
}

func TestManager_TryWithLockRejectsConcurrentStep(t *testing.T) {
	manager := session.NewManager(memory.NewStore())
	ctx := context.Background()

	entered := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = manager.TryWithLock(ctx, "t1", func(context.Context) error {
			close(entered)
			<-done
			return nil
		})
	}()
	<-entered

	err := manager.TryWithLock(ctx, "t1", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, domain.ErrTaskBusy)

	// Other threads are unaffected.
	var ran atomic.Bool
	err = manager.TryWithLock(ctx, "t2", func(context.Context) error { ran.Store(true); return nil })
	assert.NoError(t, err)
	assert.True(t, ran.Load())

	close(done)
}

func TestManager_DistributedTryLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	defer client.Close()

	locker := redis.NewLocker(client, "test:")
	store := redis.NewFromClient(client)
	replicaA := session.NewManager(store, session.WithLocker(locker), session.WithLockTTL(5*time.Second))
	replicaB := session.NewManager(store, session.WithLocker(locker))
	ctx := context.Background()

	err := replicaA.TryWithLock(ctx, "shared", func(ctx context.Context) error {
		assert.True(t, mr.Exists("test:lock:shared"))
		return replicaB.TryWithLock(ctx, "shared", func(context.Context) error { return nil })
	})
	assert.ErrorIs(t, err, domain.ErrTaskBusy)
	assert.False(t, mr.Exists("test:lock:shared"), "lock must be released after the step")
}

func TestManager_DeleteMissing(t *testing.T) {
	manager := session.NewManager(memory.NewStore())
	err := manager.Delete(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestManager_LoadAll(t *testing.T) {
	var store ports.StateStore = memory.NewStore()
	manager := session.NewManager(store)
	ctx := context.Background()
	require.NoError(t, manager.Create(ctx, domain.NewTaskRecord("", "a", nil, 0)))
	require.NoError(t, manager.Create(ctx, domain.NewTaskRecord("", "b", nil, 0)))

	all, err := manager.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
