package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/crucible/pkg/adapters/redis"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := newClient(t)
	store := redis.NewFromClient(client)
	ports.RunStateStoreContract(t, store)
}

func TestRedisStore_TTL_Expiration(t *testing.T) {
	mr, client := newClient(t)

	store := redis.NewFromClient(client, redis.WithTTL(1*time.Second))
	ctx := context.Background()
	threadID := "thread-ttl"

	require.NoError(t, store.Save(ctx, domain.NewTaskRecord("t", threadID, map[string]any{"al": 30}, 5)))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, threadID)

	// Key expiry is driven by miniredis time, index pruning by wall clock.
	mr.FastForward(2 * time.Second)

	_, err = store.Load(ctx, threadID)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	time.Sleep(1200 * time.Millisecond)

	ids, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRedisStore_Prefix(t *testing.T) {
	mr, client := newClient(t)

	store := redis.NewFromClient(client, redis.WithPrefix("custom:app:"))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, domain.NewTaskRecord("t", "my-thread", nil, 5)))

	assert.True(t, mr.Exists("custom:app:my-thread"), "Expected key with custom prefix to exist")
	assert.True(t, mr.Exists("custom:app:index"), "Expected index with custom prefix to exist")

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "my-thread")
}

func TestRedisStore_ApplyRefreshesTTL(t *testing.T) {
	mr, client := newClient(t)
	store := redis.NewFromClient(client, redis.WithTTL(10*time.Second))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, domain.NewTaskRecord("t", "th", nil, 5)))
	mr.FastForward(8 * time.Second)

	_, err := store.Apply(ctx, "th", ports.Merge(domain.Delta{CurrentNode: domain.Ptr("validator")}))
	require.NoError(t, err)

	mr.FastForward(8 * time.Second)
	rec, err := store.Load(ctx, "th")
	require.NoError(t, err)
	assert.Equal(t, "validator", rec.CurrentNode)
}
