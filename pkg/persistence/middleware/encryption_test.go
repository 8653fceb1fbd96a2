package middleware_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"testing"

	"github.com/aretw0/crucible/pkg/adapters/memory"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/persistence/middleware"
	"github.com/aretw0/crucible/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) []byte {
	k := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestEncryptionMiddleware_Contract(t *testing.T) {
	mw := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	ports.RunStateStoreContract(t, mw(memory.NewStore()))
}

func TestEncryptionMiddleware_Roundtrip(t *testing.T) {
	underlyingStore := memory.NewStore()
	mw := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	secureStore := mw(underlyingStore)

	ctx := context.Background()
	rec := domain.NewTaskRecord("", "test-thread", map[string]any{"secret": "my-secret-sauce"}, 5)
	rec.History = append(rec.History, domain.Turn{Role: domain.RoleUser, Content: "classified"})
	require.NoError(t, secureStore.Create(ctx, rec))

	// The wrapped store only holds the envelope.
	stored, err := underlyingStore.Load(ctx, "test-thread")
	require.NoError(t, err)
	assert.NotContains(t, stored.Payload, "secret")
	assert.Contains(t, stored.Payload, middleware.EnvelopeKey)
	assert.Empty(t, stored.History)
	assert.Equal(t, rec.UpdatedAt, stored.UpdatedAt)

	loaded, err := secureStore.Load(ctx, "test-thread")
	require.NoError(t, err)
	assert.Equal(t, "my-secret-sauce", loaded.Payload["secret"])
	require.Len(t, loaded.History, 1)
	assert.Equal(t, "classified", loaded.History[0].Content)

	updated, err := secureStore.Apply(ctx, "test-thread", ports.Merge(domain.Delta{
		Payload: map[string]any{"secret": "rotated"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "rotated", updated.Payload["secret"])

	stored, err = underlyingStore.Load(ctx, "test-thread")
	require.NoError(t, err)
	assert.NotContains(t, stored.Payload, "secret")
}

func TestEncryptionMiddleware_KeyRotation(t *testing.T) {
	underlyingStore := memory.NewStore()
	oldKey := generateKey(t)
	newKey := generateKey(t)

	secureStoreOld := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: oldKey})(underlyingStore)

	ctx := context.Background()
	rec := domain.NewTaskRecord("", "rotation-thread", map[string]any{"data": "encrypted-with-old-key"}, 5)
	require.NoError(t, secureStoreOld.Create(ctx, rec))

	secureStoreNew := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
		ActiveKey:    newKey,
		FallbackKeys: [][]byte{oldKey},
	})(underlyingStore)

	loaded, err := secureStoreNew.Load(ctx, "rotation-thread")
	require.NoError(t, err)
	assert.Equal(t, "encrypted-with-old-key", loaded.Payload["data"])

	// Any write re-seals with the active key.
	_, err = secureStoreNew.Apply(ctx, "rotation-thread", ports.Merge(domain.Delta{
		Payload: map[string]any{"data": "encrypted-with-new-key"},
	}))
	require.NoError(t, err)

	_, err = secureStoreOld.Load(ctx, "rotation-thread")
	assert.Error(t, err, "old key alone can no longer decrypt")
}

func TestEncryptionMiddleware_PlainRecord(t *testing.T) {
	underlyingStore := memory.NewStore()
	require.NoError(t, underlyingStore.Create(context.Background(), domain.NewTaskRecord("", "plain", nil, 5)))

	secureStore := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})(underlyingStore)
	_, err := secureStore.Load(context.Background(), "plain")
	assert.ErrorIs(t, err, middleware.ErrNotEncrypted)
}

func TestEncryptionMiddleware_InvalidKey(t *testing.T) {
	assert.Panics(t, func() {
		middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: []byte("short-key")})
	})
}

func TestDecodeKey(t *testing.T) {
	key := generateKey(t)
	got, err := middleware.DecodeKey(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = middleware.DecodeKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorContains(t, err, "32 bytes")

	_, err = middleware.DecodeKey("%%%")
	assert.Error(t, err)
}

func TestChain(t *testing.T) {
	var order []string
	tag := func(name string) middleware.Middleware {
		return func(next ports.StateStore) ports.StateStore {
			order = append(order, name)
			return next
		}
	}
	middleware.Chain(memory.NewStore(), tag("outer"), tag("inner"))
	assert.Equal(t, []string{"inner", "outer"}, order)
}
