package ports

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStateStoreContract runs a suite of tests to verify that a StateStore implementation
// adheres to the defined interface contract.
func RunStateStoreContract(t *testing.T, store StateStore) {
	ctx := context.Background()
	threadID := "contract-" + time.Now().Format("20060102150405.000000")

	newRecord := func(id string) *domain.TaskRecord {
		return domain.NewTaskRecord("task-"+id, id, map[string]any{"al": 30, "ti": 25}, 5)
	}

	t.Run("Create and Load", func(t *testing.T) {
		rec := newRecord(threadID)
		rec.History = append(rec.History, domain.Turn{Role: domain.RoleUser, Content: "start"})
		require.NoError(t, store.Create(ctx, rec))

		loaded, err := store.Load(ctx, threadID)
		require.NoError(t, err)
		assert.Equal(t, rec.TaskID, loaded.TaskID)
		assert.Equal(t, rec.CurrentNode, loaded.CurrentNode)
		assert.Equal(t, 1, loaded.IterationIndex)
		require.Len(t, loaded.History, 1)
		assert.Equal(t, "start", loaded.History[0].Content)
		// JSON backends turn ints into float64; only presence is portable.
		assert.NotNil(t, loaded.Payload["al"])
	})

	t.Run("Create Existing", func(t *testing.T) {
		err := store.Create(ctx, newRecord(threadID))
		assert.ErrorIs(t, err, domain.ErrTaskExists)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "non-existent-"+threadID)
		assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	})

	t.Run("Apply merges delta", func(t *testing.T) {
		updated, err := store.Apply(ctx, threadID, Merge(domain.Delta{
			Payload:             map[string]any{"ti": nil, "hardness": "28.5"},
			LastCompletedWorker: domain.Ptr("validator"),
			Turns:               []domain.Turn{{Role: domain.RoleAssistant, Content: "validated"}},
		}))
		require.NoError(t, err)
		assert.Equal(t, "validator", updated.LastCompletedWorker)

		loaded, err := store.Load(ctx, threadID)
		require.NoError(t, err)
		assert.NotContains(t, loaded.Payload, "ti")
		assert.Equal(t, "28.5", loaded.Payload["hardness"])
		assert.Len(t, loaded.History, 2)
	})

	t.Run("Apply aborted by DeltaFunc", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := store.Apply(ctx, threadID, func(cur *domain.TaskRecord) (domain.Delta, error) {
			return domain.Delta{Payload: map[string]any{"al": 99}}, boom
		})
		assert.ErrorIs(t, err, boom)

		loaded, err := store.Load(ctx, threadID)
		require.NoError(t, err)
		assert.NotEqual(t, 99, loaded.Payload["al"])
	})

	t.Run("Apply Non-Existent", func(t *testing.T) {
		_, err := store.Apply(ctx, "non-existent-"+threadID, Merge(domain.Delta{}))
		assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	})

	t.Run("Apply is atomic under contention", func(t *testing.T) {
		const writers = 8
		var wg sync.WaitGroup
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Apply(ctx, threadID, Merge(domain.Delta{
					Turns: []domain.Turn{{Role: domain.RoleSystem, Content: fmt.Sprintf("w%d", i)}},
				}))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		loaded, err := store.Load(ctx, threadID)
		require.NoError(t, err)
		assert.Len(t, loaded.History, 2+writers)
	})

	t.Run("Pending interrupt round trip", func(t *testing.T) {
		_, err := store.Apply(ctx, threadID, Merge(domain.Delta{
			PendingInterrupt: &domain.Interrupt{
				ID:      "int-1",
				Node:    "experimenter",
				Payload: map[string]any{"type": "await_experiment_results"},
			},
		}))
		require.NoError(t, err)

		loaded, err := store.Load(ctx, threadID)
		require.NoError(t, err)
		require.NotNil(t, loaded.PendingInterrupt)
		assert.Equal(t, "experimenter", loaded.PendingInterrupt.Node)
		assert.Equal(t, domain.StatusSuspended, loaded.Status())
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, threadID))

		_, err := store.Load(ctx, threadID)
		assert.ErrorIs(t, err, domain.ErrTaskNotFound, "Load after Delete should return ErrTaskNotFound")
	})

	t.Run("List", func(t *testing.T) {
		id1 := threadID + "-1"
		id2 := threadID + "-2"
		require.NoError(t, store.Save(ctx, newRecord(id1)))
		require.NoError(t, store.Save(ctx, newRecord(id2)))

		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, id1)
		assert.Contains(t, ids, id2)
	})
}
