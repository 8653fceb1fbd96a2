package worker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	reg := worker.NewRegistry(
		worker.Func{ID: "validator"},
		worker.Func{ID: "analyst"},
	)

	assert.Equal(t, []string{"analyst", "validator"}, reg.Names())

	w, err := reg.Get("analyst")
	require.NoError(t, err)
	assert.Equal(t, "analyst", w.Name())

	_, err = reg.Get("simulator")
	assert.ErrorIs(t, err, domain.ErrUnknownWorker)

	assert.Panics(t, func() { reg.Register(worker.Func{ID: domain.NodeAskUser}) })
}

func TestCheckRequired(t *testing.T) {
	w := worker.Func{ID: "analyst", Required: []string{"composition", "target"}}
	snap := domain.NewTaskRecord("t", "th", map[string]any{"composition": map[string]any{"al": 30}}, 0)

	err := worker.CheckRequired(w, snap)
	var werr *domain.WorkerError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, "analyst", werr.Worker)
	assert.Contains(t, err.Error(), "target")

	d := werr.Delta()
	assert.Equal(t, "analyst", *d.LastCompletedWorker)
	assert.NotEmpty(t, *d.ErrorMessage)

	assert.NoError(t, worker.CheckRequired(worker.Func{ID: "free"}, snap))
}

func TestSuspend_WithoutScope(t *testing.T) {
	v, err := worker.Suspend(context.Background(), map[string]any{"type": "await"})
	assert.Nil(t, v)

	var s *worker.Suspension
	require.True(t, errors.As(err, &s))
	assert.Equal(t, "await", s.Payload["type"])
}

func TestSuspend_ReturnsResumesInOrder(t *testing.T) {
	ctx, scope := worker.Enter(context.Background(), "experimenter", []any{"first", "second"}, nil, nil)

	v, err := worker.Suspend(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	v, err = worker.Suspend(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", v)

	_, err = worker.Suspend(ctx, map[string]any{"step": 3})
	var s *worker.Suspension
	require.ErrorAs(t, err, &s)
	assert.Equal(t, 2, scope.Consumed())
}

func TestTool_MemoizesAndReplays(t *testing.T) {
	calls := 0
	fn := func(context.Context) (any, error) {
		calls++
		return map[string]int{"order": 7}, nil
	}

	var events []domain.ToolCall
	emit := func(typ domain.EventType, c domain.ToolCall) { events = append(events, c) }

	ctx, scope := worker.Enter(context.Background(), "experimenter", nil, nil, emit)
	first, err := worker.Tool(ctx, "create_workorder", nil, fn)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"order": float64(7)}, first)

	// Re-entry with the recorded memo must not call fn again.
	ctx2, _ := worker.Enter(context.Background(), "experimenter", nil, scope.Memo(), emit)
	second, err := worker.Tool(ctx2, "create_workorder", nil, fn)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
	require.Len(t, events, 4)
	assert.True(t, events[2].Replayed)
}

func TestTool_FailureIsNotMemoized(t *testing.T) {
	ctx, scope := worker.Enter(context.Background(), "optimizer", nil, nil, nil)
	_, err := worker.Tool(ctx, "search", nil, func(context.Context) (any, error) {
		return nil, errors.New("timeout")
	})
	require.Error(t, err)
	assert.Empty(t, scope.Memo())
}

func TestTool_RepeatedNamesAreDistinct(t *testing.T) {
	ctx, scope := worker.Enter(context.Background(), "optimizer", nil, nil, nil)
	for i := range 3 {
		_, err := worker.Tool(ctx, "sample", nil, func(context.Context) (any, error) { return i, nil })
		require.NoError(t, err)
	}
	assert.Len(t, scope.Memo(), 3)
}
