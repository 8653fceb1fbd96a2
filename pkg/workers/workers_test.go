package workers_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/worker"
	"github.com/aretw0/crucible/pkg/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(out map[string]any) workers.Backend {
	return func(context.Context, map[string]any) (map[string]any, error) {
		return out, nil
	}
}

func record(payload map[string]any) *domain.TaskRecord {
	return domain.NewTaskRecord("t1", "th1", payload, 5)
}

func TestValidator(t *testing.T) {
	var seen any
	w := workers.Validator(func(_ context.Context, in map[string]any) (map[string]any, error) {
		seen = in["al"]
		in["al"] = 99.0
		return map[string]any{"valid": true}, nil
	}, "al")

	snap := record(map[string]any{"al": 30})
	require.Empty(t, worker.Missing(w, snap))

	delta, err := w.Run(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"valid": true}, delta.Payload[workers.KeyValidationResult])
	assert.Equal(t, 30.0, seen)
	assert.Equal(t, 30, snap.Payload["al"], "backend works on a copy")
	require.Len(t, delta.Turns, 1)
	assert.Equal(t, workers.NameValidator, delta.Turns[0].Node)

	assert.Equal(t, []string{"al"}, worker.Missing(w, record(nil)))
}

func TestValidator_Rejects(t *testing.T) {
	w := workers.Validator(echo(map[string]any{"valid": false, "reason": "al out of range"}))

	_, err := w.Run(context.Background(), record(map[string]any{"al": 300}))
	require.ErrorIs(t, err, workers.ErrInvalid)
	assert.Contains(t, err.Error(), "al out of range")
}

func TestAnalyst_LiftsTargetMet(t *testing.T) {
	w := workers.Analyst(echo(map[string]any{"hardness": 31.5, "target_met": true}))

	delta, err := w.Run(context.Background(), record(map[string]any{workers.KeyValidationResult: "ok"}))
	require.NoError(t, err)
	assert.Equal(t, true, delta.Payload[domain.KeyTargetMet])
	assert.Equal(t, 31.5, delta.Payload[workers.KeyAnalysisResult].(map[string]any)["hardness"])
}

func TestAnalyst_BackendError(t *testing.T) {
	boom := errors.New("model unavailable")
	w := workers.Analyst(func(context.Context, map[string]any) (map[string]any, error) {
		return nil, boom
	})

	_, err := w.Run(context.Background(), record(nil))
	assert.ErrorIs(t, err, boom)
}

func TestOptimizer(t *testing.T) {
	w := workers.Optimizer(echo(map[string]any{
		"plans": []map[string]any{
			{"name": "Raise Al", "text": "Al: 30 -> 31"},
			{"id": "B", "name": "Raise Ti", "text": "Ti from 25 to 27"},
		},
	}))

	delta, err := w.Run(context.Background(), record(map[string]any{workers.KeyAnalysisResult: "x"}))
	require.NoError(t, err)

	plans := delta.Payload[domain.KeyOptimizationPlans].([]any)
	require.Len(t, plans, 2)
	assert.Equal(t, "P1", plans[0].(map[string]any)["id"])
	assert.Equal(t, "B", plans[1].(map[string]any)["id"])
	assert.Equal(t, "2 plan(s) proposed: P1 (Raise Al); B (Raise Ti).", delta.Payload[domain.KeyOptimizationText])
}

func TestOptimizer_NoPlans(t *testing.T) {
	w := workers.Optimizer(echo(map[string]any{"summary": "nothing to do"}))

	_, err := w.Run(context.Background(), record(nil))
	assert.ErrorContains(t, err, "no plans")
}

func TestExperimenter(t *testing.T) {
	orders := 0
	e := workers.NewExperimenter(func(_ context.Context, in map[string]any) (map[string]any, error) {
		orders++
		return map[string]any{"id": "WO-1", "plan": in["plan_id"]}, nil
	})
	snap := record(map[string]any{domain.KeySelectedPlanID: "P2"})

	// First pass: the work order is created and the worker suspends.
	ctx, scope := worker.Enter(context.Background(), e.Name(), nil, nil, nil)
	_, err := e.Run(ctx, snap.Clone())
	var susp *worker.Suspension
	require.ErrorAs(t, err, &susp)
	assert.Equal(t, workers.AwaitExperimentResults, susp.Payload["type"])
	assert.Equal(t, 1, orders)

	// Re-entry: the order is replayed and the results come back.
	results := map[string]any{
		domain.KeyExperimentData:    map[string]any{"hardness": 28.5},
		domain.KeyContinueIteration: true,
	}
	ctx, _ = worker.Enter(context.Background(), e.Name(), []any{results}, scope.Memo(), nil)
	delta, err := e.Run(ctx, snap.Clone())
	require.NoError(t, err)
	assert.Equal(t, 1, orders)
	assert.Equal(t, map[string]any{"id": "WO-1", "plan": "P2"}, delta.Payload[domain.KeyWorkorder])
	assert.Equal(t, map[string]any{"hardness": 28.5}, delta.Payload[domain.KeyExperimentData])
	assert.Equal(t, true, delta.Payload[domain.KeyContinueIteration])
}

func TestExperimenter_RejectsOtherValues(t *testing.T) {
	e := workers.NewExperimenter(echo(map[string]any{"id": "WO-1"}))
	ctx, _ := worker.Enter(context.Background(), e.Name(), []any{map[string]any{"message": "done"}}, nil, nil)

	_, err := e.Run(ctx, record(map[string]any{domain.KeySelectedPlanID: "P1"}))
	assert.ErrorContains(t, err, "expected experiment results")
}

func TestStandard(t *testing.T) {
	ws := workers.Standard(echo(nil), echo(nil), echo(nil), echo(nil), "al")
	reg := worker.NewRegistry(ws...)
	assert.Equal(t, []string{"analyst", "experimenter", "optimizer", "validator"}, reg.Names())
}
