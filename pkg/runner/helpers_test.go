package runner_test

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"testing"

	"github.com/aretw0/crucible/pkg/adapters/memory"
	"github.com/aretw0/crucible/pkg/dispatcher"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
	"github.com/aretw0/crucible/pkg/runner"
	"github.com/aretw0/crucible/pkg/session"
	"github.com/aretw0/crucible/pkg/worker"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t      *testing.T
	store  *memory.Store
	runner *runner.Runner

	mu   sync.Mutex
	sunk []domain.Event
}

func newHarness(t *testing.T, decider ports.DeciderFunc, workers []worker.Worker, opts ...runner.Option) *harness {
	t.Helper()
	h := &harness{t: t, store: memory.NewStore()}
	reg := worker.NewRegistry(workers...)
	disp := dispatcher.New(decider, reg.Names())
	opts = append([]runner.Option{runner.WithSinks(h.sink)}, opts...)
	h.runner = runner.New(session.NewManager(h.store), reg, disp, opts...)
	return h
}

func (h *harness) sink(_ context.Context, ev domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sunk = append(h.sunk, ev)
}

func (h *harness) sunkEvents() []domain.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Event(nil), h.sunk...)
}

func (h *harness) load(threadID string) *domain.TaskRecord {
	h.t.Helper()
	rec, err := h.store.Load(context.Background(), threadID)
	require.NoError(h.t, err)
	return rec
}

func collect(seq iter.Seq2[domain.Event, error]) ([]domain.Event, error) {
	var evs []domain.Event
	for ev, err := range seq {
		if err != nil {
			return evs, err
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

// trace renders events as "type:node" for compact assertions.
func trace(evs []domain.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = fmt.Sprintf("%s:%s", ev.Type, ev.Node)
	}
	return out
}

// pipeline is a deterministic decider walking the analysis loop.
func pipeline(_ context.Context, dc ports.DecisionContext) (any, error) {
	snap := dc.Snapshot
	switch snap.LastCompletedWorker {
	case "validator":
		return domain.RouteWorker{Worker: "analyst", Reason: "inputs validated"}, nil
	case "analyst":
		return map[string]any{"next": "optimizer", "reason": "analysis done"}, nil
	case "optimizer":
		return domain.AskUser{Message: "Pick a plan.", Reason: "plans ready"}, nil
	case "experimenter":
		if snap.Bool(domain.KeyContinueIteration) {
			return `{"next":"analyst","parameters":{"continue_iteration":true}}`, nil
		}
		return domain.Finish{Message: "Target reached.", Reason: "no continuation"}, nil
	}
	switch {
	case !snap.Has("validation_result"):
		return domain.RouteWorker{Worker: "validator"}, nil
	case snap.Has(domain.KeySelectedPlanID):
		return domain.RouteWorker{Worker: "experimenter", Message: "Preparing the experiment."}, nil
	}
	return domain.AskUser{Message: "What next?"}, nil
}

// lab holds the test workers of the analysis loop and counts side effects.
type lab struct {
	mu         sync.Mutex
	workorders int
}

func (l *lab) workers() []worker.Worker {
	return []worker.Worker{
		worker.Func{ID: "validator", Required: []string{"al"}, Fn: func(context.Context, *domain.TaskRecord) (domain.Delta, error) {
			return domain.Delta{Payload: map[string]any{"validation_result": "ok"}}, nil
		}},
		worker.Func{ID: "analyst", Fn: func(_ context.Context, snap *domain.TaskRecord) (domain.Delta, error) {
			return domain.Delta{Payload: map[string]any{"analysis_result": fmt.Sprintf("pass %d", snap.IterationIndex)}}, nil
		}},
		worker.Func{ID: "optimizer", Fn: func(context.Context, *domain.TaskRecord) (domain.Delta, error) {
			return domain.Delta{Payload: map[string]any{
				domain.KeyOptimizationText:  "P1 raises Al, P2 raises Ti.",
				domain.KeyOptimizationPlans: []any{
					map[string]any{"id": "P1", "name": "Raise Al", "text": "Al: 30 -> 31"},
					map[string]any{"id": "P2", "name": "Raise Ti", "text": "Ti from 25 to 27"},
				},
			}}, nil
		}},
		worker.Func{ID: "experimenter", Fn: l.experiment},
	}
}

func (l *lab) experiment(ctx context.Context, snap *domain.TaskRecord) (domain.Delta, error) {
	plan := snap.String(domain.KeySelectedPlanID)
	wo, err := worker.Tool(ctx, "create_workorder", plan, func(context.Context) (any, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.workorders++
		return map[string]any{"id": fmt.Sprintf("WO-%d", l.workorders), "plan": plan}, nil
	})
	if err != nil {
		return domain.Delta{}, err
	}

	v, err := worker.Suspend(ctx, map[string]any{"type": "await_experiment_results", "workorder": wo})
	if err != nil {
		return domain.Delta{}, err
	}
	data, _ := v.(map[string]any)
	return domain.Delta{Payload: map[string]any{
		domain.KeyWorkorder:         wo,
		domain.KeyExperimentData:    data[domain.KeyExperimentData],
		domain.KeyContinueIteration: data[domain.KeyContinueIteration] == true,
	}}, nil
}

func (l *lab) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.workorders
}

var alloy = map[string]any{"al": 30, "ti": 25, "n": 45}
