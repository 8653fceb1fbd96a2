package runner_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
	"github.com/aretw0/crucible/pkg/runner"
	"github.com/aretw0/crucible/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// once routes to name until it has completed, then finishes. Failures go to the user.
func once(name string) ports.DeciderFunc {
	return func(_ context.Context, dc ports.DecisionContext) (any, error) {
		if dc.Snapshot.ErrorMessage != "" {
			return domain.AskUser{Message: "It failed."}, nil
		}
		if dc.Snapshot.LastCompletedWorker == name || dc.Snapshot.Has("done") {
			return domain.Finish{Message: "done"}, nil
		}
		return domain.RouteWorker{Worker: name}, nil
	}
}

func TestResume_ReentryReplaysToolsAndResumes(t *testing.T) {
	var mu sync.Mutex
	measured := 0
	surveyor := worker.Func{ID: "surveyor", Fn: func(ctx context.Context, _ *domain.TaskRecord) (domain.Delta, error) {
		m, err := worker.Tool(ctx, "measure", nil, func(context.Context) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			measured++
			return map[string]any{"hardness": 31}, nil
		})
		if err != nil {
			return domain.Delta{}, err
		}
		first, err := worker.Suspend(ctx, map[string]any{"ask": "first"})
		if err != nil {
			return domain.Delta{}, err
		}
		second, err := worker.Suspend(ctx, map[string]any{"ask": "second"})
		if err != nil {
			return domain.Delta{}, err
		}
		return domain.Delta{Payload: map[string]any{"first": first, "second": second, "measure": m, "done": true}}, nil
	}}

	h := newHarness(t, once("surveyor"), []worker.Worker{surveyor})
	ctx := context.Background()

	_, err := collect(h.runner.Start(ctx, runner.StartRequest{ThreadID: "law", Payload: alloy}))
	require.NoError(t, err)
	rec := h.load("law")
	require.Equal(t, "first", rec.PendingInterrupt.Payload["ask"])
	assert.Empty(t, rec.PendingInterrupt.Resumes)
	firstID := rec.PendingInterrupt.ID

	_, err = collect(h.runner.Resume(ctx, "law", "alpha"))
	require.NoError(t, err)
	rec = h.load("law")
	require.Equal(t, "second", rec.PendingInterrupt.Payload["ask"])
	assert.Equal(t, []any{"alpha"}, rec.PendingInterrupt.Resumes)
	assert.NotEqual(t, firstID, rec.PendingInterrupt.ID)

	evs, err := collect(h.runner.Resume(ctx, "law", map[string]any{"value": 2}))
	require.NoError(t, err)
	assert.Equal(t, domain.EventFinished, evs[len(evs)-1].Type)

	rec = h.load("law")
	assert.Equal(t, 1, measured)
	assert.Equal(t, "alpha", rec.Payload["first"])
	assert.Equal(t, map[string]any{"value": 2.0}, rec.Payload["second"])
	assert.Equal(t, map[string]any{"hardness": 31.0}, rec.Payload["measure"])
	assert.Nil(t, rec.PendingInterrupt)
}

func TestResume_InvalidValueLeavesRecord(t *testing.T) {
	l := &lab{}
	h := newHarness(t, pipeline, l.workers())
	ctx := context.Background()

	_, err := collect(h.runner.Start(ctx, runner.StartRequest{ThreadID: "bad", Payload: alloy}))
	require.NoError(t, err)
	before := h.load("bad")

	for _, v := range []any{
		map[string]any{"unexpected": true},
		map[string]any{"selected_plan_id": ""},
		map[string]any{"experiment_data": map[string]any{"hardness": []int{1}}},
		42,
	} {
		_, err = collect(h.runner.Resume(ctx, "bad", v))
		assert.ErrorIs(t, err, domain.ErrInvalidResume, "value %v", v)
	}
	assert.Equal(t, before, h.load("bad"))
}

func TestResume_IsRejectedTwice(t *testing.T) {
	l := &lab{}
	h := newHarness(t, pipeline, l.workers())
	ctx := context.Background()

	_, err := collect(h.runner.Start(ctx, runner.StartRequest{ThreadID: "twice", Payload: alloy}))
	require.NoError(t, err)
	_, err = collect(h.runner.Resume(ctx, "twice", map[string]any{"selected_plan_id": "P1"}))
	require.NoError(t, err)
	_, err = collect(h.runner.Resume(ctx, "twice", map[string]any{"experiment_data": map[string]any{"hardness": 1}}))
	require.NoError(t, err)

	// The task finished without continuation; the same answer cannot be replayed.
	before := h.load("twice")
	require.Equal(t, domain.StatusFinished, before.Status())
	_, err = collect(h.runner.Resume(ctx, "twice", map[string]any{"experiment_data": map[string]any{"hardness": 1}}))
	assert.ErrorIs(t, err, domain.ErrNotAwaitingInput)
	assert.Equal(t, before, h.load("twice"))
}

func TestResume_Terminate(t *testing.T) {
	l := &lab{}
	h := newHarness(t, pipeline, l.workers())
	ctx := context.Background()

	_, err := collect(h.runner.Start(ctx, runner.StartRequest{ThreadID: "stop", Payload: alloy}))
	require.NoError(t, err)

	evs, err := collect(h.runner.Resume(ctx, "stop", map[string]any{"action": "terminate"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"finished:finished"}, trace(evs))

	rec := h.load("stop")
	assert.Equal(t, domain.StatusFinished, rec.Status())
	assert.Nil(t, rec.PendingInterrupt)
	assert.Equal(t, "terminated by user", rec.History[len(rec.History)-1].Content)

	_, err = collect(h.runner.Continue(ctx, "stop"))
	assert.ErrorIs(t, err, domain.ErrTaskFinished)
}

func TestResume_SanitizesMessages(t *testing.T) {
	l := &lab{}
	h := newHarness(t, pipeline, l.workers())
	ctx := context.Background()

	_, err := collect(h.runner.Start(ctx, runner.StartRequest{ThreadID: "msg", Payload: alloy}))
	require.NoError(t, err)
	_, err = collect(h.runner.Resume(ctx, "msg", "why\x1b[0m these plans?"))
	require.NoError(t, err)

	rec := h.load("msg")
	var found bool
	for _, turn := range rec.History {
		if turn.Role == domain.RoleUser && turn.Content == "why[0m these plans?" {
			found = true
		}
	}
	assert.True(t, found)
	// The decider asks again after a plain message.
	assert.Equal(t, "What next?", rec.PendingInterrupt.Payload["message"])
}

func TestContinue_AfterConsumerStops(t *testing.T) {
	l := &lab{}
	h := newHarness(t, pipeline, l.workers())
	ctx := context.Background()

	for ev, err := range h.runner.Start(ctx, runner.StartRequest{ThreadID: "early", Payload: alloy}) {
		require.NoError(t, err)
		require.Equal(t, domain.EventNodeStart, ev.Type)
		break
	}

	rec := h.load("early")
	assert.Equal(t, domain.StatusActive, rec.Status())
	assert.Equal(t, "validator", rec.NextAction)

	evs, err := collect(h.runner.Continue(ctx, "early"))
	require.NoError(t, err)
	assert.Equal(t, "node_start:validator", trace(evs)[0])
	assert.Equal(t, domain.StatusSuspended, h.load("early").Status())

	_, err = collect(h.runner.Continue(ctx, "early"))
	assert.ErrorIs(t, err, domain.ErrAwaitingInput)
}

func TestStepLimit(t *testing.T) {
	l := &lab{}
	h := newHarness(t, pipeline, l.workers(), runner.WithStepLimit(3))
	ctx := context.Background()

	evs, err := collect(h.runner.Start(ctx, runner.StartRequest{ThreadID: "limit", Payload: alloy}))
	require.ErrorIs(t, err, domain.ErrStepLimit)
	assert.Len(t, evs, 6)

	assert.Equal(t, domain.StatusActive, h.load("limit").Status())
	sunk := h.sunkEvents()
	assert.Equal(t, domain.EventError, sunk[len(sunk)-1].Type)

	// Successive calls make progress until the task parks.
	for range 5 {
		_, err = collect(h.runner.Continue(ctx, "limit"))
		if !errors.Is(err, domain.ErrStepLimit) {
			break
		}
	}
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuspended, h.load("limit").Status())
}

func TestStart_ExistingThread(t *testing.T) {
	h := newHarness(t, once("validator"), (&lab{}).workers())
	ctx := context.Background()

	_, err := collect(h.runner.Start(ctx, runner.StartRequest{ThreadID: "dup", Payload: alloy}))
	require.NoError(t, err)
	_, err = collect(h.runner.Start(ctx, runner.StartRequest{ThreadID: "dup", Payload: alloy}))
	assert.ErrorIs(t, err, domain.ErrTaskExists)
}

func TestStart_GeneratedThreadAndSeededHistory(t *testing.T) {
	h := newHarness(t, once("validator"), (&lab{}).workers())

	evs, err := collect(h.runner.Start(context.Background(), runner.StartRequest{Payload: alloy}))
	require.NoError(t, err)
	require.NotEmpty(t, evs)

	threadID := evs[0].ThreadID
	require.NotEmpty(t, threadID)
	for i, ev := range evs {
		assert.Equal(t, threadID, ev.ThreadID)
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	assert.Equal(t, evs, h.sunkEvents())

	rec := h.load(threadID)
	assert.Equal(t, threadID, rec.TaskID)
	assert.Equal(t, domain.DefaultMaxIterations, rec.MaxIterations)
	assert.Equal(t, "Start a new task with al=30, n=45, ti=25.", rec.History[0].Content)
}

func TestWorkerFailures(t *testing.T) {
	tests := []struct {
		name   string
		worker worker.Worker
		expect string
	}{
		{"Error", worker.Func{ID: "flaky", Fn: func(context.Context, *domain.TaskRecord) (domain.Delta, error) {
			return domain.Delta{Payload: map[string]any{"partial": 1}}, errors.New("instrument offline")
		}}, "worker flaky: instrument offline"},
		{"Panic", worker.Func{ID: "flaky", Fn: func(context.Context, *domain.TaskRecord) (domain.Delta, error) {
			panic("boom")
		}}, "worker flaky: panic: boom"},
		{"Missing fields", worker.Func{ID: "flaky", Required: []string{"cr", "al"}, Fn: func(context.Context, *domain.TaskRecord) (domain.Delta, error) {
			return domain.Delta{}, nil
		}}, "worker flaky: missing required fields: cr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, once("flaky"), []worker.Worker{tt.worker})
			_, err := collect(h.runner.Start(context.Background(), runner.StartRequest{ThreadID: "f", Payload: alloy}))
			require.NoError(t, err)

			rec := h.load("f")
			assert.Equal(t, tt.expect, rec.ErrorMessage)
			assert.NotContains(t, rec.Payload, "partial")
			assert.Equal(t, domain.StatusSuspended, rec.Status())
			assert.Equal(t, "It failed.", rec.PendingInterrupt.Payload["message"])
		})
	}
}

func TestBusyThreadIsRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := worker.Func{ID: "slow", Fn: func(context.Context, *domain.TaskRecord) (domain.Delta, error) {
		close(started)
		<-release
		return domain.Delta{Payload: map[string]any{"done": true}}, nil
	}}
	h := newHarness(t, once("slow"), []worker.Worker{slow})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := collect(h.runner.Start(ctx, runner.StartRequest{ThreadID: "busy", Payload: alloy}))
		done <- err
	}()

	<-started
	assert.Equal(t, int64(1), h.runner.InFlight())
	_, err := collect(h.runner.Continue(ctx, "busy"))
	assert.ErrorIs(t, err, domain.ErrTaskBusy)
	_, err = collect(h.runner.Resume(ctx, "busy", "hi"))
	assert.ErrorIs(t, err, domain.ErrTaskBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, domain.StatusFinished, h.load("busy").Status())
	assert.Equal(t, int64(0), h.runner.InFlight())
}

func TestCancelledContextLeavesTaskActive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocking := worker.Func{ID: "blocking", Fn: func(ctx context.Context, _ *domain.TaskRecord) (domain.Delta, error) {
		cancel()
		<-ctx.Done()
		return domain.Delta{}, ctx.Err()
	}}
	h := newHarness(t, once("blocking"), []worker.Worker{blocking})

	_, err := collect(h.runner.Start(ctx, runner.StartRequest{ThreadID: "cancel", Payload: alloy}))
	assert.ErrorIs(t, err, context.Canceled)

	rec := h.load("cancel")
	assert.Equal(t, "blocking", rec.NextAction)
	assert.Empty(t, rec.ErrorMessage)
}

func TestStart_BrokenDeciderFallsBackToUser(t *testing.T) {
	deciders := map[string]ports.DeciderFunc{
		"panic": func(context.Context, ports.DecisionContext) (any, error) {
			panic("decider blew up")
		},
		"nil raw decision": func(context.Context, ports.DecisionContext) (any, error) {
			return (*domain.RawDecision)(nil), nil
		},
	}
	for name, decide := range deciders {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, decide, nil)

			var err error
			require.NotPanics(t, func() {
				_, err = collect(h.runner.Start(context.Background(), runner.StartRequest{ThreadID: "broken", Payload: alloy}))
			})
			require.NoError(t, err)

			rec := h.load("broken")
			require.NotNil(t, rec.PendingInterrupt)
			assert.Equal(t, domain.NodeAskUser, rec.PendingInterrupt.Node)
		})
	}
}
