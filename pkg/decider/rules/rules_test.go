package rules_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/crucible/pkg/decider/rules"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var workers = []string{"validator", "analyst", "optimizer", "experimenter"}

func contextFor(rec *domain.TaskRecord) ports.DecisionContext {
	return ports.DecisionContext{
		ThreadID:       rec.ThreadID,
		Window:         rec.Window(20),
		Workers:        workers,
		IterationIndex: rec.IterationIndex,
		MaxIterations:  rec.MaxIterations,
		Snapshot:       rec,
	}
}

func decide(t *testing.T, d *rules.Decider, rec *domain.TaskRecord) domain.Decision {
	t.Helper()
	out, err := d.Decide(context.Background(), contextFor(rec))
	require.NoError(t, err)
	dec, err := domain.ParseDecision(out, workers)
	require.NoError(t, err)
	return dec
}

func TestDefault_WalksTheLoop(t *testing.T) {
	d := rules.Default()
	rec := domain.NewTaskRecord("t", "th", map[string]any{"al": 30}, 5)

	assert.Equal(t, "validator", decide(t, d, rec).Target())

	rec.Payload["validation_result"] = "ok"
	rec.LastCompletedWorker = "validator"
	assert.Equal(t, "analyst", decide(t, d, rec).Target())

	rec.LastCompletedWorker = "analyst"
	assert.Equal(t, "optimizer", decide(t, d, rec).Target())

	rec.LastCompletedWorker = "optimizer"
	ask := decide(t, d, rec)
	require.IsType(t, domain.AskUser{}, ask)
	assert.Equal(t, "Which plan should be run next?", ask.(domain.AskUser).Message)

	rec.LastCompletedWorker = ""
	rec.Payload[domain.KeySelectedPlanID] = "P1"
	assert.Equal(t, "experimenter", decide(t, d, rec).Target())

	rec.LastCompletedWorker = "experimenter"
	rec.Payload[domain.KeyContinueIteration] = true
	next := decide(t, d, rec)
	require.IsType(t, domain.RouteWorker{}, next)
	assert.Equal(t, "analyst", next.Target())
	assert.True(t, next.(domain.RouteWorker).Params.ContinueIteration)

	rec.Payload[domain.KeyContinueIteration] = false
	assert.IsType(t, domain.Finish{}, decide(t, d, rec))
}

func TestDefault_TargetMetFinishes(t *testing.T) {
	rec := domain.NewTaskRecord("t", "th", map[string]any{"validation_result": "ok", "target_met": true}, 5)
	rec.LastCompletedWorker = "analyst"

	dec := decide(t, rules.Default(), rec)
	assert.IsType(t, domain.Finish{}, dec)
	assert.Equal(t, "target met", dec.Why())
}

func TestDefault_ErrorAsksUser(t *testing.T) {
	rec := domain.NewTaskRecord("t", "th", map[string]any{"al": 30}, 5)
	rec.ErrorMessage = "worker validator: missing required fields: ti"
	rec.LastCompletedWorker = "validator"

	assert.IsType(t, domain.AskUser{}, decide(t, rules.Default(), rec))
}

func TestDecide_DefaultAndNoMatch(t *testing.T) {
	d, err := rules.New([]rules.Rule{{When: `iteration > 3`, Next: "finished"}}, nil)
	require.NoError(t, err)

	rec := domain.NewTaskRecord("t", "th", nil, 5)
	_, err = d.Decide(context.Background(), contextFor(rec))
	assert.ErrorIs(t, err, rules.ErrNoMatch)

	d, err = rules.New(nil, &rules.Rule{Next: "ask_user", Message: "Hm?"})
	require.NoError(t, err)
	assert.IsType(t, domain.AskUser{}, decide(t, d, rec))
}

func TestDecide_LastMessage(t *testing.T) {
	d, err := rules.New([]rules.Rule{
		{Name: "stop", When: `last_message contains "stop"`, Next: "finished"},
		{Next: "analyst"},
	}, nil)
	require.NoError(t, err)

	rec := domain.NewTaskRecord("t", "th", nil, 5)
	rec.History = append(rec.History,
		domain.Turn{Role: domain.RoleUser, Content: "please stop"},
		domain.Turn{Role: domain.RoleAssistant, Content: "ok"},
	)
	dec := decide(t, d, rec)
	assert.Equal(t, domain.NodeFinished, dec.Target())
	assert.Equal(t, "rule stop", dec.Why())
}

func TestDecide_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rules.Default().Decide(ctx, contextFor(domain.NewTaskRecord("t", "th", nil, 5)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_Invalid(t *testing.T) {
	_, err := rules.New([]rules.Rule{{When: "true"}}, nil)
	assert.ErrorContains(t, err, "missing next")

	_, err = rules.New([]rules.Rule{{Name: "bad", When: `iteration + 1`, Next: "analyst"}}, nil)
	assert.ErrorContains(t, err, "rule bad")

	_, err = rules.New([]rules.Rule{{When: `payload.(`, Next: "analyst"}}, nil)
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - when: 'true'\n    next: analyst\n"), 0o600))

	d, err := rules.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "analyst", decide(t, d, domain.NewTaskRecord("t", "th", nil, 5)).Target())

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - wen: 'true'\n"), 0o600))
	_, err = rules.Load(path)
	assert.ErrorContains(t, err, "failed to parse rules")
}
