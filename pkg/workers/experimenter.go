package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/resume"
	"github.com/aretw0/crucible/pkg/worker"
)

// AwaitExperimentResults is the interrupt type raised by the experimenter.
const AwaitExperimentResults = "await_experiment_results"

// Experimenter turns the selected plan into a work order, then waits for the
// measured results.
type Experimenter struct {
	createOrder Backend
}

// NewExperimenter creates the experimenter. createOrder receives the plan
// and returns the work order handed to the lab.
func NewExperimenter(createOrder Backend) *Experimenter {
	return &Experimenter{createOrder: createOrder}
}

func (e *Experimenter) Name() string { return NameExperimenter }

func (e *Experimenter) Requires() []string { return []string{domain.KeySelectedPlanID} }

// Run creates the work order once and suspends until results arrive. The
// resume value must carry experiment_data.
func (e *Experimenter) Run(ctx context.Context, snap *domain.TaskRecord) (domain.Delta, error) {
	order := map[string]any{
		"plan_id":   snap.String(domain.KeySelectedPlanID),
		"plan_name": snap.String(domain.KeySelectedPlanName),
		"plan_text": snap.String(domain.KeySelectedPlanText),
		"iteration": snap.IterationIndex,
	}
	wo, err := worker.Tool(ctx, "create_workorder", order, func(ctx context.Context) (any, error) {
		return e.createOrder(ctx, order)
	})
	if err != nil {
		return domain.Delta{}, err
	}

	v, err := worker.Suspend(ctx, map[string]any{
		"type":      AwaitExperimentResults,
		"workorder": wo,
		"message":   fmt.Sprintf("Run the experiment for plan %s and report the results.", order["plan_id"]),
	})
	if err != nil {
		return domain.Delta{}, err
	}

	parsed, err := resume.Parse(v)
	if err != nil {
		return domain.Delta{}, err
	}
	data, ok := parsed.(resume.ExperimentData)
	if !ok {
		return domain.Delta{}, errors.New("expected experiment results")
	}

	msg := "Experiment results recorded."
	if data.ContinueIteration {
		msg = "Experiment results recorded; another iteration was requested."
	}
	return domain.Delta{
		Payload: map[string]any{
			domain.KeyWorkorder:         wo,
			domain.KeyExperimentData:    data.Data,
			domain.KeyContinueIteration: data.ContinueIteration,
		},
		Turns: []domain.Turn{{Role: domain.RoleAssistant, Content: msg, Node: NameExperimenter, At: time.Now().UTC()}},
	}, nil
}

// Standard returns the four standard workers over the given backends.
func Standard(validate, analyze, optimize, createOrder Backend, required ...string) []worker.Worker {
	return []worker.Worker{
		Validator(validate, required...),
		Analyst(analyze),
		Optimizer(optimize),
		NewExperimenter(createOrder),
	}
}
