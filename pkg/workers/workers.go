package workers

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/worker"
)

// Standard worker names.
const (
	NameValidator    = "validator"
	NameAnalyst      = "analyst"
	NameOptimizer    = "optimizer"
	NameExperimenter = "experimenter"
)

// Payload keys written by the standard workers.
const (
	KeyValidationResult = "validation_result"
	KeyAnalysisResult   = "analysis_result"
)

// Backend does the domain work of a worker. It receives a copy of the task
// payload and returns a JSON-compatible result.
type Backend func(ctx context.Context, payload map[string]any) (map[string]any, error)

// ErrInvalid is returned by the validator when the backend rejects the input.
var ErrInvalid = errors.New("input rejected")

// step is a worker that stores its backend output under a payload key.
type step struct {
	name     string
	required []string
	backend  Backend
	fold     func(out map[string]any) (map[string]any, error)
	done     string
}

func (s *step) Name() string       { return s.name }
func (s *step) Requires() []string { return s.required }

func (s *step) Run(ctx context.Context, snap *domain.TaskRecord) (domain.Delta, error) {
	out, err := call(ctx, s.backend, snap.Payload)
	if err != nil {
		return domain.Delta{}, err
	}
	payload, err := s.fold(out)
	if err != nil {
		return domain.Delta{}, err
	}
	return domain.Delta{
		Payload: payload,
		Turns:   []domain.Turn{{Role: domain.RoleAssistant, Content: s.done, Node: s.name, At: time.Now().UTC()}},
	}, nil
}

// Validator checks the task input. A backend result with "valid": false
// fails the worker with the result's "reason".
func Validator(backend Backend, required ...string) worker.Worker {
	return &step{
		name:     NameValidator,
		required: required,
		backend:  backend,
		done:     "Input validated.",
		fold: func(out map[string]any) (map[string]any, error) {
			if valid, ok := out["valid"].(bool); ok && !valid {
				reason, _ := out["reason"].(string)
				if reason == "" {
					reason = "no reason given"
				}
				return nil, fmt.Errorf("%w: %s", ErrInvalid, reason)
			}
			return map[string]any{KeyValidationResult: out}, nil
		},
	}
}

// Analyst evaluates the current iteration. A boolean "target_met" in the
// result is lifted onto the payload, where the iteration controller reads it.
func Analyst(backend Backend) worker.Worker {
	return &step{
		name:     NameAnalyst,
		required: []string{KeyValidationResult},
		backend:  backend,
		done:     "Analysis complete.",
		fold: func(out map[string]any) (map[string]any, error) {
			payload := map[string]any{KeyAnalysisResult: out}
			if met, ok := out[domain.KeyTargetMet].(bool); ok {
				payload[domain.KeyTargetMet] = met
			}
			return payload, nil
		},
	}
}

// Optimizer proposes plans. The backend returns "plans", a list of objects
// with id, name and text, and optionally a free-form "summary".
func Optimizer(backend Backend) worker.Worker {
	return &step{
		name:     NameOptimizer,
		required: []string{KeyAnalysisResult},
		backend:  backend,
		done:     "Optimization plans are ready.",
		fold: func(out map[string]any) (map[string]any, error) {
			plans, err := normalizePlans(out["plans"])
			if err != nil {
				return nil, err
			}
			summary, _ := out["summary"].(string)
			if summary == "" {
				summary = describePlans(plans)
			}
			return map[string]any{
				domain.KeyOptimizationPlans: plans,
				domain.KeyOptimizationText:  summary,
			}, nil
		},
	}
}

// call runs backend on a copy of payload and normalizes the result.
func call(ctx context.Context, backend Backend, payload map[string]any) (map[string]any, error) {
	in, err := worker.Normalize(maps.Clone(payload))
	if err != nil {
		return nil, err
	}
	m, _ := in.(map[string]any)
	out, err := backend(ctx, m)
	if err != nil {
		return nil, err
	}
	norm, err := worker.Normalize(out)
	if err != nil {
		return nil, err
	}
	res, _ := norm.(map[string]any)
	if res == nil {
		res = map[string]any{}
	}
	return res, nil
}

func normalizePlans(v any) ([]any, error) {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil, errors.New("optimizer returned no plans")
	}
	plans := make([]any, 0, len(list))
	for i, p := range list {
		plan, ok := p.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("plan %d is not an object", i+1)
		}
		if id, _ := plan["id"].(string); id == "" {
			plan["id"] = fmt.Sprintf("P%d", i+1)
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func describePlans(plans []any) string {
	s := fmt.Sprintf("%d plan(s) proposed:", len(plans))
	for _, p := range plans {
		plan := p.(map[string]any)
		s += fmt.Sprintf(" %s", plan["id"])
		if name, _ := plan["name"].(string); name != "" {
			s += fmt.Sprintf(" (%s)", name)
		}
		s += ";"
	}
	return s[:len(s)-1] + "."
}
