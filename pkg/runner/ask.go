package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/resume"
	"github.com/aretw0/crucible/pkg/worker"
)

const defaultQuestion = "How would you like to proceed?"

// askUser is the ask_user node. It suspends with the pending question and,
// once resumed, copies the answer into the payload.
func askUser(ctx context.Context, snap *domain.TaskRecord) (domain.Delta, error) {
	prompt := map[string]any{
		"message": question(snap),
		"reason":  lastReason(snap),
	}
	if plans, ok := snap.Payload[domain.KeyOptimizationPlans].([]any); ok && len(plans) > 0 {
		prompt["options"] = plans
	}

	v, err := worker.Suspend(ctx, prompt)
	if err != nil {
		return domain.Delta{}, err
	}
	answer, err := resume.Parse(v)
	if err != nil {
		return domain.Delta{}, err
	}

	delta := domain.Delta{
		CurrentNode:  domain.Ptr(domain.NodeAskUser),
		NextAction:   domain.Ptr(""),
		ErrorMessage: domain.Ptr(""),
	}
	switch a := answer.(type) {
	case resume.PlanSelection:
		name, text := planDetails(snap, a.PlanID)
		if a.PlanName != "" {
			name = a.PlanName
		}
		delta.Payload = map[string]any{
			domain.KeySelectedPlanID:   a.PlanID,
			domain.KeySelectedPlanName: orNil(name),
			domain.KeySelectedPlanText: orNil(text),
		}
	case resume.ExperimentData:
		delta.Payload = map[string]any{
			domain.KeyExperimentData:    a.Data,
			domain.KeyContinueIteration: a.ContinueIteration,
		}
	case resume.Terminate:
		delta.NextAction = domain.Ptr(domain.NodeFinished)
		delta.CurrentNode = domain.Ptr(domain.NodeFinished)
	case resume.Message:
		// The answer is already in the history.
	}
	return delta, nil
}

func question(snap *domain.TaskRecord) string {
	if snap.MessageToUser != "" {
		return snap.MessageToUser
	}
	return defaultQuestion
}

// lastReason returns the reason of the most recent dispatcher turn.
func lastReason(snap *domain.TaskRecord) string {
	for _, t := range slices.Backward(snap.History) {
		if t.Node == domain.NodeDispatcher {
			return t.Reason
		}
	}
	return ""
}

// planDetails looks up the name and text of a plan in optimization_plans.
func planDetails(snap *domain.TaskRecord, id string) (name, text string) {
	plans, _ := snap.Payload[domain.KeyOptimizationPlans].([]any)
	for _, p := range plans {
		plan, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if pid, _ := plan["id"].(string); !strings.EqualFold(pid, id) {
			continue
		}
		name, _ = plan["name"].(string)
		for _, k := range []string{"text", "description", "content", "summary"} {
			if s, ok := plan[k].(string); ok && s != "" {
				return name, s
			}
		}
		return name, ""
	}
	return "", ""
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// describeResume renders a resume value as the content of a user turn.
func describeResume(v any) string {
	parsed, err := resume.Parse(v)
	if err != nil {
		b, _ := json.Marshal(v)
		return string(b)
	}
	switch a := parsed.(type) {
	case resume.PlanSelection:
		if a.PlanName != "" {
			return fmt.Sprintf("Selected plan %s (%s).", a.PlanID, a.PlanName)
		}
		return fmt.Sprintf("Selected plan %s.", a.PlanID)
	case resume.ExperimentData:
		keys := slices.Sorted(maps.Keys(a.Data))
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%v", k, a.Data[k])
		}
		out := "Experiment results: " + strings.Join(parts, ", ") + "."
		if a.ContinueIteration {
			out += " Continue with the next iteration."
		}
		return out
	case resume.Message:
		return a.Text
	default:
		return "terminate"
	}
}
