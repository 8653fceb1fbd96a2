package dispatcher

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/aretw0/crucible/pkg/domain"
)

// phaseKeys maps payload keys to the phase whose completion they mark.
var phaseKeys = []struct {
	key   string
	phase string
}{
	{"validation_result", "validation"},
	{"analysis_result", "analysis"},
	{domain.KeyOptimizationText, "optimization"},
	{domain.KeyOptimizationPlans, "optimization plans"},
	{domain.KeyWorkorder, "experiment work order"},
	{domain.KeyExperimentData, "experiment results"},
}

// DefaultSummary lists completed phases, pending selections and errors.
func DefaultSummary(rec *domain.TaskRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Iteration %d of %d.", rec.IterationIndex, rec.MaxIterations)

	var done []string
	for _, p := range phaseKeys {
		if rec.Has(p.key) {
			done = append(done, p.phase)
		}
	}
	if len(done) > 0 {
		fmt.Fprintf(&b, " Completed: %s.", strings.Join(done, ", "))
	} else {
		b.WriteString(" Nothing completed yet.")
	}

	if rec.LastCompletedWorker != "" {
		fmt.Fprintf(&b, " Last worker: %s.", rec.LastCompletedWorker)
	}
	if id := rec.String(domain.KeySelectedPlanID); id != "" {
		fmt.Fprintf(&b, " Selected plan: %s.", id)
	} else if rec.Has(domain.KeyOptimizationPlans) {
		b.WriteString(" Waiting for a plan selection.")
	}
	if rec.Bool(domain.KeyContinueIteration) {
		b.WriteString(" Continuation requested.")
	}
	if rec.ErrorMessage != "" {
		fmt.Fprintf(&b, " Last error: %s.", rec.ErrorMessage)
	}
	if len(rec.Payload) > 0 {
		fmt.Fprintf(&b, " Fields: %s.", strings.Join(slices.Sorted(maps.Keys(rec.Payload)), ", "))
	}
	return b.String()
}

// FallbackDecision is used when the decider fails or returns garbage.
// It always hands control back to the user, with a message derived from the
// record so the user knows where the task stands.
func FallbackDecision(rec *domain.TaskRecord) domain.Decision {
	const reason = "decider unavailable"
	switch {
	case rec.ErrorMessage != "":
		return domain.AskUser{
			Message: fmt.Sprintf("A step failed: %s. How would you like to proceed?", rec.ErrorMessage),
			Reason:  reason,
		}
	case rec.LastCompletedWorker != "":
		return domain.AskUser{
			Message: fmt.Sprintf("The %s step completed. What should happen next?", rec.LastCompletedWorker),
			Reason:  reason,
		}
	case len(rec.Payload) == 0:
		return domain.AskUser{
			Message: "No input data was provided. Please describe the material and targets to work on.",
			Reason:  reason,
		}
	default:
		return domain.AskUser{
			Message: "I could not decide on the next step. What would you like to do?",
			Reason:  reason,
		}
	}
}
