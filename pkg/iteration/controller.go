// Package iteration advances a task from one analysis pass to the next.
package iteration

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/aretw0/crucible/internal/logging"
	"github.com/aretw0/crucible/pkg/domain"
)

// DefaultGroups are the payload maps whose numeric entries are parameters.
var DefaultGroups = []string{"composition", "process_params"}

// DefaultResetFields are cleared when a new iteration starts.
var DefaultResetFields = []string{
	domain.KeyWorkorder,
	domain.KeyExperimentData,
	"experiment_results",
	domain.KeyOptimizationText,
	domain.KeyOptimizationPlans,
	domain.KeySelectedPlanID,
	domain.KeySelectedPlanName,
	domain.KeySelectedPlanText,
	domain.KeyContinueIteration,
}

// Controller runs the continue step of the analysis loop.
type Controller struct {
	groups      []string
	resetFields []string
	extractor   *Extractor
	logger      *slog.Logger
}

// Option configures the Controller.
type Option func(*Controller)

// WithGroups sets the payload maps scanned for parameters.
func WithGroups(groups ...string) Option {
	return func(c *Controller) {
		c.groups = groups
	}
}

// WithResetFields sets the per-iteration payload keys cleared on continue.
func WithResetFields(fields ...string) Option {
	return func(c *Controller) {
		c.resetFields = fields
	}
}

// WithLogger configures the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// New creates a Controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		groups:      DefaultGroups,
		resetFields: DefaultResetFields,
		extractor:   NewExtractor(),
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Advance computes the delta that closes the current iteration.
//
// When another pass fits within MaxIterations it overlays the extracted
// parameters, clears per-iteration fields and increments IterationIndex by
// one. Otherwise it forces the finished route. finished reports which case
// applied. Either way exactly one IterationRecord is appended.
func (c *Controller) Advance(ctx context.Context, rec *domain.TaskRecord) (delta domain.Delta, finished bool) {
	now := time.Now().UTC()
	summary := domain.IterationRecord{
		Index:        rec.IterationIndex,
		SelectedPlan: selectedPlanLabel(rec),
		Results:      results(rec),
		Verdict:      domain.VerdictFail,
		CompletedAt:  now,
	}
	if rec.Bool(domain.KeyTargetMet) {
		summary.Verdict = domain.VerdictPass
	}

	if rec.IterationIndex+1 > rec.MaxIterations {
		msg := fmt.Sprintf("Reached the maximum of %d iterations; stopping here. The last verdict was %s.",
			rec.MaxIterations, summary.Verdict)
		c.logger.InfoContext(ctx, "iteration bound reached",
			"iteration", rec.IterationIndex,
			"max", rec.MaxIterations,
		)
		return domain.Delta{
			Payload:       map[string]any{domain.KeyContinueIteration: nil},
			Iterations:    []domain.IterationRecord{summary},
			NextAction:    domain.Ptr(domain.NodeFinished),
			CurrentNode:   domain.Ptr(domain.NodeFinished),
			MessageToUser: domain.Ptr(msg),
			Turns:         []domain.Turn{{Role: domain.RoleAssistant, Content: msg, Node: domain.NodeFinished, At: now}},
		}, true
	}

	overlay, params := c.parameters(rec)
	summary.Parameters = params
	for _, f := range c.resetFields {
		overlay[f] = nil
	}

	next := rec.IterationIndex + 1
	msg := fmt.Sprintf("Iteration %d closed (%s). Starting iteration %d%s.",
		rec.IterationIndex, summary.Verdict, next, describe(params))
	c.logger.InfoContext(ctx, "iteration advanced",
		"from", rec.IterationIndex,
		"to", next,
		"extracted", len(params),
	)
	return domain.Delta{
		Payload:        overlay,
		Iterations:     []domain.IterationRecord{summary},
		IterationIndex: domain.Ptr(next),
		Turns:          []domain.Turn{{Role: domain.RoleSystem, Content: msg, At: now}},
	}, false
}

// parameters returns the payload overlay carrying the updated parameters and
// a flat view of the values that changed.
func (c *Controller) parameters(rec *domain.TaskRecord) (overlay map[string]any, changed map[string]any) {
	overlay = make(map[string]any)
	changed = make(map[string]any)

	structured := planParameters(rec)
	text := sourceText(rec)

	// Top-level numeric fields.
	var top []string
	for k, v := range rec.Payload {
		if _, ok := asFloat(v); ok && !slices.Contains(c.groups, k) {
			top = append(top, k)
		}
	}
	slices.Sort(top)
	found := c.extractor.Extract(text, top)
	for _, k := range top {
		if v, ok := lookup(structured, k); ok {
			found[k] = v
		}
		if v, ok := found[k]; ok {
			overlay[k] = v
			changed[k] = v
		}
	}

	// Grouped fields are replaced as a whole map with the updates applied.
	for _, g := range c.groups {
		group, ok := rec.Payload[g].(map[string]any)
		if !ok {
			continue
		}
		var fields []string
		for k, v := range group {
			if _, ok := asFloat(v); ok {
				fields = append(fields, k)
			}
		}
		slices.Sort(fields)
		found := c.extractor.Extract(text, fields)
		for _, k := range fields {
			if v, ok := lookup(structured, k); ok {
				found[k] = v
			}
		}
		if len(found) == 0 {
			continue
		}
		updated := maps.Clone(group)
		for k, v := range found {
			updated[k] = v
			changed[k] = v
		}
		overlay[g] = updated
	}
	return overlay, changed
}

// sourceText picks the free-text optimization output to mine.
func sourceText(rec *domain.TaskRecord) string {
	if s := rec.String(domain.KeySelectedPlanText); s != "" {
		return s
	}
	if plan := selectedPlan(rec); plan != nil {
		for _, k := range []string{"text", "description", "content", "summary"} {
			if s, ok := plan[k].(string); ok && s != "" {
				return s
			}
		}
	}
	return rec.String(domain.KeyOptimizationText)
}

// selectedPlan finds the plan chosen by the user inside optimization_plans.
func selectedPlan(rec *domain.TaskRecord) map[string]any {
	id := rec.String(domain.KeySelectedPlanID)
	if id == "" {
		return nil
	}
	plans, _ := rec.Payload[domain.KeyOptimizationPlans].([]any)
	for _, p := range plans {
		plan, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if pid, _ := plan["id"].(string); strings.EqualFold(pid, id) {
			return plan
		}
	}
	return nil
}

func planParameters(rec *domain.TaskRecord) map[string]any {
	plan := selectedPlan(rec)
	if plan == nil {
		return nil
	}
	params, _ := plan["parameters"].(map[string]any)
	return params
}

func selectedPlanLabel(rec *domain.TaskRecord) string {
	id := rec.String(domain.KeySelectedPlanID)
	if name := rec.String(domain.KeySelectedPlanName); name != "" {
		if id == "" {
			return name
		}
		return id + " (" + name + ")"
	}
	return id
}

func results(rec *domain.TaskRecord) map[string]any {
	for _, k := range []string{domain.KeyExperimentData, "experiment_results"} {
		if m, ok := rec.Payload[k].(map[string]any); ok {
			return maps.Clone(m)
		}
	}
	return nil
}

func lookup(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return asFloat(v)
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func describe(params map[string]any) string {
	if len(params) == 0 {
		return " with unchanged parameters"
	}
	keys := slices.Sorted(maps.Keys(params))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, params[k])
	}
	return " with " + strings.Join(parts, ", ")
}
