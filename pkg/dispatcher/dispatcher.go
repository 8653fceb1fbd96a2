// Package dispatcher decides which node runs after each step of a task.
//
// A tick consults the configured ports.Decider, validates its output into a
// domain.Decision, applies the routing guards and, when the analysis loop
// asks for another pass, hands over to the iteration controller.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/aretw0/crucible/internal/logging"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/iteration"
	"github.com/aretw0/crucible/pkg/ports"
)

// DefaultHistoryWindow is the number of turns shown to the decider.
const DefaultHistoryWindow = 20

// DefaultAnalysisWorker is the worker whose re-entry closes an iteration.
const DefaultAnalysisWorker = "analyst"

// Summarizer condenses a record into the text summary given to the decider.
type Summarizer func(rec *domain.TaskRecord) string

// Dispatcher routes a task between workers, the user and the finished node.
type Dispatcher struct {
	decider        ports.Decider
	workers        []string
	summarize      Summarizer
	window         int
	analysisWorker string
	askEvery       bool
	controller     *iteration.Controller
	logger         *slog.Logger
	onFallback     func(cause error)
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithSummarizer replaces DefaultSummary.
func WithSummarizer(s Summarizer) Option {
	return func(d *Dispatcher) {
		d.summarize = s
	}
}

// WithHistoryWindow sets how many recent turns the decider sees.
func WithHistoryWindow(n int) Option {
	return func(d *Dispatcher) {
		d.window = n
	}
}

// WithAnalysisWorker names the worker that triggers the iteration controller.
func WithAnalysisWorker(name string) Option {
	return func(d *Dispatcher) {
		d.analysisWorker = name
	}
}

// WithAskAfterEveryWorker makes the dispatcher hand control to the user after
// every worker completion, whatever the decider says.
func WithAskAfterEveryWorker(enabled bool) Option {
	return func(d *Dispatcher) {
		d.askEvery = enabled
	}
}

// WithController configures the iteration controller.
func WithController(c *iteration.Controller) Option {
	return func(d *Dispatcher) {
		d.controller = c
	}
}

// WithLogger configures the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithFallbackHook registers a callback invoked whenever the decider output is
// replaced by FallbackDecision.
func WithFallbackHook(fn func(cause error)) Option {
	return func(d *Dispatcher) {
		d.onFallback = fn
	}
}

// New creates a Dispatcher consulting decider and routing among workers.
func New(decider ports.Decider, workers []string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		decider:        decider,
		workers:        slices.Clone(workers),
		summarize:      DefaultSummary,
		window:         DefaultHistoryWindow,
		analysisWorker: DefaultAnalysisWorker,
		controller:     iteration.New(),
		logger:         logging.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Workers returns the worker names the dispatcher may route to.
func (d *Dispatcher) Workers() []string {
	return slices.Clone(d.workers)
}

// Context builds the view of rec handed to the decider.
func (d *Dispatcher) Context(rec *domain.TaskRecord) ports.DecisionContext {
	return ports.DecisionContext{
		ThreadID:       rec.ThreadID,
		Window:         rec.Window(d.window),
		Summary:        d.summarize(rec),
		Workers:        slices.Clone(d.workers),
		IterationIndex: rec.IterationIndex,
		MaxIterations:  rec.MaxIterations,
		Snapshot:       rec.Clone(),
	}
}

// Tick runs one dispatcher step on rec and returns the delta to commit along
// with the decision it encodes.
//
// Decider failures never fail the tick: they are logged and replaced by
// FallbackDecision. The only error returned is the context's.
func (d *Dispatcher) Tick(ctx context.Context, rec *domain.TaskRecord) (domain.Delta, domain.Decision, error) {
	decision, err := d.decide(ctx, rec)
	if err != nil {
		return domain.Delta{}, nil, err
	}

	decision = d.guard(ctx, rec, decision)

	rw, ok := decision.(domain.RouteWorker)
	if !ok {
		return d.route(decision), decision, nil
	}
	if !d.continues(rec, rw) {
		delta := d.route(decision)
		// A continue request only holds until the next worker runs.
		if rw.Worker != d.analysisWorker && rec.Has(domain.KeyContinueIteration) {
			delta.Payload = map[string]any{domain.KeyContinueIteration: nil}
		}
		return delta, decision, nil
	}

	adv, finished := d.controller.Advance(ctx, rec)
	if !finished {
		return adv.Merge(d.route(decision)), decision, nil
	}
	// The controller already recorded the closing message.
	decision = domain.Finish{Message: derefOr(adv.MessageToUser, ""), Reason: "iteration limit reached"}
	closing := d.route(decision)
	closing.Turns = nil
	return adv.Merge(closing), decision, nil
}

func (d *Dispatcher) decide(ctx context.Context, rec *domain.TaskRecord) (domain.Decision, error) {
	out, err := d.consult(ctx, rec)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err == nil {
		var decision domain.Decision
		if decision, err = domain.ParseDecision(out, d.workers); err == nil {
			d.logger.DebugContext(ctx, "decision",
				"next", decision.Target(),
				"reason", decision.Why(),
			)
			return decision, nil
		}
	}

	var parseErr *domain.DecisionParseError
	if errors.As(err, &parseErr) {
		d.logger.WarnContext(ctx, "unparseable decision, asking user", "err", err)
	} else {
		d.logger.WarnContext(ctx, "decider failed, asking user", "err", err)
	}
	if d.onFallback != nil {
		d.onFallback(err)
	}
	return FallbackDecision(rec), nil
}

// consult calls the decider, turning a panic into an error.
func (d *Dispatcher) consult(ctx context.Context, rec *domain.TaskRecord) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("decider panicked: %v", p)
		}
	}()
	return d.decider.Decide(ctx, d.Context(rec))
}

// guard rewrites decisions that would loop on the worker that just ran.
func (d *Dispatcher) guard(ctx context.Context, rec *domain.TaskRecord, decision domain.Decision) domain.Decision {
	route, ok := decision.(domain.RouteWorker)
	if !ok || rec.LastCompletedWorker == "" {
		return decision
	}
	switch {
	case route.Worker == rec.LastCompletedWorker:
		d.logger.InfoContext(ctx, "repeated route replaced by ask_user", "worker", route.Worker)
		return domain.AskUser{
			Message: fmt.Sprintf("The %s step just completed. How would you like to proceed?", route.Worker),
			Reason:  fmt.Sprintf("avoided running %s twice in a row", route.Worker),
		}
	case d.askEvery:
		return domain.AskUser{
			Message: fmt.Sprintf("The %s step completed. Next I would run %s. Shall I continue?", rec.LastCompletedWorker, route.Worker),
			Reason:  "confirmation required after every worker",
		}
	}
	return decision
}

func (d *Dispatcher) continues(rec *domain.TaskRecord, route domain.RouteWorker) bool {
	if route.Worker != d.analysisWorker {
		return false
	}
	return route.Params.ContinueIteration || rec.Bool(domain.KeyContinueIteration)
}

// route encodes the decision as record fields.
func (d *Dispatcher) route(decision domain.Decision) domain.Delta {
	next := decision.Target()
	delta := domain.Delta{
		LastCompletedWorker: domain.Ptr(""),
		CurrentNode:         domain.Ptr(next),
		NextAction:          domain.Ptr(next),
	}

	var msg string
	switch dec := decision.(type) {
	case domain.RouteWorker:
		msg = dec.Message
	case domain.AskUser:
		msg = dec.Message
		delta.MessageToUser = domain.Ptr(msg)
	case domain.Finish:
		msg = dec.Message
		delta.MessageToUser = domain.Ptr(msg)
	}

	if msg != "" {
		delta.Turns = []domain.Turn{{
			Role:    domain.RoleAssistant,
			Content: msg,
			Node:    domain.NodeDispatcher,
			Reason:  decision.Why(),
			At:      time.Now().UTC(),
		}}
	}
	return delta
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
