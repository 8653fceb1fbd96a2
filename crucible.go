package crucible

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/aretw0/crucible/internal/logging"
	"github.com/aretw0/crucible/pkg/adapters/memory"
	"github.com/aretw0/crucible/pkg/decider/rules"
	"github.com/aretw0/crucible/pkg/dispatcher"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/iteration"
	"github.com/aretw0/crucible/pkg/observability"
	"github.com/aretw0/crucible/pkg/persistence/middleware"
	"github.com/aretw0/crucible/pkg/ports"
	"github.com/aretw0/crucible/pkg/reaper"
	"github.com/aretw0/crucible/pkg/relay"
	"github.com/aretw0/crucible/pkg/runner"
	"github.com/aretw0/crucible/pkg/session"
	"github.com/aretw0/crucible/pkg/worker"
	"github.com/prometheus/client_golang/prometheus"
)

// StartRequest describes a new task.
type StartRequest = runner.StartRequest

// Engine is the high-level entry point of the library. It wires the store,
// the dispatcher, the workers and the event relay behind one API.
type Engine struct {
	runner   *runner.Runner
	sessions *session.Manager
	registry *worker.Registry
	hub      *relay.Hub
	metrics  *observability.Metrics
	logger   *slog.Logger
}

type settings struct {
	store         ports.StateStore
	middlewares   []middleware.Middleware
	locker        ports.DistributedLocker
	lockTTL       time.Duration
	workers       []worker.Worker
	decider       ports.Decider
	logger        *slog.Logger
	registerer    prometheus.Registerer
	sinks         []ports.EventSink
	redactFields  []string
	relayBuffer   int
	maxIterations int
	historyWindow int
	maxConcurrent int64
	stepLimit     int
	askEvery      bool
	analysis      string
}

// Option defines a functional option for configuring the Engine.
type Option func(*settings)

// WithStore sets the state store. Defaults to an in-memory store.
func WithStore(store ports.StateStore) Option {
	return func(s *settings) {
		s.store = store
	}
}

// WithEncryption seals records at rest with AES-GCM.
func WithEncryption(cfg middleware.EncryptionConfig) Option {
	return func(s *settings) {
		s.middlewares = append(s.middlewares, middleware.NewEncryptionMiddleware(cfg))
	}
}

// WithLocker adds a distributed lock for multi-process deployments.
func WithLocker(locker ports.DistributedLocker, ttl time.Duration) Option {
	return func(s *settings) {
		s.locker = locker
		s.lockTTL = ttl
	}
}

// WithWorkers registers workers.
func WithWorkers(workers ...worker.Worker) Option {
	return func(s *settings) {
		s.workers = append(s.workers, workers...)
	}
}

// WithDecider sets the decision function. Defaults to rules.Default.
func WithDecider(d ports.Decider) Option {
	return func(s *settings) {
		s.decider = d
	}
}

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithMetrics registers the engine metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *settings) {
		s.registerer = reg
	}
}

// WithSinks adds event observers next to the relay.
func WithSinks(sinks ...ports.EventSink) Option {
	return func(s *settings) {
		s.sinks = append(s.sinks, sinks...)
	}
}

// WithRedactFields masks payload keys matching the patterns in relayed events.
func WithRedactFields(patterns ...string) Option {
	return func(s *settings) {
		s.redactFields = append(s.redactFields, patterns...)
	}
}

// WithRelayBuffer sets the per-subscriber buffer of the relay.
func WithRelayBuffer(n int) Option {
	return func(s *settings) {
		s.relayBuffer = n
	}
}

// WithMaxIterations bounds the analysis loop of tasks started without a limit.
func WithMaxIterations(n int) Option {
	return func(s *settings) {
		s.maxIterations = n
	}
}

// WithHistoryWindow sets how many turns the decider sees.
func WithHistoryWindow(n int) Option {
	return func(s *settings) {
		s.historyWindow = n
	}
}

// WithMaxConcurrent bounds the number of tasks driven at once.
func WithMaxConcurrent(n int64) Option {
	return func(s *settings) {
		s.maxConcurrent = n
	}
}

// WithStepLimit bounds the steps of one Start, Resume or Continue call.
func WithStepLimit(n int) Option {
	return func(s *settings) {
		s.stepLimit = n
	}
}

// WithAskAfterEveryWorker pauses for the user after each worker.
func WithAskAfterEveryWorker(enabled bool) Option {
	return func(s *settings) {
		s.askEvery = enabled
	}
}

// WithAnalysisWorker names the worker that closes an iteration.
func WithAnalysisWorker(name string) Option {
	return func(s *settings) {
		s.analysis = name
	}
}

// New initializes an Engine. At least one worker is required.
func New(opts ...Option) (*Engine, error) {
	s := settings{
		logger:        logging.NewNop(),
		historyWindow: dispatcher.DefaultHistoryWindow,
		analysis:      dispatcher.DefaultAnalysisWorker,
		relayBuffer:   relay.DefaultBuffer,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if len(s.workers) == 0 {
		return nil, errors.New("crucible: no workers registered")
	}
	if s.store == nil {
		s.store = memory.NewStore()
	}
	if s.decider == nil {
		s.decider = rules.Default()
	}

	registry := worker.NewRegistry(s.workers...)

	sessionOpts := []session.Option{session.WithLogger(s.logger)}
	if s.locker != nil {
		sessionOpts = append(sessionOpts, session.WithLocker(s.locker), session.WithLockTTL(s.lockTTL))
	}
	sessions := session.NewManager(middleware.Chain(s.store, s.middlewares...), sessionOpts...)

	redactor, err := relay.NewRedactor(s.redactFields...)
	if err != nil {
		return nil, fmt.Errorf("crucible: %w", err)
	}
	hub := relay.NewHub(
		relay.WithBuffer(s.relayBuffer),
		relay.WithRedactor(redactor),
		relay.WithLogger(s.logger),
	)

	e := &Engine{
		sessions: sessions,
		registry: registry,
		hub:      hub,
		logger:   s.logger,
	}

	dispOpts := []dispatcher.Option{
		dispatcher.WithHistoryWindow(s.historyWindow),
		dispatcher.WithAnalysisWorker(s.analysis),
		dispatcher.WithAskAfterEveryWorker(s.askEvery),
		dispatcher.WithController(iteration.New(iteration.WithLogger(s.logger))),
		dispatcher.WithLogger(s.logger),
	}
	sinks := []ports.EventSink{hub.Publish, observability.LogSink(s.logger)}
	if s.registerer != nil {
		e.metrics = observability.NewMetrics(s.registerer)
		dispOpts = append(dispOpts, dispatcher.WithFallbackHook(e.metrics.Fallback))
		sinks = append(sinks, e.metrics.Observe)
	}
	sinks = append(sinks, s.sinks...)

	e.runner = runner.New(sessions, registry, dispatcher.New(s.decider, registry.Names(), dispOpts...),
		runner.WithSinks(sinks...),
		runner.WithLogger(s.logger),
		runner.WithStepLimit(s.stepLimit),
		runner.WithMaxConcurrent(s.maxConcurrent),
		runner.WithMaxIterations(s.maxIterations),
	)

	if e.metrics != nil {
		e.metrics.Gauge("tasks_in_flight", "Tasks currently being driven", func() float64 {
			return float64(e.runner.InFlight())
		})
		e.metrics.Gauge("relay_subscribers", "Open event subscriptions", func() float64 {
			return float64(hub.Subscribers())
		})
		e.metrics.Gauge("relay_dropped_events", "Events dropped for slow subscribers since start", func() float64 {
			return float64(hub.Dropped())
		})
	}
	return e, nil
}

// Start creates a task and drives it until it suspends or finishes.
func (e *Engine) Start(ctx context.Context, req StartRequest) iter.Seq2[domain.Event, error] {
	return e.runner.Start(ctx, req)
}

// Resume delivers value to the suspended task and drives it onward.
func (e *Engine) Resume(ctx context.Context, threadID string, value any) iter.Seq2[domain.Event, error] {
	return e.runner.Resume(ctx, threadID, value)
}

// Continue drives an active task, for instance after a crash or a dropped stream.
func (e *Engine) Continue(ctx context.Context, threadID string) iter.Seq2[domain.Event, error] {
	return e.runner.Continue(ctx, threadID)
}

// Get returns the task record.
func (e *Engine) Get(ctx context.Context, threadID string) (*domain.TaskRecord, error) {
	return e.sessions.Load(ctx, threadID)
}

// List returns every task, most recently updated first.
func (e *Engine) List(ctx context.Context) ([]*domain.TaskRecord, error) {
	recs, err := e.sessions.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(recs, func(a, b *domain.TaskRecord) int {
		return cmp.Or(b.UpdatedAt.Compare(a.UpdatedAt), cmp.Compare(a.ThreadID, b.ThreadID))
	})
	return recs, nil
}

// Delete removes a task. A task with a step in flight is not deleted.
func (e *Engine) Delete(ctx context.Context, threadID string) error {
	return e.sessions.Delete(ctx, threadID)
}

// Subscribe streams relayed events matching filter until ctx is done or
// cancel is called.
func (e *Engine) Subscribe(ctx context.Context, filter relay.Filter) (<-chan domain.Event, func(), error) {
	return e.hub.Subscribe(ctx, filter)
}

// Reaper returns an idle-task reaper over the engine's store.
func (e *Engine) Reaper(opts ...reaper.Option) *reaper.Reaper {
	return reaper.New(e.sessions, append([]reaper.Option{reaper.WithLogger(e.logger)}, opts...)...)
}

// Workers returns the registered worker names.
func (e *Engine) Workers() []string {
	return e.registry.Names()
}

// InFlight reports how many tasks are being driven right now.
func (e *Engine) InFlight() int64 {
	return e.runner.InFlight()
}
