package runner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aretw0/crucible/internal/logging"
	"github.com/aretw0/crucible/pkg/dispatcher"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
	"github.com/aretw0/crucible/pkg/resume"
	"github.com/aretw0/crucible/pkg/session"
	"github.com/aretw0/crucible/pkg/worker"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// StartRequest describes a new task.
type StartRequest struct {
	TaskID   string
	ThreadID string
	Payload  map[string]any
	// MaxIterations bounds the analysis loop. Zero uses the runner default.
	MaxIterations int
}

// Runner is the execution driver. It is safe for concurrent use; calls for
// the same thread are serialized, calls for different threads run in
// parallel up to the configured limit.
type Runner struct {
	sessions   *session.Manager
	registry   *worker.Registry
	dispatcher *dispatcher.Dispatcher
	sinks      []ports.EventSink
	logger     *slog.Logger

	stepLimit     int
	maxConcurrent int64
	maxIterations int

	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// New creates a Runner.
func New(sessions *session.Manager, registry *worker.Registry, disp *dispatcher.Dispatcher, opts ...Option) *Runner {
	r := &Runner{
		sessions:      sessions,
		registry:      registry,
		dispatcher:    disp,
		logger:        logging.NewNop(),
		stepLimit:     DefaultStepLimit,
		maxConcurrent: DefaultMaxConcurrent,
		maxIterations: domain.DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sem = semaphore.NewWeighted(r.maxConcurrent)
	return r
}

// InFlight returns the number of tasks currently being driven.
func (r *Runner) InFlight() int64 {
	return r.inFlight.Load()
}

// Sessions returns the session manager the runner commits through.
func (r *Runner) Sessions() *session.Manager {
	return r.sessions
}

// Start creates a task and drives it until it suspends or finishes.
// An empty ThreadID gets a generated one; events carry it.
func (r *Runner) Start(ctx context.Context, req StartRequest) iter.Seq2[domain.Event, error] {
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	return r.drive(ctx, threadID, func(ctx context.Context) (*domain.TaskRecord, *entry, error) {
		limit := req.MaxIterations
		if limit <= 0 {
			limit = r.maxIterations
		}
		rec := domain.NewTaskRecord(req.TaskID, threadID, req.Payload, limit)
		rec.History = append(rec.History, domain.Turn{
			Role:    domain.RoleUser,
			Content: describePayload(rec.Payload),
			At:      rec.CreatedAt,
		})
		if err := r.sessions.Store().Create(ctx, rec); err != nil {
			return nil, nil, fmt.Errorf("create task %s: %w", threadID, err)
		}
		r.logger.InfoContext(ctx, "task started", "max_iterations", rec.MaxIterations)
		return rec, nil, nil
	})
}

// Resume delivers value to the suspended node of the task and drives it on.
//
// The record is left untouched when the task is unknown, has no pending
// interrupt or the value is invalid. The value {"action":"terminate"}
// finishes the task instead of re-entering the node.
func (r *Runner) Resume(ctx context.Context, threadID string, value any) iter.Seq2[domain.Event, error] {
	return r.drive(ctx, threadID, func(ctx context.Context) (*domain.TaskRecord, *entry, error) {
		rec, err := r.sessions.Load(ctx, threadID)
		if err != nil {
			return nil, nil, err
		}
		intr := rec.PendingInterrupt
		if intr == nil {
			return nil, nil, fmt.Errorf("%w: thread %s", domain.ErrNotAwaitingInput, threadID)
		}

		v, err := r.prepareValue(intr.Node, value)
		if err != nil {
			return nil, nil, err
		}

		if resume.IsTerminate(v) {
			r.logger.InfoContext(ctx, "task terminated by user", "interrupt_id", intr.ID)
			rec, err = r.sessions.Apply(ctx, threadID, expect(intr.ID, terminate(v)))
			return rec, nil, err
		}

		rec, err = r.sessions.Apply(ctx, threadID, expect(intr.ID, domain.Delta{
			ClearInterrupt: true,
			CurrentNode:    domain.Ptr(intr.Node),
			NextAction:     domain.Ptr(intr.Node),
			Turns: []domain.Turn{{
				Role:    domain.RoleUser,
				Content: describeResume(v),
				Node:    intr.Node,
				At:      time.Now().UTC(),
			}},
		}))
		if err != nil {
			return nil, nil, err
		}
		r.logger.InfoContext(ctx, "task resumed", "interrupt_id", intr.ID, "node", intr.Node)
		return rec, &entry{
			node:    intr.Node,
			resumes: append(slices.Clone(intr.Resumes), v),
			memo:    intr.Memo,
		}, nil
	})
}

// Continue drives an active task left mid-loop, for example after a crash
// or after a consumer stopped reading early.
func (r *Runner) Continue(ctx context.Context, threadID string) iter.Seq2[domain.Event, error] {
	return r.drive(ctx, threadID, func(ctx context.Context) (*domain.TaskRecord, *entry, error) {
		rec, err := r.sessions.Load(ctx, threadID)
		if err != nil {
			return nil, nil, err
		}
		switch rec.Status() {
		case domain.StatusSuspended:
			return nil, nil, fmt.Errorf("%w: thread %s", domain.ErrAwaitingInput, threadID)
		case domain.StatusFinished:
			return nil, nil, fmt.Errorf("%w: thread %s", domain.ErrTaskFinished, threadID)
		}
		r.logger.InfoContext(ctx, "task continued", "next_action", rec.NextAction)
		return rec, nil, nil
	})
}

// entry is the re-entry of a suspended node.
type entry struct {
	node    string
	resumes []any
	memo    map[string]any
}

type prepareFunc func(ctx context.Context) (*domain.TaskRecord, *entry, error)

func (r *Runner) drive(ctx context.Context, threadID string, prepare prepareFunc) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		s := &stream{threadID: threadID, sinks: r.sinks, yield: yield}
		if err := r.run(ctx, threadID, s, prepare); err != nil {
			s.fail(ctx, "", err, false)
		}
	}
}

func (r *Runner) run(ctx context.Context, threadID string, s *stream, prepare prepareFunc) error {
	ctx = logging.WithThread(ctx, threadID, "")
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)
	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)

	return r.sessions.TryWithLock(ctx, threadID, func(ctx context.Context) error {
		rec, in, err := prepare(ctx)
		if err != nil {
			return err
		}
		return r.loop(logging.WithThread(ctx, threadID, rec.TaskID), rec, in, s)
	})
}

// loop runs committed steps until the task parks, finishes or the call ends.
func (r *Runner) loop(ctx context.Context, rec *domain.TaskRecord, in *entry, s *stream) error {
	for steps := 0; ; steps++ {
		switch {
		case rec.PendingInterrupt != nil:
			return nil
		case rec.NextAction == domain.NodeFinished:
			r.logger.InfoContext(ctx, "task finished", "iteration", rec.IterationIndex)
			s.emit(ctx, domain.EventFinished, domain.NodeFinished, domain.Finished{
				Message:        rec.MessageToUser,
				IterationIndex: rec.IterationIndex,
			})
			return nil
		case s.stopped:
			r.logger.DebugContext(ctx, "consumer stopped, task left active")
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if steps >= r.stepLimit {
			err := fmt.Errorf("%w: %d steps in one call", domain.ErrStepLimit, r.stepLimit)
			r.logger.WarnContext(ctx, "step limit reached, task left active", "limit", r.stepLimit)
			s.fail(ctx, rec.CurrentNode, err, true)
			return err
		}

		next, err := r.step(ctx, rec, in, s)
		in = nil
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				s.fail(ctx, rec.NextAction, err, true)
			}
			return err
		}
		rec = next
	}
}

// step runs one node and commits its delta.
func (r *Runner) step(ctx context.Context, rec *domain.TaskRecord, in *entry, s *stream) (*domain.TaskRecord, error) {
	node := rec.NextAction
	switch {
	case in != nil:
		node = in.node
	case node == "":
		node = domain.NodeDispatcher
	}
	ctx = logging.WithNode(ctx, node)

	start := time.Now()
	s.emit(ctx, domain.EventNodeStart, node, nil)

	var (
		delta domain.Delta
		err   error
	)
	switch node {
	case domain.NodeDispatcher:
		delta, _, err = r.dispatcher.Tick(ctx, rec)
	case domain.NodeAskUser:
		delta, err = r.enter(ctx, rec, node, askUser, in, s)
	default:
		w, lookupErr := r.registry.Get(node)
		if lookupErr != nil {
			r.logger.WarnContext(ctx, "route to unregistered worker", "err", lookupErr)
			delta = (&domain.WorkerError{Worker: node, Err: lookupErr}).Delta()
			break
		}
		delta, err = r.enter(ctx, rec, node, workerNode(w), in, s)
	}
	if err != nil {
		return nil, err
	}

	next, err := r.sessions.Apply(ctx, rec.ThreadID, ports.Merge(delta))
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", node, err)
	}

	s.emit(ctx, domain.EventNodeEnd, node, domain.NodeEnd{Delta: delta, Duration: time.Since(start)})
	if delta.PendingInterrupt != nil {
		s.emit(ctx, domain.EventInterruptRaised, node, domain.InterruptRaised{
			ID:      delta.PendingInterrupt.ID,
			Payload: delta.PendingInterrupt.Payload,
		})
	}
	return next, nil
}

type nodeFunc func(ctx context.Context, snap *domain.TaskRecord) (domain.Delta, error)

// enter runs fn inside a suspension scope. Suspensions become a pending
// interrupt; other failures are folded into a WorkerError delta.
func (r *Runner) enter(ctx context.Context, rec *domain.TaskRecord, node string, fn nodeFunc, in *entry, s *stream) (domain.Delta, error) {
	var (
		resumes []any
		memo    map[string]any
	)
	if in != nil {
		resumes, memo = in.resumes, in.memo
	}
	nctx, scope := worker.Enter(ctx, node, resumes, memo, func(typ domain.EventType, call domain.ToolCall) {
		s.emit(ctx, typ, node, call)
	})

	delta, err := invoke(nctx, node, fn, rec.Clone())

	var susp *worker.Suspension
	switch {
	case errors.As(err, &susp):
		intr := &domain.Interrupt{
			ID:       uuid.NewString(),
			Node:     node,
			Payload:  susp.Payload,
			Resumes:  scope.Resumes(),
			Memo:     scope.Memo(),
			RaisedAt: time.Now().UTC(),
		}
		r.logger.InfoContext(ctx, "task suspended", "interrupt_id", intr.ID)
		return delta.Merge(domain.Delta{CurrentNode: domain.Ptr(node), PendingInterrupt: intr}), nil
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Delta{}, ctxErr
		}
		var we *domain.WorkerError
		if !errors.As(err, &we) {
			we = &domain.WorkerError{Worker: node, Err: err}
		}
		r.logger.WarnContext(ctx, "worker failed", "err", err)
		return we.Delta().Merge(domain.Delta{CurrentNode: domain.Ptr(node)}), nil
	}
	return delta, nil
}

func invoke(ctx context.Context, node string, fn nodeFunc, snap *domain.TaskRecord) (delta domain.Delta, err error) {
	defer func() {
		if p := recover(); p != nil {
			delta, err = domain.Delta{}, &domain.WorkerError{Worker: node, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return fn(ctx, snap)
}

// workerNode wraps a worker so a successful run hands control back to the
// dispatcher.
func workerNode(w worker.Worker) nodeFunc {
	return func(ctx context.Context, snap *domain.TaskRecord) (domain.Delta, error) {
		if err := worker.CheckRequired(w, snap); err != nil {
			return domain.Delta{}, err
		}
		delta, err := w.Run(ctx, snap)
		if err != nil {
			return delta, err
		}
		return delta.Merge(domain.Delta{
			CurrentNode:         domain.Ptr(w.Name()),
			LastCompletedWorker: domain.Ptr(w.Name()),
			NextAction:          domain.Ptr(""),
			ErrorMessage:        domain.Ptr(""),
		}), nil
	}
}

// prepareValue normalizes a resume value and validates it when it is meant
// for the ask_user node. Workers suspending themselves receive the raw value.
func (r *Runner) prepareValue(node string, value any) (any, error) {
	v, err := worker.Normalize(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidResume, err)
	}
	if node != domain.NodeAskUser {
		return v, nil
	}
	parsed, err := resume.Parse(v)
	if err != nil {
		return nil, err
	}
	if msg, ok := parsed.(resume.Message); ok {
		clean, err := SanitizeInput(msg.Text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidResume, err)
		}
		return map[string]any{"message": clean}, nil
	}
	return v, nil
}

// expect guards a resume apply against a concurrent resume of the same
// interrupt through another process.
func expect(interruptID string, d domain.Delta) ports.DeltaFunc {
	return func(cur *domain.TaskRecord) (domain.Delta, error) {
		if cur.PendingInterrupt == nil || cur.PendingInterrupt.ID != interruptID {
			return domain.Delta{}, fmt.Errorf("%w: interrupt %s already handled", domain.ErrNotAwaitingInput, interruptID)
		}
		return d, nil
	}
}

func terminate(v any) domain.Delta {
	msg := "Task terminated by user."
	if parsed, err := resume.Parse(v); err == nil {
		if t, ok := parsed.(resume.Terminate); ok && t.Reason != "" {
			msg = fmt.Sprintf("Task terminated by user: %s", t.Reason)
		}
	}
	now := time.Now().UTC()
	return domain.Delta{
		ClearInterrupt: true,
		CurrentNode:    domain.Ptr(domain.NodeFinished),
		NextAction:     domain.Ptr(domain.NodeFinished),
		MessageToUser:  domain.Ptr(msg),
		Turns:          []domain.Turn{{Role: domain.RoleSystem, Content: "terminated by user", At: now}},
	}
}

func describePayload(payload map[string]any) string {
	if len(payload) == 0 {
		return "Start a new task."
	}
	keys := slices.Sorted(maps.Keys(payload))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, payload[k])
	}
	return "Start a new task with " + strings.Join(parts, ", ") + "."
}
