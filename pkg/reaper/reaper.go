// Package reaper evicts task records that have been idle for too long.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aretw0/crucible/internal/logging"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/session"
	"github.com/robfig/cron/v3"
)

// Defaults used when no option overrides them.
const (
	DefaultSchedule = "@every 10m"
	DefaultMaxIdle  = 72 * time.Hour
)

// Report summarizes one sweep.
type Report struct {
	Scanned int
	Reaped  []string
	Busy    []string
}

// Reaper deletes records whose UpdatedAt is older than the idle limit.
type Reaper struct {
	sessions *session.Manager
	maxIdle  time.Duration
	statuses []domain.TaskStatus
	now      func() time.Time
	onReap   func(*domain.TaskRecord)
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// Option configures the Reaper.
type Option func(*Reaper)

// WithMaxIdle sets how long a record may go without updates.
func WithMaxIdle(d time.Duration) Option {
	return func(r *Reaper) {
		r.maxIdle = d
	}
}

// WithStatuses restricts eviction to records in the given states.
// By default every state is eligible.
func WithStatuses(statuses ...domain.TaskStatus) Option {
	return func(r *Reaper) {
		r.statuses = statuses
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) {
		r.now = now
	}
}

// WithHook is called for every record after it is deleted.
func WithHook(fn func(*domain.TaskRecord)) Option {
	return func(r *Reaper) {
		r.onReap = fn
	}
}

// WithLogger configures the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// New creates a Reaper.
func New(sessions *session.Manager, opts ...Option) *Reaper {
	r := &Reaper{
		sessions: sessions,
		maxIdle:  DefaultMaxIdle,
		now:      time.Now,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep deletes every idle record once. Records with a step in flight are
// skipped and reported as busy.
func (r *Reaper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	recs, err := r.sessions.LoadAll(ctx)
	if err != nil {
		return rep, fmt.Errorf("reaper: %w", err)
	}
	rep.Scanned = len(recs)

	cutoff := r.now().Add(-r.maxIdle)
	for _, rec := range recs {
		if !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		if len(r.statuses) > 0 && !slices.Contains(r.statuses, rec.Status()) {
			continue
		}
		err := r.sessions.Delete(ctx, rec.ThreadID)
		switch {
		case errors.Is(err, domain.ErrTaskBusy):
			rep.Busy = append(rep.Busy, rec.ThreadID)
			continue
		case errors.Is(err, domain.ErrTaskNotFound):
			continue
		case err != nil:
			return rep, fmt.Errorf("reaper: delete %s: %w", rec.ThreadID, err)
		}
		rep.Reaped = append(rep.Reaped, rec.ThreadID)
		r.logger.InfoContext(ctx, "task reaped",
			"thread_id", rec.ThreadID,
			"status", rec.Status(),
			"idle", r.now().Sub(rec.UpdatedAt).Round(time.Second),
		)
		if r.onReap != nil {
			r.onReap(rec)
		}
	}
	return rep, nil
}

// Start runs Sweep on schedule (standard cron syntax or descriptors such as
// "@every 10m") until ctx is done or Stop is called.
func (r *Reaper) Start(ctx context.Context, schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return errors.New("reaper already started")
	}

	c := cron.New(
		cron.WithLogger(cronLogger{r.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{r.logger})),
	)
	if _, err := c.AddFunc(schedule, func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reaper sweep failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("reaper: schedule %q: %w", schedule, err)
	}
	c.Start()
	r.cron = c
	context.AfterFunc(ctx, r.Stop)

	r.logger.Info("reaper started", "schedule", schedule, "max_idle", r.maxIdle)
	return nil
}

// Stop halts the schedule and waits for a running sweep to return.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
