package reaper_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/crucible/pkg/adapters/memory"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/reaper"
	"github.com/aretw0/crucible/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store *memory.Store, threadID string, updated time.Time, finished bool) {
	t.Helper()
	rec := domain.NewTaskRecord("", threadID, nil, 5)
	rec.UpdatedAt = updated
	if finished {
		rec.NextAction = domain.NodeFinished
		rec.CurrentNode = domain.NodeFinished
	}
	require.NoError(t, store.Create(context.Background(), rec))
}

func TestSweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	seed(t, store, "old", now.Add(-100*time.Hour), false)
	seed(t, store, "old-done", now.Add(-80*time.Hour), true)
	seed(t, store, "fresh", now.Add(-time.Hour), false)

	var hooked []string
	r := reaper.New(session.NewManager(store),
		reaper.WithClock(func() time.Time { return now }),
		reaper.WithHook(func(rec *domain.TaskRecord) { hooked = append(hooked, rec.ThreadID) }),
	)

	rep, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Scanned)
	assert.ElementsMatch(t, []string{"old", "old-done"}, rep.Reaped)
	assert.ElementsMatch(t, rep.Reaped, hooked)

	ids, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids)
}

func TestSweep_Statuses(t *testing.T) {
	now := time.Now()
	store := memory.NewStore()
	seed(t, store, "active", now.Add(-time.Hour), false)
	seed(t, store, "done", now.Add(-time.Hour), true)

	r := reaper.New(session.NewManager(store),
		reaper.WithMaxIdle(time.Minute),
		reaper.WithStatuses(domain.StatusFinished),
	)
	rep, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"done"}, rep.Reaped)
}

func TestSweep_SkipsBusy(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "busy", time.Now().Add(-time.Hour), false)
	sessions := session.NewManager(store)
	r := reaper.New(sessions, reaper.WithMaxIdle(time.Minute))

	var rep reaper.Report
	err := sessions.WithLock(context.Background(), "busy", func(ctx context.Context) error {
		var err error
		rep, err = r.Sweep(ctx)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"busy"}, rep.Busy)
	assert.Empty(t, rep.Reaped)
}

func TestStart(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "old", time.Now().Add(-time.Hour), false)

	var reaped atomic.Int32
	r := reaper.New(session.NewManager(store),
		reaper.WithMaxIdle(time.Minute),
		reaper.WithHook(func(*domain.TaskRecord) { reaped.Add(1) }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx, "@every 1s"))
	assert.Error(t, r.Start(ctx, "@every 1s"), "second start is rejected")

	assert.Eventually(t, func() bool { return reaped.Load() == 1 }, 5*time.Second, 50*time.Millisecond)
	r.Stop()
}

func TestStart_BadSchedule(t *testing.T) {
	r := reaper.New(session.NewManager(memory.NewStore()))
	assert.ErrorContains(t, r.Start(context.Background(), "every so often"), "schedule")
}
