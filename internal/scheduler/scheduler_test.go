package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timrozday-mgnify/emgapi-v2/internal/engine"
	"github.com/timrozday-mgnify/emgapi-v2/internal/reconcile"
	"github.com/timrozday-mgnify/emgapi-v2/internal/store"
	"github.com/timrozday-mgnify/emgapi-v2/pkg/schema"
)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStepper records stepped run IDs. Each step pushes the run's
// resume_after into the future so it stops being due.
type fakeStepper struct {
	mu      sync.Mutex
	store   store.Store
	stepped []string
}

func (f *fakeStepper) Step(ctx context.Context, runID string) (*engine.Outcome, error) {
	f.mu.Lock()
	f.stepped = append(f.stepped, runID)
	f.mu.Unlock()

	future := time.Now().UTC().Add(time.Hour)
	if err := f.store.UpdateRun(ctx, runID, store.RunUpdate{ResumeAfter: &future}); err != nil {
		return nil, err
	}
	return &engine.Outcome{Kind: engine.OutcomeSuspended, ResumeAfter: future}, nil
}

func (f *fakeStepper) steppedRuns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stepped...)
}

type fakeSweeper struct {
	mu     sync.Mutex
	sweeps int
}

func (f *fakeSweeper) Reconcile(context.Context) (*reconcile.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return &reconcile.Report{}, nil
}

func seedDueRun(t *testing.T, s *store.LibSQLStore, due time.Time) *store.RunState {
	t.Helper()
	run := &store.RunState{
		ID:          uuid.New().String(),
		Name:        "batch",
		Phase:       schema.RunPhaseWaiting,
		Specs:       []schema.JobSpec{{Name: "j", Command: "true", ExpectedTime: time.Hour}},
		MaxChecks:   10,
		ResumeAfter: &due,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestRecoverMissed_StepsDueRuns(t *testing.T) {
	s := newTestStore(t)
	stepper := &fakeStepper{store: s}

	past := time.Now().UTC().Add(-time.Minute)
	due := seedDueRun(t, s, past)
	future := time.Now().UTC().Add(time.Hour)
	notYet := seedDueRun(t, s, future)

	sched, err := NewScheduler(s, stepper, nil, Config{}, testLogger())
	require.NoError(t, err)

	require.NoError(t, sched.RecoverMissed(context.Background()))
	assert.Equal(t, []string{due.ID}, stepper.steppedRuns())
	_ = notYet
}

func TestTick_StepsEachDueRunOnce(t *testing.T) {
	s := newTestStore(t)
	stepper := &fakeStepper{store: s}

	past := time.Now().UTC().Add(-time.Minute)
	a := seedDueRun(t, s, past)
	b := seedDueRun(t, s, past)

	sched, err := NewScheduler(s, stepper, nil, Config{Concurrency: 2}, testLogger())
	require.NoError(t, err)

	sched.tick(context.Background())
	stepped := stepper.steppedRuns()
	assert.ElementsMatch(t, []string{a.ID, b.ID}, stepped)

	// Stepping pushed resume_after forward, so the next tick finds nothing.
	sched.tick(context.Background())
	assert.Len(t, stepper.steppedRuns(), 2)
}

func TestTick_InflightDedup(t *testing.T) {
	s := newTestStore(t)
	stepper := &fakeStepper{store: s}

	past := time.Now().UTC().Add(-time.Minute)
	run := seedDueRun(t, s, past)

	sched, err := NewScheduler(s, stepper, nil, Config{}, testLogger())
	require.NoError(t, err)

	// Simulate a step still in flight from a previous tick.
	require.True(t, sched.tryAcquire(run.ID))
	sched.tick(context.Background())
	assert.Empty(t, stepper.steppedRuns())

	sched.release(run.ID)
	sched.tick(context.Background())
	assert.Equal(t, []string{run.ID}, stepper.steppedRuns())
}

func TestStartAndStop(t *testing.T) {
	s := newTestStore(t)
	stepper := &fakeStepper{store: s}

	sched, err := NewScheduler(s, stepper, nil, Config{TickInterval: 10 * time.Millisecond}, testLogger())
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	require.Error(t, sched.Start(context.Background()), "double start must fail")
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop(), "stop is idempotent")
}

func TestLoop_PicksUpNewlyDueRuns(t *testing.T) {
	s := newTestStore(t)
	stepper := &fakeStepper{store: s}

	sched, err := NewScheduler(s, stepper, nil, Config{TickInterval: 10 * time.Millisecond}, testLogger())
	require.NoError(t, err)
	require.NoError(t, sched.Start(context.Background()))
	defer func() { _ = sched.Stop() }()

	past := time.Now().UTC().Add(-time.Second)
	run := seedDueRun(t, s, past)

	require.Eventually(t, func() bool {
		for _, id := range stepper.steppedRuns() {
			if id == run.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconcileCron_SweepsWhenDue(t *testing.T) {
	s := newTestStore(t)
	stepper := &fakeStepper{store: s}
	sweeper := &fakeSweeper{}

	sched, err := NewScheduler(s, stepper, sweeper, Config{ReconcileCron: "* * * * *"}, testLogger())
	require.NoError(t, err)

	// Force the next reconciliation into the past and tick.
	sched.nextReconcile = time.Now().UTC().Add(-time.Second)
	sched.tick(context.Background())

	sweeper.mu.Lock()
	sweeps := sweeper.sweeps
	sweeper.mu.Unlock()
	assert.Equal(t, 1, sweeps)

	// The next sweep is scheduled in the future, so an immediate second
	// tick does not sweep again.
	sched.tick(context.Background())
	sweeper.mu.Lock()
	sweeps = sweeper.sweeps
	sweeper.mu.Unlock()
	assert.Equal(t, 1, sweeps)
}

func TestReconcileCron_Invalid(t *testing.T) {
	s := newTestStore(t)
	_, err := NewScheduler(s, &fakeStepper{store: s}, &fakeSweeper{}, Config{ReconcileCron: "not a cron"}, testLogger())
	require.Error(t, err)
}
