package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timrozday-mgnify/emgapi-v2/internal/cluster"
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

type fakeCluster struct {
	mu        sync.Mutex
	nextID    int
	statuses  map[string]*cluster.JobStatus
	statusErr map[string]error
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		statuses:  make(map[string]*cluster.JobStatus),
		statusErr: make(map[string]error),
	}
}

func (f *fakeCluster) Submit(_ context.Context, _ cluster.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	handle := strconv.Itoa(f.nextID)
	f.statuses[handle] = &cluster.JobStatus{RawState: cluster.SlurmStatePending, State: schema.JobStatePending}
	return handle, nil
}

func (f *fakeCluster) Status(_ context.Context, handle string) (*cluster.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statusErr[handle]; err != nil {
		return nil, err
	}
	st, ok := f.statuses[handle]
	if !ok {
		return &cluster.JobStatus{RawState: cluster.SlurmStateUnknown, State: schema.JobStateUnknown}, nil
	}
	cp := *st
	return &cp, nil
}

func (f *fakeCluster) Cancel(_ context.Context, _ string) error { return nil }

func (f *fakeCluster) QueueDepth(_ context.Context) (int, error) { return 0, nil }

func (f *fakeCluster) setState(handle, raw string, exitCode *int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[handle] = &cluster.JobStatus{RawState: raw, State: cluster.MapSlurmState(raw), ExitCode: exitCode}
}

// seedZombieRun creates a run in waiting phase with one attached job, then
// ages its updated_at so it looks abandoned.
func seedZombieRun(t *testing.T, s *store.LibSQLStore, fc *fakeCluster) (*store.RunState, *store.JobRecord) {
	t.Helper()
	ctx := context.Background()

	handle, err := fc.Submit(ctx, cluster.SubmitRequest{})
	require.NoError(t, err)

	rec := &store.JobRecord{
		ID:       uuid.New().String(),
		DedupKey: uuid.New().String(),
		Name:     "assemble-SRR0001",
		Command:  "assemble --input SRR0001",
		State:    schema.JobStatePending,
	}
	now := time.Now().UTC()
	run := &store.RunState{
		ID:        uuid.New().String(),
		Name:      "zombie-batch",
		Phase:     schema.RunPhaseWaiting,
		Specs:     []schema.JobSpec{{Name: rec.Name, Command: rec.Command, ExpectedTime: time.Hour}},
		JobIDs:    []string{rec.ID},
		MaxChecks: 100,
	}
	rec.RunID = run.ID
	_, _, err = s.ReserveOrGetJob(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, s.UpdateJob(ctx, rec.ID, store.JobUpdate{ClusterJobID: &handle, SubmittedAt: &now}))
	require.NoError(t, s.CreateRun(ctx, run))

	ageRun(t, s, run.ID, 3*time.Hour)

	got, err := s.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	return run, got
}

func ageRun(t *testing.T, s *store.LibSQLStore, runID string, by time.Duration) {
	t.Helper()
	old := time.Now().UTC().Add(-by)
	_, err := s.DB().Exec(`UPDATE orchestration_runs SET updated_at = ? WHERE id = ?`, old, runID)
	require.NoError(t, err)
}

func TestReconcile_CompletedZombieIsRepairedNotResubmitted(t *testing.T) {
	s := newTestStore(t)
	fc := newFakeCluster()
	run, rec := seedZombieRun(t, s, fc)

	// The job finished while no controller was watching.
	code := 0
	fc.setState(rec.ClusterJobID, cluster.SlurmStateCompleted, &code)

	r := NewReconciler(s, fc, time.Hour, testLogger())
	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, []string{run.ID}, report.Repaired)
	assert.Empty(t, report.Ambiguous)

	// The terminal state was persisted and the run rescheduled for an
	// immediate resumption, with no new submission.
	got, err := s.GetJob(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobStateCompleted, got.State)

	storedRun, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, storedRun.ResumeAfter)
	assert.False(t, storedRun.ResumeAfter.After(time.Now().UTC().Add(time.Second)))
}

func TestReconcile_RunningZombieResumesPolling(t *testing.T) {
	s := newTestStore(t)
	fc := newFakeCluster()
	run, rec := seedZombieRun(t, s, fc)

	fc.setState(rec.ClusterJobID, cluster.SlurmStateRunning, nil)

	r := NewReconciler(s, fc, time.Hour, testLogger())
	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{run.ID}, report.Repaired)

	got, err := s.GetJob(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobStateRunning, got.State)
}

func TestReconcile_UnknownHandleIsAmbiguousNotFailed(t *testing.T) {
	s := newTestStore(t)
	fc := newFakeCluster()
	run, rec := seedZombieRun(t, s, fc)

	// The scheduler has purged all memory of the job.
	fc.mu.Lock()
	delete(fc.statuses, rec.ClusterJobID)
	fc.mu.Unlock()

	r := NewReconciler(s, fc, time.Hour, testLogger())
	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Repaired)
	require.Len(t, report.Ambiguous, 1)
	assert.Equal(t, run.ID, report.Ambiguous[0].RunID)
	assert.Equal(t, rec.ClusterJobID, report.Ambiguous[0].ClusterJobID)

	ambErr := report.Ambiguous[0].Err()
	assert.Equal(t, schema.ErrCodeReconcileAmbiguous, ambErr.Code)
	assert.Equal(t, rec.DedupKey, ambErr.DedupKey)
	assert.False(t, ambErr.IsRetryable())

	// Unknown, never Failed: the truth is genuinely unknowable here.
	got, err := s.GetJob(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobStateUnknown, got.State)

	// The run is left suspended: no auto-resume around an ambiguous job.
	storedRun, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunPhaseWaiting, storedRun.Phase)
}

func TestReconcile_QueryFailureIsAmbiguous(t *testing.T) {
	s := newTestStore(t)
	fc := newFakeCluster()
	_, rec := seedZombieRun(t, s, fc)
	fc.statusErr[rec.ClusterJobID] = errors.New("slurmrestd unreachable")

	r := NewReconciler(s, fc, time.Hour, testLogger())
	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Repaired)
	require.Len(t, report.Ambiguous, 1)

	// The record keeps its last known state.
	got, err := s.GetJob(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobStatePending, got.State)
}

func TestReconcile_SkipsRunsThatProgressed(t *testing.T) {
	s := newTestStore(t)
	fc := newFakeCluster()
	run, _ := seedZombieRun(t, s, fc)

	// Another process touched the run after the sweep's cutoff.
	checks := 1
	require.NoError(t, s.UpdateRun(context.Background(), run.ID, store.RunUpdate{CheckCount: &checks}))

	r := NewReconciler(s, fc, time.Hour, testLogger())
	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Repaired)
	assert.Empty(t, report.Ambiguous)
}

func TestReconcile_IgnoresHealthySuspendedRuns(t *testing.T) {
	s := newTestStore(t)
	fc := newFakeCluster()
	run, _ := seedZombieRun(t, s, fc)

	// Suspended with a future resumption: not a zombie, just patient.
	future := time.Now().UTC().Add(4 * time.Hour)
	require.NoError(t, s.UpdateRun(context.Background(), run.ID, store.RunUpdate{ResumeAfter: &future}))
	ageRun(t, s, run.ID, 3*time.Hour)

	r := NewReconciler(s, fc, time.Hour, testLogger())
	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Repaired)
	assert.Equal(t, 1, report.Skipped)
}

func TestReconcile_UnsubmittedRecordIsResumable(t *testing.T) {
	s := newTestStore(t)
	fc := newFakeCluster()
	ctx := context.Background()

	// A run that died between reserving and submitting.
	rec := &store.JobRecord{
		ID:       uuid.New().String(),
		DedupKey: uuid.New().String(),
		Name:     "assemble",
		Command:  "assemble",
		State:    schema.JobStatePending,
	}
	run := &store.RunState{
		ID:        uuid.New().String(),
		Name:      "died-mid-submit",
		Phase:     schema.RunPhaseSubmitting,
		Specs:     []schema.JobSpec{{Name: "assemble", Command: "assemble", ExpectedTime: time.Hour}},
		JobIDs:    []string{rec.ID},
		MaxChecks: 100,
	}
	rec.RunID = run.ID
	_, _, err := s.ReserveOrGetJob(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, s.CreateRun(ctx, run))
	ageRun(t, s, run.ID, 3*time.Hour)

	r := NewReconciler(s, fc, time.Hour, testLogger())
	report, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{run.ID}, report.Repaired)
}
