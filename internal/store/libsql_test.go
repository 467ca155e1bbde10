package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timrozday-mgnify/emgapi-v2/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func newJobCandidate(runID, dedupKey string) *JobRecord {
	return &JobRecord{
		ID:           uuid.New().String(),
		DedupKey:     dedupKey,
		RunID:        runID,
		Name:         "assemble-SRR0001",
		Command:      "assemble --input SRR0001",
		Memory:       "8G",
		ExpectedTime: 2 * time.Hour,
		State:        schema.JobStatePending,
	}
}

// --- Job tests ---

func TestReserveOrGetJob_New(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cand := newJobCandidate("run-1", "key-a")
	rec, isNew, err := s.ReserveOrGetJob(ctx, cand)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, cand.ID, rec.ID)

	got, err := s.GetJob(ctx, cand.ID)
	require.NoError(t, err)
	assert.Equal(t, "key-a", got.DedupKey)
	assert.Equal(t, schema.JobStatePending, got.State)
	assert.Equal(t, 2*time.Hour, got.ExpectedTime)
	assert.Empty(t, got.ClusterJobID)
}

func TestReserveOrGetJob_ExistingLive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newJobCandidate("run-1", "key-a")
	_, isNew, err := s.ReserveOrGetJob(ctx, first)
	require.NoError(t, err)
	require.True(t, isNew)

	// A second caller with the same key reattaches, even from another run.
	second := newJobCandidate("run-2", "key-a")
	rec, isNew, err := s.ReserveOrGetJob(ctx, second)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, rec.ID)
	assert.Equal(t, "run-1", rec.RunID)
}

func TestReserveOrGetJob_UniqueIndexLoserReReads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	winner := newJobCandidate("run-1", "key-a")
	_, _, err := s.ReserveOrGetJob(ctx, winner)
	require.NoError(t, err)

	// Simulate losing the insert race: bypass the pre-read and insert
	// directly, which must trip the partial unique index.
	loser := newJobCandidate("run-2", "key-a")
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cluster_jobs (id, dedup_key, run_id, name, command, state, expected_time_secs,
		 check_count, query_failures, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'pending', 0, 0, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		loser.ID, loser.DedupKey, loser.RunID, loser.Name, loser.Command)
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
}

func TestReserveJob_LostRaceReturnsWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	winner := newJobCandidate("run-1", "key-a")
	_, _, err := s.ReserveOrGetJob(ctx, winner)
	require.NoError(t, err)

	// Drive the insert directly, as if the winner's row appeared between
	// this caller's pre-read and its insert. The unique index rejects the
	// insert and the loser comes back with the winner's record.
	loser := newJobCandidate("run-2", "key-a")
	rec, isNew, err := s.reserveJob(ctx, loser)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, winner.ID, rec.ID)
	assert.Equal(t, "run-1", rec.RunID)

	// Only the winner's row exists.
	jobs, err := s.ListJobsByRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestReserveJob_RaceAcrossStores(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	// Two stores on one file stand in for two processes.
	s1, err := NewLibSQLStore("file:" + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s1.Close() })
	require.NoError(t, s1.Migrate(ctx))

	s2, err := NewLibSQLStore("file:" + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })

	winner := newJobCandidate("run-1", "key-a")
	_, _, err = s1.ReserveOrGetJob(ctx, winner)
	require.NoError(t, err)

	loser := newJobCandidate("run-2", "key-a")
	rec, isNew, err := s2.reserveJob(ctx, loser)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, winner.ID, rec.ID)
}

func TestReserveOrGetJob_TerminalDoesNotBlockNewReservation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newJobCandidate("run-1", "key-a")
	_, _, err := s.ReserveOrGetJob(ctx, first)
	require.NoError(t, err)

	completed := schema.JobStateCompleted
	now := time.Now().UTC()
	require.NoError(t, s.UpdateJob(ctx, first.ID, JobUpdate{State: &completed, StateCheckedAt: &now}))

	// The partial index only covers live rows, so a fresh reservation for
	// the same key succeeds.
	second := newJobCandidate("run-2", "key-a")
	rec, isNew, err := s.ReserveOrGetJob(ctx, second)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, second.ID, rec.ID)

	prev, err := s.LatestTerminalJobByKey(ctx, "key-a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, prev.ID)
}

func TestReserveOrGetJob_NoDedupKey(t *testing.T) {
	s := newTestStore(t)
	cand := newJobCandidate("run-1", "")
	_, _, err := s.ReserveOrGetJob(context.Background(), cand)
	require.Error(t, err)
	orcErr, ok := err.(*schema.OrcError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, orcErr.Code)
}

func TestGetLiveJobByKey_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetLiveJobByKey(context.Background(), "no-such-key")
	require.Error(t, err)
	orcErr, ok := err.(*schema.OrcError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, orcErr.Code)
}

func TestUpdateJob_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cand := newJobCandidate("run-1", "key-a")
	_, _, err := s.ReserveOrGetJob(ctx, cand)
	require.NoError(t, err)

	handle := "12345"
	now := time.Now().UTC()
	require.NoError(t, s.UpdateJob(ctx, cand.ID, JobUpdate{ClusterJobID: &handle, SubmittedAt: &now}))

	running := schema.JobStateRunning
	raw := "RUNNING"
	checks := 1
	require.NoError(t, s.UpdateJob(ctx, cand.ID, JobUpdate{State: &running, RawState: &raw, CheckCount: &checks, StateCheckedAt: &now}))

	got, err := s.GetJob(ctx, cand.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobStateRunning, got.State)
	assert.Equal(t, "RUNNING", got.RawState)
	assert.Equal(t, "12345", got.ClusterJobID)
	assert.Equal(t, 1, got.CheckCount)
	require.NotNil(t, got.SubmittedAt)
}

func TestUpdateJob_TerminalIsNoOpWhenAgreeing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cand := newJobCandidate("run-1", "key-a")
	_, _, err := s.ReserveOrGetJob(ctx, cand)
	require.NoError(t, err)

	completed := schema.JobStateCompleted
	now := time.Now().UTC()
	require.NoError(t, s.UpdateJob(ctx, cand.ID, JobUpdate{State: &completed, StateCheckedAt: &now}))

	// Re-observing the same terminal state is fine.
	require.NoError(t, s.UpdateJob(ctx, cand.ID, JobUpdate{State: &completed}))

	// Moving a terminal record elsewhere is not.
	running := schema.JobStateRunning
	err = s.UpdateJob(ctx, cand.ID, JobUpdate{State: &running})
	require.Error(t, err)
	orcErr, ok := err.(*schema.OrcError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidTransition, orcErr.Code)

	got, err := s.GetJob(ctx, cand.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobStateCompleted, got.State)
}

func TestUpdateJob_RejectsInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cand := newJobCandidate("run-1", "key-a")
	_, _, err := s.ReserveOrGetJob(ctx, cand)
	require.NoError(t, err)

	completed := schema.JobStateCompleted
	require.NoError(t, s.UpdateJob(ctx, cand.ID, JobUpdate{State: &completed}))

	pending := schema.JobStatePending
	err = s.UpdateJob(ctx, cand.ID, JobUpdate{State: &pending})
	require.Error(t, err)
}

func TestClaimSubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cand := newJobCandidate("run-1", "key-a")
	_, _, err := s.ReserveOrGetJob(ctx, cand)
	require.NoError(t, err)

	claimed, err := s.ClaimSubmission(ctx, cand.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second claim within the TTL loses.
	claimed, err = s.ClaimSubmission(ctx, cand.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	// After release the claim is up for grabs again.
	require.NoError(t, s.ReleaseSubmission(ctx, cand.ID))
	claimed, err = s.ClaimSubmission(ctx, cand.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimSubmission_StaleClaimReclaimable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cand := newJobCandidate("run-1", "key-a")
	_, _, err := s.ReserveOrGetJob(ctx, cand)
	require.NoError(t, err)

	claimed, err := s.ClaimSubmission(ctx, cand.ID, 5*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	// A claim whose holder crashed mid-submit ages out.
	claimed, err = s.ClaimSubmission(ctx, cand.ID, 0)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimSubmission_BlockedByAttachedHandle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cand := newJobCandidate("run-1", "key-a")
	_, _, err := s.ReserveOrGetJob(ctx, cand)
	require.NoError(t, err)

	handle := "777"
	require.NoError(t, s.UpdateJob(ctx, cand.ID, JobUpdate{ClusterJobID: &handle}))

	claimed, err := s.ClaimSubmission(ctx, cand.ID, 0)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestListJobsByRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, key := range []string{"key-a", "key-b"} {
		cand := newJobCandidate("run-1", key)
		cand.Name = cand.Name + string(rune('a'+i))
		_, _, err := s.ReserveOrGetJob(ctx, cand)
		require.NoError(t, err)
	}
	other := newJobCandidate("run-2", "key-c")
	_, _, err := s.ReserveOrGetJob(ctx, other)
	require.NoError(t, err)

	jobs, err := s.ListJobsByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

// --- Run tests ---

func seedRun(t *testing.T, s *LibSQLStore) *RunState {
	t.Helper()
	now := time.Now().UTC()
	run := &RunState{
		ID:    uuid.New().String(),
		Name:  "assembly-batch",
		Phase: schema.RunPhaseInit,
		Specs: []schema.JobSpec{
			{Name: "assemble-SRR0001", Command: "assemble --input SRR0001", Memory: "8G", ExpectedTime: time.Hour},
		},
		Policy:      &schema.ResubmitPolicy{Name: "resubmit-if-failed", When: `state == "failed"`, Resubmit: true},
		MaxChecks:   100,
		FailFast:    true,
		ResumeAfter: &now,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Name, got.Name)
	assert.Equal(t, schema.RunPhaseInit, got.Phase)
	require.Len(t, got.Specs, 1)
	assert.Equal(t, "assemble-SRR0001", got.Specs[0].Name)
	require.NotNil(t, got.Policy)
	assert.Equal(t, "resubmit-if-failed", got.Policy.Name)
	assert.True(t, got.FailFast)
	require.NotNil(t, got.ResumeAfter)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)
	orcErr, ok := err.(*schema.OrcError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, orcErr.Code)
}

func TestUpdateRun_PhaseAndError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	phase := schema.RunPhaseSubmitting
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Phase: &phase, JobIDs: []string{"job-1"}}))

	phase = schema.RunPhaseWaiting
	checks := 3
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Phase: &phase, CheckCount: &checks}))

	phase = schema.RunPhaseGaveUp
	now := time.Now().UTC()
	failure := schema.NewError(schema.ErrCodeJobFailed, "job assemble-SRR0001 ended failed")
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Phase: &phase, Error: failure, FinishedAt: &now, ClearResumeAfter: true,
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunPhaseGaveUp, got.Phase)
	assert.Equal(t, []string{"job-1"}, got.JobIDs)
	assert.Equal(t, 3, got.CheckCount)
	assert.Nil(t, got.ResumeAfter)
	require.NotNil(t, got.Error)
	assert.Equal(t, schema.ErrCodeJobFailed, got.Error.Code)
	require.NotNil(t, got.FinishedAt)
}

func TestListDueRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	due := seedRun(t, s)
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.UpdateRun(ctx, due.ID, RunUpdate{ResumeAfter: &past}))

	notYet := seedRun(t, s)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.UpdateRun(ctx, notYet.ID, RunUpdate{ResumeAfter: &future}))

	finished := seedRun(t, s)
	phase := schema.RunPhaseSubmitting
	require.NoError(t, s.UpdateRun(ctx, finished.ID, RunUpdate{Phase: &phase}))
	phase = schema.RunPhaseWaiting
	require.NoError(t, s.UpdateRun(ctx, finished.ID, RunUpdate{Phase: &phase}))
	phase = schema.RunPhaseFinished
	require.NoError(t, s.UpdateRun(ctx, finished.ID, RunUpdate{Phase: &phase, ClearResumeAfter: true}))

	runs, err := s.ListDueRuns(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, due.ID, runs[0].ID)
}

func TestUpdateRun_FreshUpdateIsNotStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	// updated_at is bound Go-side; a mixed timestamp format here would make
	// every freshly updated run compare as older than the cutoff.
	checks := 1
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{CheckCount: &checks}))

	runs, err := s.ListStaleRuns(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, runs)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), got.UpdatedAt, time.Minute)
}

func TestListStaleRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := seedRun(t, s)
	fresh := seedRun(t, s)

	// Age the stale run's updated_at past the cutoff.
	old := time.Now().UTC().Add(-3 * time.Hour)
	_, err := s.DB().ExecContext(ctx,
		`UPDATE orchestration_runs SET updated_at = ? WHERE id = ?`, old, stale.ID)
	require.NoError(t, err)

	runs, err := s.ListStaleRuns(ctx, time.Now().UTC().Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, stale.ID, runs[0].ID)
	_ = fresh
}
