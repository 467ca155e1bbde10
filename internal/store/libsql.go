package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/timrozday-mgnify/emgapi-v2/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Jobs ---

const jobColumns = `id, dedup_key, run_id, name, command, memory, expected_time_secs,
	cluster_job_id, state, raw_state, exit_code, check_count, query_failures,
	submitted_at, state_checked_at, created_at, updated_at`

// ReserveOrGetJob atomically either returns the existing non-terminal record
// for the candidate's dedup key, or inserts the candidate as a new Pending
// record and signals the caller to submit (is_new = true).
//
// The serialization point is the partial unique index on dedup_key over
// non-terminal rows: two racing callers (even from distinct processes) cannot
// both insert, and the loser re-reads the winner's row.
func (s *LibSQLStore) ReserveOrGetJob(ctx context.Context, candidate *JobRecord) (*JobRecord, bool, error) {
	if candidate.DedupKey == "" {
		return nil, false, schema.NewError(schema.ErrCodeValidation, "candidate job has no dedup key")
	}

	if existing, err := s.GetLiveJobByKey(ctx, candidate.DedupKey); err == nil {
		return existing, false, nil
	} else if !isNotFound(err) {
		return nil, false, err
	}

	return s.reserveJob(ctx, candidate)
}

// reserveJob inserts the candidate as a new live record. A live row for the
// same dedup key can appear between the caller's pre-read and this insert;
// the unique index turns that race into a constraint violation and the loser
// re-reads the winner's row.
func (s *LibSQLStore) reserveJob(ctx context.Context, candidate *JobRecord) (*JobRecord, bool, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cluster_jobs (id, dedup_key, run_id, name, command, memory, expected_time_secs,
		 cluster_job_id, state, raw_state, exit_code, check_count, query_failures,
		 submitted_at, state_checked_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		candidate.ID, candidate.DedupKey, candidate.RunID, candidate.Name, candidate.Command,
		nullStr(candidate.Memory), int64(candidate.ExpectedTime.Seconds()),
		nullStr(candidate.ClusterJobID), string(candidate.State), nullStr(candidate.RawState),
		nullInt(candidate.ExitCode), candidate.CheckCount, candidate.QueryFailures,
		nullTime(candidate.SubmittedAt), nullTime(candidate.StateCheckedAt), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race: another caller reserved the key first.
			existing, gerr := s.GetLiveJobByKey(ctx, candidate.DedupKey)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, schema.NewErrorf(schema.ErrCodeStore, "reserve job: %s", err.Error()).
			WithJob(candidate.DedupKey, "").WithCause(err)
	}

	reserved := *candidate
	reserved.CreatedAt = now
	reserved.UpdatedAt = now
	return &reserved, true, nil
}

func (s *LibSQLStore) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM cluster_jobs WHERE id = ?`, id)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("job", id)
	}
	return rec, err
}

func (s *LibSQLStore) GetLiveJobByKey(ctx context.Context, dedupKey string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM cluster_jobs
		 WHERE dedup_key = ? AND state NOT IN ('completed', 'failed', 'cancelled')`, dedupKey)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("live job", dedupKey)
	}
	return rec, err
}

func (s *LibSQLStore) LatestTerminalJobByKey(ctx context.Context, dedupKey string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM cluster_jobs
		 WHERE dedup_key = ? AND state IN ('completed', 'failed', 'cancelled')
		 ORDER BY updated_at DESC LIMIT 1`, dedupKey)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("terminal job", dedupKey)
	}
	return rec, err
}

// UpdateJob persists observed state on a job record. Updates to a record
// already in a terminal state are a no-op when the update agrees with the
// stored state (re-polling a completed job is expected), and an
// INVALID_TRANSITION error when it does not.
func (s *LibSQLStore) UpdateJob(ctx context.Context, id string, update JobUpdate) error {
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}

	if current.State.IsTerminal() {
		if update.State == nil || *update.State == current.State {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"job is terminal (%s), cannot move to %s", current.State, *update.State).
			WithJob(current.DedupKey, current.ClusterJobID)
	}
	if update.State != nil && !schema.IsValidJobTransition(current.State, *update.State) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid job transition: %s -> %s", current.State, *update.State).
			WithJob(current.DedupKey, current.ClusterJobID)
	}

	var sets []string
	var args []any

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*update.State))
	}
	if update.RawState != nil {
		sets = append(sets, "raw_state = ?")
		args = append(args, *update.RawState)
	}
	if update.ClusterJobID != nil {
		sets = append(sets, "cluster_job_id = ?")
		args = append(args, *update.ClusterJobID)
	}
	if update.ExitCode != nil {
		sets = append(sets, "exit_code = ?")
		args = append(args, *update.ExitCode)
	}
	if update.CheckCount != nil {
		sets = append(sets, "check_count = ?")
		args = append(args, *update.CheckCount)
	}
	if update.QueryFailures != nil {
		sets = append(sets, "query_failures = ?")
		args = append(args, *update.QueryFailures)
	}
	if update.SubmittedAt != nil {
		sets = append(sets, "submitted_at = ?")
		args = append(args, *update.SubmittedAt)
	}
	if update.StateCheckedAt != nil {
		sets = append(sets, "state_checked_at = ?")
		args = append(args, *update.StateCheckedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	// updated_at is always bound Go-side so its format matches the cutoff
	// values compared in ListStaleRuns and friends.
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE cluster_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "job", id)
}

// ClaimSubmission marks the record as being submitted by setting
// submitted_at, but only if no scheduler handle is attached and no fresh
// claim exists. Returns true if this caller won the claim.
func (s *LibSQLStore) ClaimSubmission(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-staleAfter)
	res, err := s.db.ExecContext(ctx,
		`UPDATE cluster_jobs SET submitted_at = ?, updated_at = ?
		 WHERE id = ? AND cluster_job_id IS NULL
		 AND (submitted_at IS NULL OR submitted_at < ?)`,
		now, now, id, cutoff,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseSubmission abandons a submission claim after a failed submit, so a
// later resumption can try again.
func (s *LibSQLStore) ReleaseSubmission(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cluster_jobs SET submitted_at = NULL, updated_at = ?
		 WHERE id = ? AND cluster_job_id IS NULL`, time.Now().UTC(), id)
	return err
}

func (s *LibSQLStore) ListJobsByRun(ctx context.Context, runID string) ([]*JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM cluster_jobs WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	rec := &JobRecord{}
	var (
		memory, clusterJobID, rawState sql.NullString
		exitCode                       sql.NullInt64
		expectedSecs                   int64
		state                          string
		submittedAt, checkedAt         sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.DedupKey, &rec.RunID, &rec.Name, &rec.Command,
		&memory, &expectedSecs, &clusterJobID, &state, &rawState, &exitCode,
		&rec.CheckCount, &rec.QueryFailures, &submittedAt, &checkedAt,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Memory = memory.String
	rec.ExpectedTime = time.Duration(expectedSecs) * time.Second
	rec.ClusterJobID = clusterJobID.String
	rec.State = schema.JobState(state)
	rec.RawState = rawState.String
	if exitCode.Valid {
		ec := int(exitCode.Int64)
		rec.ExitCode = &ec
	}
	if submittedAt.Valid {
		rec.SubmittedAt = &submittedAt.Time
	}
	if checkedAt.Valid {
		rec.StateCheckedAt = &checkedAt.Time
	}
	return rec, nil
}

// --- Runs ---

const runColumns = `id, name, phase, specs, policy, job_ids, check_count, max_checks, fail_fast,
	resume_after, error, finished_at, created_at, updated_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *RunState) error {
	specs, err := json.Marshal(run.Specs)
	if err != nil {
		return fmt.Errorf("marshal run specs: %w", err)
	}
	policyJSON, err := marshalOrNil(run.Policy)
	if err != nil {
		return fmt.Errorf("marshal run policy: %w", err)
	}
	jobIDs, err := marshalSliceOrNil(run.JobIDs)
	if err != nil {
		return fmt.Errorf("marshal run job_ids: %w", err)
	}
	errJSON, err := marshalErrOrNil(run.Error)
	if err != nil {
		return fmt.Errorf("marshal run error: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orchestration_runs (id, name, phase, specs, policy, job_ids, check_count, max_checks, fail_fast,
		 resume_after, error, finished_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, string(run.Phase), string(specs), policyJSON, jobIDs,
		run.CheckCount, run.MaxChecks, boolInt(run.FailFast),
		nullTime(run.ResumeAfter), errJSON, nullTime(run.FinishedAt),
		timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*RunState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM orchestration_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Phase != nil {
		sets = append(sets, "phase = ?")
		args = append(args, string(*update.Phase))
	}
	if update.JobIDs != nil {
		jobIDs, err := json.Marshal(update.JobIDs)
		if err != nil {
			return fmt.Errorf("marshal job_ids: %w", err)
		}
		sets = append(sets, "job_ids = ?")
		args = append(args, string(jobIDs))
	}
	if update.CheckCount != nil {
		sets = append(sets, "check_count = ?")
		args = append(args, *update.CheckCount)
	}
	if update.ClearResumeAfter {
		sets = append(sets, "resume_after = NULL")
	} else if update.ResumeAfter != nil {
		sets = append(sets, "resume_after = ?")
		args = append(args, *update.ResumeAfter)
	}
	if update.Error != nil {
		errJSON, err := json.Marshal(update.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		sets = append(sets, "error = ?")
		args = append(args, string(errJSON))
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE orchestration_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// ListDueRuns returns non-terminal runs whose resume_after has passed.
func (s *LibSQLStore) ListDueRuns(ctx context.Context, now time.Time) ([]*RunState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM orchestration_runs
		 WHERE phase NOT IN ('finished', 'gave_up', 'cancelled')
		 AND resume_after IS NOT NULL AND resume_after <= ?
		 ORDER BY resume_after ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListStaleRuns returns non-terminal runs that have not progressed since the
// cutoff. These are zombie-reconciliation candidates: their controlling
// process has likely died without scheduling a resumption.
func (s *LibSQLStore) ListStaleRuns(ctx context.Context, cutoff time.Time) ([]*RunState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM orchestration_runs
		 WHERE phase NOT IN ('finished', 'gave_up', 'cancelled')
		 AND updated_at < ?
		 ORDER BY updated_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]*RunState, error) {
	var runs []*RunState
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*RunState, error) {
	run := &RunState{}
	var (
		phase, specsJSON                string
		policyJSON, jobIDsJSON, errJSON sql.NullString
		failFast                        int
		resumeAfter, finishedAt         sql.NullTime
	)
	err := row.Scan(&run.ID, &run.Name, &phase, &specsJSON, &policyJSON, &jobIDsJSON,
		&run.CheckCount, &run.MaxChecks, &failFast,
		&resumeAfter, &errJSON, &finishedAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Phase = schema.RunPhase(phase)
	run.FailFast = failFast != 0
	if err := json.Unmarshal([]byte(specsJSON), &run.Specs); err != nil {
		return nil, fmt.Errorf("unmarshal run specs: %w", err)
	}
	if policyJSON.Valid && policyJSON.String != "" {
		run.Policy = &schema.ResubmitPolicy{}
		if err := json.Unmarshal([]byte(policyJSON.String), run.Policy); err != nil {
			return nil, fmt.Errorf("unmarshal run policy: %w", err)
		}
	}
	if jobIDsJSON.Valid && jobIDsJSON.String != "" {
		if err := json.Unmarshal([]byte(jobIDsJSON.String), &run.JobIDs); err != nil {
			return nil, fmt.Errorf("unmarshal run job_ids: %w", err)
		}
	}
	if errJSON.Valid && errJSON.String != "" {
		run.Error = &schema.OrcError{}
		if err := json.Unmarshal([]byte(errJSON.String), run.Error); err != nil {
			return nil, fmt.Errorf("unmarshal run error: %w", err)
		}
	}
	if resumeAfter.Valid {
		run.ResumeAfter = &resumeAfter.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.OrcError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func isNotFound(err error) bool {
	oe, ok := err.(*schema.OrcError)
	return ok && oe.Code == schema.ErrCodeNotFound
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalSliceOrNil(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalOrNil(v *schema.ResubmitPolicy) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalErrOrNil(e *schema.OrcError) (any, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
