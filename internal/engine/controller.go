package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timrozday-mgnify/emgapi-v2/internal/cluster"
	"github.com/timrozday-mgnify/emgapi-v2/internal/logging"
	"github.com/timrozday-mgnify/emgapi-v2/internal/policy"
	"github.com/timrozday-mgnify/emgapi-v2/internal/store"
	"github.com/timrozday-mgnify/emgapi-v2/pkg/schema"
)

// Config holds the controller's tunables.
type Config struct {
	// PreSubmitDelay is waited out before the first submission attempt,
	// giving upstream producers time to settle. Zero skips the delay.
	PreSubmitDelay time.Duration

	// QueueLimit caps how many of our jobs may be pending or running on the
	// cluster before new submissions are held back. Zero disables admission
	// control.
	QueueLimit int

	// SubmitRetryDelay is the suspension interval after a partial
	// submission failure or a failed admission check.
	SubmitRetryDelay time.Duration

	// BaseDelay and MaxDelay bound the exponential polling backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxChecks is the default per-run polling budget when the request does
	// not set one.
	MaxChecks int

	// MaxQueryFailures is how many consecutive failed status queries mark a
	// job Unknown.
	MaxQueryFailures int

	// Concurrency bounds parallel submission and polling within one batch.
	Concurrency int

	// WorkDir and Environment are passed through to every submission.
	WorkDir     string
	Environment map[string]string
}

func (c Config) withDefaults() Config {
	if c.SubmitRetryDelay <= 0 {
		c.SubmitRetryDelay = time.Minute
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Minute
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Hour
	}
	if c.MaxChecks <= 0 {
		c.MaxChecks = 1000
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return c
}

// OutcomeKind classifies what a single controller step produced.
type OutcomeKind string

const (
	// OutcomeSuspended means the run persisted its state and scheduled a
	// future resumption; nothing is left in memory.
	OutcomeSuspended OutcomeKind = "suspended"
	OutcomeFinished  OutcomeKind = "finished"
	OutcomeGaveUp    OutcomeKind = "gave_up"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the result of one controller step.
type Outcome struct {
	Kind        OutcomeKind
	ResumeAfter time.Time
	Records     []*store.JobRecord
	Err         *schema.OrcError
}

// submissionClaimTTL is how long an unfinished submission claim blocks other
// workers before it is treated as abandoned (crashed mid-submit).
const submissionClaimTTL = 5 * time.Minute

// Controller drives orchestration runs as a resumable state machine. Each
// Step performs the work of exactly one resumption: it loads the persisted
// RunState, advances it as far as it can without waiting, and either reaches
// a terminal phase or suspends again. No controller state survives between
// steps, so any process holding the store can resume any run.
type Controller struct {
	store    store.Store
	cluster  cluster.Client
	host     Host
	checker  *Checker
	policies *policy.Engine
	cfg      Config
	logger   *slog.Logger
}

// NewController wires a controller.
func NewController(s store.Store, c cluster.Client, host Host, policies *policy.Engine, cfg Config, logger *slog.Logger) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		store:    s,
		cluster:  c,
		host:     host,
		checker:  NewChecker(s, c, cfg.MaxQueryFailures, logger),
		policies: policies,
		cfg:      cfg,
		logger:   logger,
	}
}

// StartRun validates and persists a new run in phase init, due immediately.
// It does not perform any cluster work itself; the first Step does.
func (c *Controller) StartRun(ctx context.Context, req *schema.RunRequest) (*store.RunState, error) {
	if req.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "run request has no name")
	}
	specs, err := req.Batch.Render()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]string, len(specs))
	for _, spec := range specs {
		key := spec.DedupKey()
		if other, dup := seen[key]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"bindings %q and %q render the same job", other, spec.Name).WithJob(key, "")
		}
		seen[key] = spec.Name
	}

	pol, err := c.resolvePolicy(req)
	if err != nil {
		return nil, err
	}

	failFast := true
	if req.FailFast != nil {
		failFast = *req.FailFast
	}
	maxChecks := req.MaxChecks
	if maxChecks <= 0 {
		maxChecks = c.cfg.MaxChecks
	}

	now := time.Now().UTC()
	run := &store.RunState{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Phase:       schema.RunPhaseInit,
		Specs:       specs,
		Policy:      &pol,
		MaxChecks:   maxChecks,
		FailFast:    failFast,
		ResumeAfter: &now,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	c.logger.InfoContext(logging.WithRunID(ctx, run.ID), "run created",
		slog.String("name", run.Name),
		slog.Int("jobs", len(specs)),
		slog.String("policy", pol.Name),
	)
	return run, nil
}

func (c *Controller) resolvePolicy(req *schema.RunRequest) (schema.ResubmitPolicy, error) {
	if req.Policy != nil {
		if req.Policy.When == "" {
			return schema.ResubmitPolicy{}, schema.NewError(schema.ErrCodeValidation, "inline policy has no expression")
		}
		return *req.Policy, nil
	}
	if req.PolicyName != "" {
		pol, ok := policy.BuiltinPolicy(req.PolicyName)
		if !ok {
			return schema.ResubmitPolicy{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown policy %q", req.PolicyName)
		}
		return pol, nil
	}
	return policy.ResubmitIfFailed, nil
}

// Step advances a run by one resumption. Stepping a terminal run is an
// idempotent no-op that reports the stored outcome.
func (c *Controller) Step(ctx context.Context, runID string) (*Outcome, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, run.ID)

	switch run.Phase {
	case schema.RunPhaseInit:
		return c.stepInit(ctx, run)
	case schema.RunPhaseDelaying:
		return c.stepDelaying(ctx, run)
	case schema.RunPhaseSubmitting:
		return c.stepSubmitting(ctx, run)
	case schema.RunPhaseWaiting:
		return c.stepWaiting(ctx, run)
	case schema.RunPhaseFinished:
		records, err := c.loadRecords(ctx, run)
		if err != nil {
			return nil, err
		}
		return &Outcome{Kind: OutcomeFinished, Records: records}, nil
	case schema.RunPhaseGaveUp:
		records, err := c.loadRecords(ctx, run)
		if err != nil {
			return nil, err
		}
		return &Outcome{Kind: OutcomeGaveUp, Records: records, Err: run.Error}, nil
	case schema.RunPhaseCancelled:
		return &Outcome{Kind: OutcomeCancelled, Err: run.Error}, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeStore, "run %s in unknown phase %q", run.ID, run.Phase)
}

func (c *Controller) stepInit(ctx context.Context, run *store.RunState) (*Outcome, error) {
	if c.cfg.PreSubmitDelay > 0 {
		if err := c.transition(ctx, run, schema.RunPhaseDelaying); err != nil {
			return nil, err
		}
		return c.suspend(ctx, run, time.Now().UTC().Add(c.cfg.PreSubmitDelay))
	}
	if c.cfg.QueueLimit > 0 {
		if err := c.transition(ctx, run, schema.RunPhaseDelaying); err != nil {
			return nil, err
		}
		return c.stepDelaying(ctx, run)
	}
	if err := c.transition(ctx, run, schema.RunPhaseSubmitting); err != nil {
		return nil, err
	}
	return c.stepSubmitting(ctx, run)
}

// stepDelaying performs the admission check: if the cluster already holds too
// many of our jobs, the run stays in delaying and tries again later.
func (c *Controller) stepDelaying(ctx context.Context, run *store.RunState) (*Outcome, error) {
	if c.cfg.QueueLimit > 0 {
		depth, err := c.cluster.QueueDepth(ctx)
		if err != nil {
			c.logger.WarnContext(ctx, "queue depth query failed, holding submission",
				slog.String("error", err.Error()))
			return c.suspend(ctx, run, time.Now().UTC().Add(c.cfg.SubmitRetryDelay))
		}
		if depth >= c.cfg.QueueLimit {
			c.logger.InfoContext(ctx, "cluster queue full, holding submission",
				slog.Int("depth", depth),
				slog.Int("limit", c.cfg.QueueLimit),
			)
			return c.suspend(ctx, run, time.Now().UTC().Add(c.cfg.SubmitRetryDelay))
		}
	}
	if err := c.transition(ctx, run, schema.RunPhaseSubmitting); err != nil {
		return nil, err
	}
	return c.stepSubmitting(ctx, run)
}

// stepSubmitting reserves and submits every spec of the batch in parallel.
// Each spec goes through the identity cache first, so re-entering this phase
// after a partial failure only submits the specs that are still missing.
func (c *Controller) stepSubmitting(ctx context.Context, run *store.RunState) (*Outcome, error) {
	records := make([]*store.JobRecord, len(run.Specs))
	errs := make([]error, len(run.Specs))

	pool := NewWorkerPool(c.cfg.Concurrency)
	var mu sync.Mutex
	for i := range run.Specs {
		i := i
		spec := run.Specs[i]
		err := pool.Submit(ctx, func(ctx context.Context) {
			rec, err := c.ensureSubmitted(ctx, run, &spec)
			mu.Lock()
			records[i], errs[i] = rec, err
			mu.Unlock()
		})
		if err != nil {
			errs[i] = err
		}
	}
	pool.Shutdown()

	jobIDs := make([]string, 0, len(records))
	var firstErr error
	for i, rec := range records {
		if errs[i] != nil && firstErr == nil {
			firstErr = errs[i]
		}
		if rec != nil {
			jobIDs = append(jobIDs, rec.ID)
		}
	}

	// Persist whatever was reserved so far; on retry the identity cache
	// reattaches to these records instead of creating new ones.
	if err := c.store.UpdateRun(ctx, run.ID, store.RunUpdate{JobIDs: jobIDs}); err != nil {
		return nil, err
	}
	run.JobIDs = jobIDs

	if firstErr != nil {
		// A broken policy expression or invalid spec will not improve on
		// retry; conclude the run instead of resubmitting forever.
		var oe *schema.OrcError
		if errors.As(firstErr, &oe) && !oe.IsRetryable() {
			kept := make([]*store.JobRecord, 0, len(records))
			for _, rec := range records {
				if rec != nil {
					kept = append(kept, rec)
				}
			}
			return c.giveUp(ctx, run, kept, oe)
		}
		c.logger.WarnContext(ctx, "batch submission incomplete, will retry",
			slog.Int("reserved", len(jobIDs)),
			slog.Int("total", len(run.Specs)),
			slog.String("error", firstErr.Error()),
		)
		return c.suspend(ctx, run, time.Now().UTC().Add(c.cfg.SubmitRetryDelay))
	}

	if err := c.transition(ctx, run, schema.RunPhaseWaiting); err != nil {
		return nil, err
	}
	delay := NextDelay(c.expectedHint(run), c.cfg.BaseDelay, c.cfg.MaxDelay, 0)
	c.logger.InfoContext(ctx, "batch submitted",
		slog.Int("jobs", len(jobIDs)),
		slog.Duration("first_check_in", delay),
	)
	return c.suspend(ctx, run, time.Now().UTC().Add(delay))
}

// ensureSubmitted drives one spec through the identity cache to a record
// attached to an external job, or to a reused terminal record.
func (c *Controller) ensureSubmitted(ctx context.Context, run *store.RunState, spec *schema.JobSpec) (*store.JobRecord, error) {
	key := spec.DedupKey()
	ctx = logging.WithDedupKey(ctx, key)

	rec, err := c.store.GetLiveJobByKey(ctx, key)
	if err != nil {
		if !isNotFoundErr(err) {
			return nil, err
		}
		// No live record. Consult the resubmission policy against the most
		// recent terminal record, if any.
		prev, err := c.store.LatestTerminalJobByKey(ctx, key)
		if err != nil && !isNotFoundErr(err) {
			return nil, err
		}
		pol := policy.ResubmitIfFailed
		if run.Policy != nil {
			pol = *run.Policy
		}
		resubmit, err := c.policies.ShouldResubmit(pol, prev, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if prev != nil && !resubmit {
			c.logger.InfoContext(ctx, "reusing previous terminal job",
				slog.String("state", string(prev.State)),
				slog.String("policy", pol.Name),
			)
			return prev, nil
		}

		candidate := &store.JobRecord{
			ID:           uuid.New().String(),
			DedupKey:     key,
			RunID:        run.ID,
			Name:         spec.Name,
			Command:      spec.Command,
			Memory:       spec.Memory,
			ExpectedTime: spec.ExpectedTime,
			State:        schema.JobStatePending,
		}
		created, isNew, err := c.store.ReserveOrGetJob(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if !isNew {
			c.logger.InfoContext(ctx, "reattached to concurrently reserved job",
				slog.String("owner_run_id", created.RunID))
		}
		rec = created
	} else if rec.RunID != run.ID {
		c.logger.InfoContext(ctx, "reattached to live job owned by another run",
			slog.String("owner_run_id", rec.RunID))
	}

	if rec.State.IsTerminal() || rec.ClusterJobID != "" {
		return rec, nil
	}

	// Reserved but not yet attached to an external job. Claim the
	// submission so concurrent runs sharing this record do not double
	// submit; losing the claim just means someone else is on it.
	claimed, err := c.store.ClaimSubmission(ctx, rec.ID, submissionClaimTTL)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return rec, nil
	}

	handle, err := c.cluster.Submit(ctx, cluster.SubmitRequest{
		Name:        spec.Name,
		Command:     spec.Command,
		Memory:      spec.Memory,
		TimeLimit:   spec.ExpectedTime,
		WorkDir:     c.cfg.WorkDir,
		Environment: c.cfg.Environment,
	})
	if err != nil {
		if relErr := c.store.ReleaseSubmission(ctx, rec.ID); relErr != nil {
			c.logger.ErrorContext(ctx, "failed to release submission claim",
				slog.String("error", relErr.Error()))
		}
		return rec, schema.NewErrorf(schema.ErrCodeSubmission,
			"submit %s: %s", spec.String(), err.Error()).WithJob(key, "").WithCause(err)
	}

	now := time.Now().UTC()
	update := store.JobUpdate{ClusterJobID: &handle, SubmittedAt: &now}
	if err := c.store.UpdateJob(ctx, rec.ID, update); err != nil {
		return nil, err
	}
	c.logger.InfoContext(logging.WithClusterJobID(ctx, handle), "cluster job submitted",
		slog.String("name", spec.Name))
	return c.store.GetJob(ctx, rec.ID)
}

// stepWaiting polls all live records once, classifies the batch, and either
// concludes the run or suspends until the next check.
func (c *Controller) stepWaiting(ctx context.Context, run *store.RunState) (*Outcome, error) {
	records, err := c.loadRecords(ctx, run)
	if err != nil {
		return nil, err
	}

	pool := NewWorkerPool(c.cfg.Concurrency)
	var mu sync.Mutex
	var checkErr error
	for i := range records {
		i := i
		rec := records[i]
		if rec.State.IsTerminal() {
			continue
		}
		err := pool.Submit(ctx, func(ctx context.Context) {
			checked, err := c.checker.Check(ctx, rec)
			mu.Lock()
			if err != nil && checkErr == nil {
				checkErr = err
			}
			if checked != nil {
				records[i] = checked
			}
			mu.Unlock()
		})
		if err != nil && checkErr == nil {
			checkErr = err
		}
	}
	pool.Shutdown()
	if checkErr != nil {
		return nil, checkErr
	}

	allTerminal := true
	allCompleted := true
	var failed *store.JobRecord
	for _, rec := range records {
		if !rec.State.IsTerminal() {
			allTerminal = false
			allCompleted = false
			continue
		}
		if rec.State != schema.JobStateCompleted {
			allCompleted = false
			if failed == nil {
				failed = rec
			}
		}
	}

	if run.FailFast && failed != nil {
		return c.giveUp(ctx, run, records, jobFailedError(failed))
	}
	if allTerminal {
		if allCompleted {
			return c.finish(ctx, run, records)
		}
		return c.giveUp(ctx, run, records, jobFailedError(failed))
	}

	checks := run.CheckCount + 1
	if checks > run.MaxChecks {
		pending := 0
		for _, rec := range records {
			if !rec.State.IsTerminal() {
				pending++
			}
		}
		err := schema.NewErrorf(schema.ErrCodePolicyGaveUp,
			"run exceeded its check budget of %d with %d jobs unfinished", run.MaxChecks, pending)
		return c.giveUp(ctx, run, records, err)
	}
	if err := c.store.UpdateRun(ctx, run.ID, store.RunUpdate{CheckCount: &checks}); err != nil {
		return nil, err
	}
	run.CheckCount = checks

	delay := NextDelay(c.expectedHint(run), c.cfg.BaseDelay, c.cfg.MaxDelay, checks)
	return c.suspend(ctx, run, time.Now().UTC().Add(delay))
}

// CancelRun cancels a run. With cascade, non-terminal cluster jobs owned by
// this run are cancelled on the scheduler too; jobs the run merely reattached
// to (owned by another run) are left alone.
func (c *Controller) CancelRun(ctx context.Context, runID string, cascade bool) (*Outcome, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, run.ID)

	if run.Phase == schema.RunPhaseCancelled {
		return &Outcome{Kind: OutcomeCancelled, Err: run.Error}, nil
	}
	if run.Phase.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s already concluded as %s", run.ID, run.Phase)
	}

	records, err := c.loadRecords(ctx, run)
	if err != nil {
		return nil, err
	}
	if cascade {
		for _, rec := range records {
			if rec.RunID != run.ID || rec.State.IsTerminal() {
				continue
			}
			if rec.ClusterJobID != "" {
				if err := c.cluster.Cancel(ctx, rec.ClusterJobID); err != nil {
					c.logger.WarnContext(ctx, "scheduler cancel failed",
						slog.String("cluster_job_id", rec.ClusterJobID),
						slog.String("error", err.Error()),
					)
				}
			}
			cancelled := schema.JobStateCancelled
			if err := c.store.UpdateJob(ctx, rec.ID, store.JobUpdate{State: &cancelled}); err != nil {
				return nil, err
			}
		}
	}

	now := time.Now().UTC()
	phase := schema.RunPhaseCancelled
	cancelErr := schema.NewErrorf(schema.ErrCodeCancelled, "run %s cancelled", run.ID)
	update := store.RunUpdate{
		Phase:            &phase,
		Error:            cancelErr,
		FinishedAt:       &now,
		ClearResumeAfter: true,
	}
	if err := c.store.UpdateRun(ctx, run.ID, update); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "run cancelled", slog.Bool("cascade", cascade))
	return &Outcome{Kind: OutcomeCancelled, Records: records, Err: cancelErr}, nil
}

// --- helpers ---

func (c *Controller) transition(ctx context.Context, run *store.RunState, to schema.RunPhase) error {
	if !schema.IsValidRunTransition(run.Phase, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s cannot move from %s to %s", run.ID, run.Phase, to)
	}
	if err := c.store.UpdateRun(ctx, run.ID, store.RunUpdate{Phase: &to}); err != nil {
		return err
	}
	run.Phase = to
	return nil
}

func (c *Controller) suspend(ctx context.Context, run *store.RunState, at time.Time) (*Outcome, error) {
	if err := c.host.ScheduleResume(ctx, run.ID, at); err != nil {
		return nil, err
	}
	c.logger.DebugContext(ctx, "run suspended",
		slog.String("phase", string(run.Phase)),
		slog.Time("resume_after", at),
	)
	return &Outcome{Kind: OutcomeSuspended, ResumeAfter: at}, nil
}

func (c *Controller) finish(ctx context.Context, run *store.RunState, records []*store.JobRecord) (*Outcome, error) {
	now := time.Now().UTC()
	phase := schema.RunPhaseFinished
	update := store.RunUpdate{Phase: &phase, FinishedAt: &now, ClearResumeAfter: true}
	if err := c.store.UpdateRun(ctx, run.ID, update); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "run finished",
		slog.Int("jobs", len(records)),
		slog.Int("checks", run.CheckCount),
	)
	return &Outcome{Kind: OutcomeFinished, Records: records}, nil
}

func (c *Controller) giveUp(ctx context.Context, run *store.RunState, records []*store.JobRecord, cause *schema.OrcError) (*Outcome, error) {
	now := time.Now().UTC()
	phase := schema.RunPhaseGaveUp
	update := store.RunUpdate{Phase: &phase, Error: cause, FinishedAt: &now, ClearResumeAfter: true}
	if err := c.store.UpdateRun(ctx, run.ID, update); err != nil {
		return nil, err
	}
	c.logger.WarnContext(ctx, "run gave up", slog.String("error", cause.Error()))
	return &Outcome{Kind: OutcomeGaveUp, Records: records, Err: cause}, nil
}

// loadRecords resolves the run's job records in spec order.
func (c *Controller) loadRecords(ctx context.Context, run *store.RunState) ([]*store.JobRecord, error) {
	records := make([]*store.JobRecord, 0, len(run.JobIDs))
	for _, id := range run.JobIDs {
		rec, err := c.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// expectedHint is the longest expected duration in the batch: the whole batch
// is only done once its slowest job is.
func (c *Controller) expectedHint(run *store.RunState) time.Duration {
	var hint time.Duration
	for _, spec := range run.Specs {
		if spec.ExpectedTime > hint {
			hint = spec.ExpectedTime
		}
	}
	return hint
}

func jobFailedError(rec *store.JobRecord) *schema.OrcError {
	exitCode := -1
	if rec.ExitCode != nil {
		exitCode = *rec.ExitCode
	}
	return schema.NewErrorf(schema.ErrCodeJobFailed,
		"job %s ended %s", rec.Name, rec.State).
		WithJob(rec.DedupKey, rec.ClusterJobID).
		WithDetails(map[string]any{
			"raw_state": rec.RawState,
			"exit_code": exitCode,
		})
}

func isNotFoundErr(err error) bool {
	var oe *schema.OrcError
	if errors.As(err, &oe) {
		return oe.Code == schema.ErrCodeNotFound
	}
	return false
}
