// Package reconcile repairs zombie runs: runs whose controlling process died
// mid-flight, leaving persisted state behind with no scheduled resumption.
// The reconciler reconnects that state to reality by asking the scheduler
// directly, then hands repaired runs back to the normal resumption loop.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/timrozday-mgnify/emgapi-v2/internal/cluster"
	"github.com/timrozday-mgnify/emgapi-v2/internal/logging"
	"github.com/timrozday-mgnify/emgapi-v2/internal/store"
	"github.com/timrozday-mgnify/emgapi-v2/pkg/schema"
)

// Ambiguity is a record the reconciler could not safely repair. Runs with
// ambiguous records are never auto-resumed; an operator has to look.
type Ambiguity struct {
	RunID        string `json:"run_id"`
	JobID        string `json:"job_id"`
	DedupKey     string `json:"dedup_key"`
	ClusterJobID string `json:"cluster_job_id,omitempty"`
	Reason       string `json:"reason"`
}

// Err renders the ambiguity as a structured orchestration error.
func (a Ambiguity) Err() *schema.OrcError {
	return schema.NewError(schema.ErrCodeReconcileAmbiguous, a.Reason).
		WithJob(a.DedupKey, a.ClusterJobID)
}

// Report summarizes one reconciliation sweep.
type Report struct {
	Checked   int         `json:"checked"`
	Repaired  []string    `json:"repaired,omitempty"`
	Skipped   int         `json:"skipped"`
	Ambiguous []Ambiguity `json:"ambiguous,omitempty"`
}

// Reconciler scans for stalled runs and repairs them.
type Reconciler struct {
	store     store.Store
	cluster   cluster.Client
	tolerance time.Duration
	logger    *slog.Logger
}

// NewReconciler creates a reconciler. tolerance is how long a non-terminal
// run may sit without progress before it is treated as a zombie; it must
// comfortably exceed the longest legitimate suspension interval, or healthy
// suspended runs get swept up.
func NewReconciler(s store.Store, c cluster.Client, tolerance time.Duration, logger *slog.Logger) *Reconciler {
	if tolerance <= 0 {
		tolerance = 2 * time.Hour
	}
	return &Reconciler{store: s, cluster: c, tolerance: tolerance, logger: logger}
}

// Reconcile runs one sweep: it finds runs that have not progressed within the
// tolerance window, re-checks each one's liveness immediately before
// touching it, queries the scheduler directly for every live job, persists
// what it learns, and reschedules repaired runs for immediate resumption.
//
// Errors from individual runs do not abort the sweep; only a failing store
// scan does.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	cutoff := time.Now().UTC().Add(-r.tolerance)
	candidates, err := r.store.ListStaleRuns(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	report := &Report{Checked: len(candidates)}
	for _, stale := range candidates {
		runCtx := logging.WithRunID(ctx, stale.ID)

		// The candidate list can be minutes old by the time we get here.
		// Re-read the run and skip it if it has progressed in the meantime:
		// a live controller may have resumed it already.
		run, err := r.store.GetRun(runCtx, stale.ID)
		if err != nil {
			r.logger.WarnContext(runCtx, "reconcile: run vanished mid-sweep",
				slog.String("error", err.Error()))
			report.Skipped++
			continue
		}
		if run.Phase.IsTerminal() || run.UpdatedAt.After(cutoff) {
			report.Skipped++
			continue
		}
		if run.ResumeAfter != nil && run.ResumeAfter.After(time.Now().UTC()) {
			// Legitimately suspended with a future resumption; not a zombie.
			report.Skipped++
			continue
		}

		ambiguities := r.repairRun(runCtx, run)
		if len(ambiguities) > 0 {
			report.Ambiguous = append(report.Ambiguous, ambiguities...)
			for _, amb := range ambiguities {
				r.logger.WarnContext(runCtx, "reconcile: run left suspended, manual attention needed",
					slog.String("error", amb.Err().Error()))
			}
			continue
		}

		now := time.Now().UTC()
		if err := r.store.UpdateRun(runCtx, run.ID, store.RunUpdate{ResumeAfter: &now}); err != nil {
			r.logger.ErrorContext(runCtx, "reconcile: failed to reschedule run",
				slog.String("error", err.Error()))
			continue
		}
		report.Repaired = append(report.Repaired, run.ID)
		r.logger.InfoContext(runCtx, "reconcile: run rescheduled",
			slog.String("phase", string(run.Phase)))
	}
	return report, nil
}

// repairRun reconnects each of the run's live job records to the scheduler's
// view. It returns the records it could not safely repair.
func (r *Reconciler) repairRun(ctx context.Context, run *store.RunState) []Ambiguity {
	var ambiguities []Ambiguity
	for _, id := range run.JobIDs {
		rec, err := r.store.GetJob(ctx, id)
		if err != nil {
			ambiguities = append(ambiguities, Ambiguity{
				RunID: run.ID, JobID: id, Reason: "job record unreadable: " + err.Error(),
			})
			continue
		}
		if rec.State.IsTerminal() {
			continue
		}
		if rec.ClusterJobID == "" {
			// Reserved but never submitted; the controller's submitting
			// phase handles this on resumption.
			continue
		}
		if amb := r.repairRecord(ctx, run, rec); amb != nil {
			ambiguities = append(ambiguities, *amb)
		}
	}
	return ambiguities
}

func (r *Reconciler) repairRecord(ctx context.Context, run *store.RunState, rec *store.JobRecord) *Ambiguity {
	ctx = logging.WithDedupKey(logging.WithClusterJobID(ctx, rec.ClusterJobID), rec.DedupKey)

	// Ask the scheduler directly. A cached or stale answer here could
	// resurrect a run around a job that no longer exists.
	st, err := r.cluster.Status(ctx, rec.ClusterJobID)
	if err != nil {
		return &Ambiguity{
			RunID: run.ID, JobID: rec.ID, DedupKey: rec.DedupKey,
			ClusterJobID: rec.ClusterJobID,
			Reason:       "status query failed: " + err.Error(),
		}
	}

	now := time.Now().UTC()
	if st.State == schema.JobStateUnknown {
		// The scheduler no longer knows the handle. The job may have been
		// purged after completing or may never have started; guessing
		// either way risks dropping or duplicating work.
		unknown := schema.JobStateUnknown
		update := store.JobUpdate{State: &unknown, RawState: &st.RawState, StateCheckedAt: &now}
		if uerr := r.store.UpdateJob(ctx, rec.ID, update); uerr != nil {
			r.logger.ErrorContext(ctx, "reconcile: failed to mark job unknown",
				slog.String("error", uerr.Error()))
		}
		return &Ambiguity{
			RunID: run.ID, JobID: rec.ID, DedupKey: rec.DedupKey,
			ClusterJobID: rec.ClusterJobID,
			Reason:       "scheduler no longer knows this job",
		}
	}

	update := store.JobUpdate{RawState: &st.RawState, StateCheckedAt: &now}
	if schema.IsValidJobTransition(rec.State, st.State) {
		update.State = &st.State
	}
	if st.ExitCode != nil {
		update.ExitCode = st.ExitCode
	}
	if err := r.store.UpdateJob(ctx, rec.ID, update); err != nil {
		return &Ambiguity{
			RunID: run.ID, JobID: rec.ID, DedupKey: rec.DedupKey,
			ClusterJobID: rec.ClusterJobID,
			Reason:       "persisting observed state failed: " + err.Error(),
		}
	}
	r.logger.InfoContext(ctx, "reconcile: job state reconnected",
		slog.String("state", string(st.State)),
		slog.String("raw_state", st.RawState),
	)
	return nil
}
