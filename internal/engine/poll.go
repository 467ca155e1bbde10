package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/timrozday-mgnify/emgapi-v2/internal/cluster"
	"github.com/timrozday-mgnify/emgapi-v2/internal/logging"
	"github.com/timrozday-mgnify/emgapi-v2/internal/store"
	"github.com/timrozday-mgnify/emgapi-v2/pkg/schema"
)

// Checker is the poll engine: it queries the scheduler for a job's state and
// persists the observation. It is stateless between calls: all retry and
// backoff bookkeeping lives in the persisted JobRecord, so the schedule
// survives process restarts.
type Checker struct {
	store            store.Store
	cluster          cluster.Client
	maxQueryFailures int
	logger           *slog.Logger
}

// NewChecker creates a poll engine. maxQueryFailures is the number of
// consecutive failed status queries after which a job is marked Unknown.
func NewChecker(s store.Store, c cluster.Client, maxQueryFailures int, logger *slog.Logger) *Checker {
	if maxQueryFailures <= 0 {
		maxQueryFailures = 5
	}
	return &Checker{store: s, cluster: c, maxQueryFailures: maxQueryFailures, logger: logger}
}

// Check queries the scheduler for the record's current state and persists
// it. Calling Check on a terminal record is an idempotent no-op.
//
// A failed status query is never conflated with a job failure: it bumps the
// persisted failure counter, and only after maxQueryFailures consecutive
// failures is the record marked Unknown, a recoverable state surfaced as a
// warning, not Failed. The returned error is reserved for storage problems.
func (c *Checker) Check(ctx context.Context, rec *store.JobRecord) (*store.JobRecord, error) {
	if rec.State.IsTerminal() {
		return rec, nil
	}
	if rec.ClusterJobID == "" {
		// Reserved but never attached to an external job; nothing to poll.
		return rec, nil
	}

	ctx = logging.WithDedupKey(logging.WithClusterJobID(ctx, rec.ClusterJobID), rec.DedupKey)
	now := time.Now().UTC()

	st, qerr := c.cluster.Status(ctx, rec.ClusterJobID)
	if qerr != nil {
		failures := rec.QueryFailures + 1
		update := store.JobUpdate{QueryFailures: &failures, StateCheckedAt: &now}

		if failures >= c.maxQueryFailures {
			unknown := schema.JobStateUnknown
			raw := cluster.SlurmStateUnknown
			update.State = &unknown
			update.RawState = &raw
			c.logger.WarnContext(ctx, "job state unknown after repeated query failures",
				slog.Int("failures", failures),
				slog.String("error", qerr.Error()),
			)
		} else {
			c.logger.WarnContext(ctx, "job status query failed",
				slog.Int("failures", failures),
				slog.String("error", qerr.Error()),
			)
		}

		if err := c.store.UpdateJob(ctx, rec.ID, update); err != nil {
			return nil, err
		}
		return c.store.GetJob(ctx, rec.ID)
	}

	checks := rec.CheckCount + 1
	zero := 0
	update := store.JobUpdate{
		CheckCount:     &checks,
		QueryFailures:  &zero,
		StateCheckedAt: &now,
		RawState:       &st.RawState,
	}
	if schema.IsValidJobTransition(rec.State, st.State) {
		update.State = &st.State
	} else {
		c.logger.WarnContext(ctx, "scheduler reported invalid state transition, keeping last known state",
			slog.String("from", string(rec.State)),
			slog.String("to", string(st.State)),
		)
	}
	if st.ExitCode != nil {
		update.ExitCode = st.ExitCode
	}

	if err := c.store.UpdateJob(ctx, rec.ID, update); err != nil {
		return nil, err
	}
	return c.store.GetJob(ctx, rec.ID)
}
