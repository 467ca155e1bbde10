package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use from multiple
// processes: ReserveOrGetJob in particular must serialize on the
// deduplication key at the storage level, not with in-process locks.
type Store interface {
	// Jobs
	ReserveOrGetJob(ctx context.Context, candidate *JobRecord) (*JobRecord, bool, error)
	GetJob(ctx context.Context, id string) (*JobRecord, error)
	GetLiveJobByKey(ctx context.Context, dedupKey string) (*JobRecord, error)
	LatestTerminalJobByKey(ctx context.Context, dedupKey string) (*JobRecord, error)
	UpdateJob(ctx context.Context, id string, update JobUpdate) error
	ListJobsByRun(ctx context.Context, runID string) ([]*JobRecord, error)

	// Submission claim: at most one caller at a time may be submitting the
	// external job for a reserved record. A claim older than staleAfter with
	// no attached handle is considered abandoned and may be re-claimed.
	ClaimSubmission(ctx context.Context, id string, staleAfter time.Duration) (bool, error)
	ReleaseSubmission(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *RunState) error
	GetRun(ctx context.Context, id string) (*RunState, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListDueRuns(ctx context.Context, now time.Time) ([]*RunState, error)
	ListStaleRuns(ctx context.Context, cutoff time.Time) ([]*RunState, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
