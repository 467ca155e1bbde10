// Package cluster is the thin typed wrapper around the batch scheduler.
// It holds no persistent state: submission idempotency is enforced above this
// layer, by the job identity cache.
package cluster

import (
	"context"
	"time"

	"github.com/timrozday-mgnify/emgapi-v2/pkg/schema"
)

// SubmitRequest describes one job submission to the scheduler.
type SubmitRequest struct {
	Name        string
	Command     string
	Memory      string
	TimeLimit   time.Duration
	WorkDir     string
	Environment map[string]string
}

// JobStatus is the scheduler's view of a job, mapped onto the canonical
// lifecycle vocabulary. RawState preserves the scheduler-native state string.
type JobStatus struct {
	RawState string
	State    schema.JobState
	ExitCode *int
}

// Client issues submit / query-status / cancel operations against the batch
// scheduler. Submission is NOT idempotent at this level: the scheduler
// creates a new job on every call.
//
// Status must tolerate transient connectivity failure by returning a
// QUERY_ERROR, never by silently mapping to a terminal state. A job the
// scheduler genuinely no longer knows (e.g. purged by retention) is reported
// as state Unknown with a nil error, which is a different condition from a
// failed query.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Status(ctx context.Context, clusterJobID string) (*JobStatus, error)
	Cancel(ctx context.Context, clusterJobID string) error

	// QueueDepth reports how many of our jobs are currently pending or
	// running on the cluster, for submission admission control.
	QueueDepth(ctx context.Context) (int, error)
}
