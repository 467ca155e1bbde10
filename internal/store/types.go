package store

import (
	"time"

	"github.com/timrozday-mgnify/emgapi-v2/pkg/schema"
)

// JobRecord is the persisted record of one orchestrated cluster job, keyed
// logically by its deduplication key. At most one non-terminal record exists
// per dedup key at any time (enforced by a partial unique index).
type JobRecord struct {
	ID             string          `json:"id"`
	DedupKey       string          `json:"dedup_key"`
	RunID          string          `json:"run_id"`
	Name           string          `json:"name"`
	Command        string          `json:"command"`
	Memory         string          `json:"memory,omitempty"`
	ExpectedTime   time.Duration   `json:"expected_time"`
	ClusterJobID   string          `json:"cluster_job_id,omitempty"`
	State          schema.JobState `json:"state"`
	RawState       string          `json:"raw_state,omitempty"`
	ExitCode       *int            `json:"exit_code,omitempty"`
	CheckCount     int             `json:"check_count"`
	QueryFailures  int             `json:"query_failures"`
	SubmittedAt    *time.Time      `json:"submitted_at,omitempty"`
	StateCheckedAt *time.Time      `json:"state_checked_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EndedAt returns the last observation time of a terminal record, or nil.
func (r *JobRecord) EndedAt() *time.Time {
	if !r.State.IsTerminal() {
		return nil
	}
	return r.StateCheckedAt
}

// RunState is the persisted, resumable state of one orchestration run.
// The controller reconstructs itself from this state alone on every
// resumption; nothing process-local survives a suspension boundary.
type RunState struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Phase       schema.RunPhase        `json:"phase"`
	Specs       []schema.JobSpec       `json:"specs"`
	JobIDs      []string               `json:"job_ids,omitempty"`
	Policy      *schema.ResubmitPolicy `json:"policy,omitempty"`
	CheckCount  int                    `json:"check_count"`
	MaxChecks   int                    `json:"max_checks"`
	FailFast    bool                   `json:"fail_fast"`
	ResumeAfter *time.Time             `json:"resume_after,omitempty"`
	Error       *schema.OrcError       `json:"error,omitempty"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// --- Update types ---

// JobUpdate specifies mutable fields of a job record. Nil fields are left
// unchanged.
type JobUpdate struct {
	State          *schema.JobState `json:"state,omitempty"`
	RawState       *string          `json:"raw_state,omitempty"`
	ClusterJobID   *string          `json:"cluster_job_id,omitempty"`
	ExitCode       *int             `json:"exit_code,omitempty"`
	CheckCount     *int             `json:"check_count,omitempty"`
	QueryFailures  *int             `json:"query_failures,omitempty"`
	SubmittedAt    *time.Time       `json:"submitted_at,omitempty"`
	StateCheckedAt *time.Time       `json:"state_checked_at,omitempty"`
}

// RunUpdate specifies mutable fields of a run state. Nil fields are left
// unchanged. ClearResumeAfter removes the pending resumption schedule.
type RunUpdate struct {
	Phase            *schema.RunPhase `json:"phase,omitempty"`
	JobIDs           []string         `json:"job_ids,omitempty"`
	CheckCount       *int             `json:"check_count,omitempty"`
	ResumeAfter      *time.Time       `json:"resume_after,omitempty"`
	ClearResumeAfter bool             `json:"clear_resume_after,omitempty"`
	Error            *schema.OrcError `json:"error,omitempty"`
	FinishedAt       *time.Time       `json:"finished_at,omitempty"`
}
