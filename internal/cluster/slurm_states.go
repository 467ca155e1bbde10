package cluster

import "github.com/timrozday-mgnify/emgapi-v2/pkg/schema"

// Slurm job states, as reported by slurmrestd (Slurm v23 vocabulary).
const (
	SlurmStatePending     = "PENDING"
	SlurmStateRunning     = "RUNNING"
	SlurmStateCompleting  = "COMPLETING"
	SlurmStateCompleted   = "COMPLETED"
	SlurmStateFailed      = "FAILED"
	SlurmStateTerminated  = "TERMINATED"
	SlurmStateSuspended   = "SUSPENDED"
	SlurmStateStopped     = "STOPPED"
	SlurmStateTimeout     = "TIMEOUT"
	SlurmStateCancelled   = "CANCELLED"
	SlurmStateOutOfMemory = "OUT_OF_MEMORY"
	SlurmStateUnknown     = "UNKNOWN"
)

// MapSlurmState maps a Slurm-native state onto the canonical lifecycle.
// Unrecognised states map to Unknown rather than Failed: a vocabulary gap
// must never be conflated with a job failure.
func MapSlurmState(raw string) schema.JobState {
	switch raw {
	case SlurmStatePending:
		return schema.JobStatePending
	case SlurmStateRunning, SlurmStateCompleting:
		return schema.JobStateRunning
	case SlurmStateCompleted:
		return schema.JobStateCompleted
	case SlurmStateFailed, SlurmStateTerminated, SlurmStateStopped,
		SlurmStateTimeout, SlurmStateOutOfMemory, SlurmStateSuspended:
		return schema.JobStateFailed
	case SlurmStateCancelled:
		return schema.JobStateCancelled
	default:
		return schema.JobStateUnknown
	}
}
