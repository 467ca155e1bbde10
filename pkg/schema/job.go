package schema

// JobState is the canonical lifecycle state of an orchestrated cluster job.
// Pending -> Running -> {Completed, Failed, Cancelled} monotonically.
// Unknown is a recoverable transient state (scheduler unreachable, or the
// scheduler no longer knows the job handle), not a terminal one.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
	JobStateUnknown   JobState = "unknown"
)

// IsTerminal reports whether the state admits no further transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// ValidJobTransitions defines the allowed lifecycle transitions.
// Self-transitions are always allowed (re-observing the same state is a no-op).
var ValidJobTransitions = map[JobState][]JobState{
	JobStatePending:   {JobStateRunning, JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateUnknown},
	JobStateRunning:   {JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateUnknown},
	JobStateUnknown:   {JobStatePending, JobStateRunning, JobStateCompleted, JobStateFailed, JobStateCancelled},
	JobStateCompleted: {},
	JobStateFailed:    {},
	JobStateCancelled: {},
}

// IsValidJobTransition reports whether from -> to is an allowed transition.
func IsValidJobTransition(from, to JobState) bool {
	if from == to {
		return true
	}
	for _, a := range ValidJobTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// RunPhase is the phase of one orchestration run (one controller invocation
// chain across suspensions).
type RunPhase string

const (
	RunPhaseInit       RunPhase = "init"
	RunPhaseDelaying   RunPhase = "delaying"
	RunPhaseSubmitting RunPhase = "submitting"
	RunPhaseWaiting    RunPhase = "waiting"
	RunPhaseFinished   RunPhase = "finished"
	RunPhaseGaveUp     RunPhase = "gave_up"
	RunPhaseCancelled  RunPhase = "cancelled"
)

// IsTerminal reports whether the run phase admits no further transitions.
func (p RunPhase) IsTerminal() bool {
	switch p {
	case RunPhaseFinished, RunPhaseGaveUp, RunPhaseCancelled:
		return true
	}
	return false
}

// ValidRunTransitions defines the allowed phase transitions for a run.
var ValidRunTransitions = map[RunPhase][]RunPhase{
	RunPhaseInit:       {RunPhaseDelaying, RunPhaseSubmitting, RunPhaseCancelled},
	RunPhaseDelaying:   {RunPhaseDelaying, RunPhaseSubmitting, RunPhaseCancelled},
	RunPhaseSubmitting: {RunPhaseSubmitting, RunPhaseWaiting, RunPhaseGaveUp, RunPhaseCancelled},
	RunPhaseWaiting:    {RunPhaseWaiting, RunPhaseFinished, RunPhaseGaveUp, RunPhaseCancelled},
	RunPhaseFinished:   {},
	RunPhaseGaveUp:     {},
	RunPhaseCancelled:  {},
}

// IsValidRunTransition reports whether from -> to is an allowed phase change.
func IsValidRunTransition(from, to RunPhase) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
