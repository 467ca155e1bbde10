package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeSubmission         = "SUBMISSION_ERROR"
	ErrCodeQuery              = "QUERY_ERROR"
	ErrCodePolicyGaveUp       = "POLICY_GAVE_UP"
	ErrCodeJobFailed          = "JOB_FAILED"
	ErrCodeReconcileAmbiguous = "RECONCILE_AMBIGUOUS"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeStore              = "STORE_ERROR"
)

// OrcError is the structured error type for all orchestration operations.
// It carries enough identity (dedup key, cluster job id) for a caller or
// operator to act on without re-querying the store.
type OrcError struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	DedupKey     string         `json:"dedup_key,omitempty"`
	ClusterJobID string         `json:"cluster_job_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Cause        error          `json:"-"`
}

func (e *OrcError) Error() string {
	if e.DedupKey != "" {
		return fmt.Sprintf("[%s] job %s: %s", e.Code, e.DedupKey, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OrcError) Unwrap() error {
	return e.Cause
}

// NewError creates a new OrcError.
func NewError(code, message string) *OrcError {
	return &OrcError{Code: code, Message: message}
}

// NewErrorf creates a new OrcError with a formatted message.
func NewErrorf(code, format string, args ...any) *OrcError {
	return &OrcError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithJob attaches job identity to the error.
func (e *OrcError) WithJob(dedupKey, clusterJobID string) *OrcError {
	e.DedupKey = dedupKey
	e.ClusterJobID = clusterJobID
	return e
}

// WithCause attaches an underlying cause.
func (e *OrcError) WithCause(err error) *OrcError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *OrcError) WithDetails(details map[string]any) *OrcError {
	e.Details = details
	return e
}

// IsRetryable reports whether an error with this code should be retried.
// Transport and storage level failures are retryable; policy and terminal
// job outcomes are not.
func (e *OrcError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeSubmission, ErrCodeQuery, ErrCodeStore:
		return true
	default:
		return false
	}
}
