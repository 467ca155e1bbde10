package schema

// ResubmitPolicy controls whether a spec whose previous identical submission
// already reached a terminal state is submitted again or reuses the stored
// terminal result. When is a boolean expression evaluated against the
// previous record; if it matches, Resubmit decides, otherwise the previous
// result is reused.
type ResubmitPolicy struct {
	Name     string `json:"name" yaml:"name"`
	When     string `json:"when" yaml:"when"`
	Resubmit bool   `json:"resubmit" yaml:"resubmit"`
}

// RunRequest is one orchestration request: a batch of cluster jobs plus the
// per-run policy knobs. This is the document accepted by the CLI and the
// operator API.
type RunRequest struct {
	Name       string          `json:"name" yaml:"name"`
	Batch      BatchSpec       `json:"batch" yaml:"batch"`
	FailFast   *bool           `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
	MaxChecks  int             `json:"max_checks,omitempty" yaml:"max_checks,omitempty"`
	Policy     *ResubmitPolicy `json:"policy,omitempty" yaml:"policy,omitempty"`
	PolicyName string          `json:"policy_name,omitempty" yaml:"policy_name,omitempty"`
}
