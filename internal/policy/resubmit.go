// Package policy decides whether a job spec whose previous identical
// submission already reached a terminal state should be submitted again or
// should reuse the stored terminal result.
package policy

import (
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/timrozday-mgnify/emgapi-v2/internal/store"
	"github.com/timrozday-mgnify/emgapi-v2/pkg/schema"
)

// Built-in policies. Live (non-terminal) records are never subject to
// policy: the identity cache always reattaches to them.
var (
	// ResubmitIfFailed resubmits when the previous identical job ended badly.
	ResubmitIfFailed = schema.ResubmitPolicy{
		Name:     "resubmit-if-failed",
		When:     `state == "failed" || state == "cancelled"`,
		Resubmit: true,
	}

	// ResubmitIfEndedOverAWeekAgo resubmits when the previous identical job,
	// whatever its outcome, ended more than a week ago.
	ResubmitIfEndedOverAWeekAgo = schema.ResubmitPolicy{
		Name:     "resubmit-if-ended-over-a-week-ago",
		When:     "ended_seconds_ago > 7 * 24 * 3600",
		Resubmit: true,
	}

	// ResubmitAlways ignores any previous jobs.
	ResubmitAlways = schema.ResubmitPolicy{
		Name:     "resubmit-always",
		When:     "true",
		Resubmit: true,
	}

	// NeverResubmit reuses any previous identical job's result.
	NeverResubmit = schema.ResubmitPolicy{
		Name:     "never-resubmit",
		When:     "true",
		Resubmit: false,
	}
)

// BuiltinPolicy resolves a built-in policy by name.
func BuiltinPolicy(name string) (schema.ResubmitPolicy, bool) {
	for _, p := range []schema.ResubmitPolicy{ResubmitIfFailed, ResubmitIfEndedOverAWeekAgo, ResubmitAlways, NeverResubmit} {
		if p.Name == name {
			return p, true
		}
	}
	return schema.ResubmitPolicy{}, false
}

// Engine evaluates resubmission policies. Compiled programs are cached and
// reused across goroutines.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEngine creates a policy engine.
func NewEngine() *Engine {
	return &Engine{cache: make(map[string]*vm.Program)}
}

// ShouldResubmit evaluates the policy against the previous terminal record.
// A nil previous record always means submit: there is nothing to reuse.
func (e *Engine) ShouldResubmit(p schema.ResubmitPolicy, prev *store.JobRecord, now time.Time) (bool, error) {
	if prev == nil {
		return true, nil
	}

	prg, err := e.getOrCompile(p.When)
	if err != nil {
		return false, err
	}

	matched, err := vm.Run(prg, policyEnv(prev, now))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"policy %q evaluation failed: %s", p.Name, err.Error()).WithCause(err)
	}
	if matched == true {
		return p.Resubmit, nil
	}
	// Policy does not control this record: reuse the terminal result.
	return false, nil
}

func policyEnv(prev *store.JobRecord, now time.Time) map[string]any {
	exitCode := -1
	if prev.ExitCode != nil {
		exitCode = *prev.ExitCode
	}
	endedSecondsAgo := -1.0
	if ended := prev.EndedAt(); ended != nil {
		endedSecondsAgo = now.Sub(*ended).Seconds()
	}
	submittedSecondsAgo := -1.0
	if prev.SubmittedAt != nil {
		submittedSecondsAgo = now.Sub(*prev.SubmittedAt).Seconds()
	}
	return map[string]any{
		"state":                 string(prev.State),
		"raw_state":             prev.RawState,
		"exit_code":             exitCode,
		"check_count":           prev.CheckCount,
		"ended_seconds_ago":     endedSecondsAgo,
		"submitted_seconds_ago": submittedSecondsAgo,
	}
}

func (e *Engine) getOrCompile(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty policy expression")
	}

	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile policy expression %q: %s", expression, err.Error()).WithCause(err)
	}
	e.cache[expression] = prg
	return prg, nil
}
