package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Arg is one key/value argument binding. Bindings are ordered: the same
// pairs in a different order render a different command and therefore a
// different deduplication key.
type Arg struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Binding is the ordered argument set for one job instance in a batch.
type Binding []Arg

// BatchSpec describes a batch of logical cluster jobs: one job per binding.
// Templates use {key} placeholders substituted from the binding.
type BatchSpec struct {
	NameTemplate    string    `json:"name_template" yaml:"name_template"`
	CommandTemplate string    `json:"command_template" yaml:"command_template"`
	Bindings        []Binding `json:"bindings" yaml:"bindings"`
	Memory          string    `json:"memory,omitempty" yaml:"memory,omitempty"`
	ExpectedTime    string    `json:"expected_time" yaml:"expected_time"`
}

// Render produces one JobSpec per binding. Rendering is deterministic:
// identical batch specs render to identical job specs (and dedup keys) no
// matter when or in which process they are rendered. Command parts are
// shell-quoted after substitution, so binding values are always passed to
// the cluster as single arguments.
func (b *BatchSpec) Render() ([]JobSpec, error) {
	expected, err := time.ParseDuration(b.ExpectedTime)
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "parse expected_time %q: %s", b.ExpectedTime, err.Error()).WithCause(err)
	}
	if len(b.Bindings) == 0 {
		return nil, NewError(ErrCodeValidation, "batch spec has no bindings")
	}

	specs := make([]JobSpec, 0, len(b.Bindings))
	for _, binding := range b.Bindings {
		specs = append(specs, JobSpec{
			Name:         substitute(b.NameTemplate, binding),
			Command:      renderCommand(b.CommandTemplate, binding),
			Args:         binding,
			Memory:       b.Memory,
			ExpectedTime: expected,
		})
	}
	return specs, nil
}

// renderCommand substitutes the binding into each whitespace-separated part
// of the template, then joins the parts with shell quoting. A placeholder
// whose value is empty drops its part, which makes conditional flags easy.
func renderCommand(template string, binding Binding) string {
	parts := strings.Fields(template)
	for i, part := range parts {
		parts[i] = substitute(part, binding)
	}
	return CommandLine(parts...)
}

func substitute(template string, binding Binding) string {
	out := template
	for _, arg := range binding {
		out = strings.ReplaceAll(out, "{"+arg.Key+"}", arg.Value)
	}
	return out
}

// JobSpec is the rendered description of one unit of external cluster work.
type JobSpec struct {
	Name         string        `json:"name"`
	Command      string        `json:"command"`
	Args         Binding       `json:"args,omitempty"`
	Memory       string        `json:"memory"`
	ExpectedTime time.Duration `json:"expected_time"`
}

// DedupKey computes the deterministic identity of this spec: a SHA-256 over
// the rendered command and the argument bindings. Identical specs rendered at
// different times or in different processes yield the same key.
func (s *JobSpec) DedupKey() string {
	h := sha256.New()
	h.Write([]byte(s.Command))
	for _, arg := range s.Args {
		h.Write([]byte{0})
		h.Write([]byte(arg.Key))
		h.Write([]byte{0})
		h.Write([]byte(arg.Value))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CommandLine joins command parts into a single shell-safe string, quoting
// each part as needed and skipping empty parts. Empty parts make conditional
// flags easy: pass "" when the flag does not apply.
func CommandLine(parts ...string) string {
	quoted := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		quoted = append(quoted, shellQuote(p))
	}
	return strings.Join(quoted, " ")
}

const shellSafe = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-./=:@%+,"

func shellQuote(s string) string {
	safe := true
	for _, r := range s {
		if !strings.ContainsRune(shellSafe, r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// String renders a short human-readable identity for logs.
func (s *JobSpec) String() string {
	return fmt.Sprintf("%s (%s)", s.Name, s.DedupKey()[:12])
}
