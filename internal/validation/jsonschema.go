// Package validation checks run request documents before they reach the
// controller, using JSON Schema Draft 2020-12 plus a few structural checks
// the schema language cannot express.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/timrozday-mgnify/emgapi-v2/pkg/schema"
)

// runRequestSchemaJSON is the JSON Schema for RunRequest validation.
// Embedded as a constant to avoid filesystem dependencies.
const runRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://emgapi.dev/schemas/run-request.json",
  "type": "object",
  "required": ["name", "batch"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1,
      "maxLength": 200
    },
    "batch": { "$ref": "#/$defs/batch" },
    "fail_fast": { "type": "boolean" },
    "max_checks": {
      "type": "integer",
      "minimum": 1
    },
    "policy": { "$ref": "#/$defs/policy" },
    "policy_name": {
      "type": "string",
      "minLength": 1
    }
  },
  "additionalProperties": false,
  "$defs": {
    "batch": {
      "type": "object",
      "required": ["name_template", "command_template", "bindings", "expected_time"],
      "properties": {
        "name_template": {
          "type": "string",
          "minLength": 1
        },
        "command_template": {
          "type": "string",
          "minLength": 1
        },
        "bindings": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "array",
            "items": { "$ref": "#/$defs/arg" }
          }
        },
        "memory": {
          "type": "string",
          "pattern": "^[0-9]+[MGT]?$"
        },
        "expected_time": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)([0-9]+(ns|us|µs|ms|s|m|h))*$"
        }
      },
      "additionalProperties": false
    },
    "arg": {
      "type": "object",
      "required": ["key", "value"],
      "properties": {
        "key": {
          "type": "string",
          "minLength": 1,
          "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"
        },
        "value": { "type": "string" }
      },
      "additionalProperties": false
    },
    "policy": {
      "type": "object",
      "required": ["name", "when"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "when": {
          "type": "string",
          "minLength": 1
        },
        "resubmit": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// RunRequestValidator validates run request documents. It is safe for
// concurrent use: the compiled schema is immutable after construction.
type RunRequestValidator struct {
	requestSchema *jsonschema.Schema
}

// NewRunRequestValidator compiles the embedded run request schema.
func NewRunRequestValidator() (*RunRequestValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(runRequestSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal run request schema: %w", err)
	}
	if err := c.AddResource("https://emgapi.dev/schemas/run-request.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add run request schema resource: %w", err)
	}

	compiled, err := c.Compile("https://emgapi.dev/schemas/run-request.json")
	if err != nil {
		return nil, fmt.Errorf("compile run request schema: %w", err)
	}

	return &RunRequestValidator{requestSchema: compiled}, nil
}

// Validate checks a run request against the schema plus structural rules:
// at most one of policy / policy_name, and no binding may be missing a key
// that another binding sets (ragged batches render inconsistent commands).
func (v *RunRequestValidator) Validate(req *schema.RunRequest) error {
	if req == nil {
		return schema.NewError(schema.ErrCodeValidation, "run request is nil")
	}

	doc, err := toJSONValue(req)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize run request").WithCause(err)
	}
	if err := v.requestSchema.Validate(doc); err != nil {
		return toOrcError(err)
	}

	if req.Policy != nil && req.PolicyName != "" {
		return schema.NewError(schema.ErrCodeValidation,
			"policy and policy_name are mutually exclusive")
	}

	return validateBindings(req.Batch.Bindings)
}

// validateBindings rejects duplicate keys within a binding and key sets that
// differ between bindings.
func validateBindings(bindings []schema.Binding) error {
	var reference []string
	for i, binding := range bindings {
		keys := make([]string, 0, len(binding))
		seen := make(map[string]struct{}, len(binding))
		for _, arg := range binding {
			if _, dup := seen[arg.Key]; dup {
				return schema.NewError(schema.ErrCodeValidation,
					fmt.Sprintf("binding %d repeats key %q", i, arg.Key))
			}
			seen[arg.Key] = struct{}{}
			keys = append(keys, arg.Key)
		}
		if i == 0 {
			reference = keys
			continue
		}
		if !sameKeySet(reference, keys) {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("binding %d uses keys %v, expected %v", i, keys, reference))
		}
	}
	return nil
}

func sameKeySet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, k := range a {
		set[k] = struct{}{}
	}
	for _, k := range b {
		if _, ok := set[k]; !ok {
			return false
		}
	}
	return true
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toOrcError converts a jsonschema.ValidationError into an OrcError with one
// message per leaf violation.
func toOrcError(err error) *schema.OrcError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
