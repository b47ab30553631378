// Package validation checks workflow submissions before anything is
// persisted: payload shape via an embedded JSON Schema, graph sanity
// via the analyzer, and every variable reference against the declared
// structure. Findings accumulate rather than failing on the first.
package validation

import (
	"encoding/json"
	"fmt"

	"github.com/seqlab/conveyor/internal/graph"
	"github.com/seqlab/conveyor/pkg/schema"
)

// Validate runs the full submission pipeline: normalization,
// structural JSON Schema validation, graph construction (duplicates,
// dangling dependencies, cycles), and variable-reference checks.
//
// Graph errors keep their own codes (CYCLE_DETECTED,
// DANGLING_REFERENCE); all other findings are folded into one
// VALIDATION_ERROR carrying the violation list.
func Validate(sub *schema.WorkflowSubmission) error {
	if sub == nil {
		return schema.NewError(schema.ErrCodeValidation, "submission is nil")
	}

	for i := range sub.Steps {
		sub.Steps[i].Params = Normalize(sub.Steps[i].Params)
	}

	doc, err := toJSONValue(sub)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize submission").WithCause(err)
	}
	violations, err := validateStructural(doc)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		return violationError(violations)
	}

	// Structure is sound; the graph checks can assume well-formed
	// steps.
	if _, err := graph.Build(sub.Steps); err != nil {
		return err
	}

	if violations := validateReferences(sub); len(violations) > 0 {
		return violationError(violations)
	}
	return nil
}

// ParseSubmission validates a raw JSON payload against the submission
// schema and decodes it. Running the schema against the raw document is
// what catches unknown fields such as client-supplied workflow_id or
// step_id, which a struct round-trip would silently drop.
func ParseSubmission(data []byte) (*schema.WorkflowSubmission, error) {
	doc, err := jsonschemaUnmarshal(data)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "submission is not valid JSON").WithCause(err)
	}
	violations, err := validateStructural(doc)
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		return nil, violationError(violations)
	}

	var sub schema.WorkflowSubmission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to decode submission").WithCause(err)
	}
	return &sub, nil
}

func violationError(violations []string) error {
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}
