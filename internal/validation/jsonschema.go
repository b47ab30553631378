package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/seqlab/conveyor/pkg/schema"
)

// submissionSchemaJSON is the JSON Schema for workflow submissions.
// additionalProperties is false throughout, which is what rejects
// client-supplied workflow_id and step_id fields.
const submissionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conveyor.dev/schemas/submission.json",
  "type": "object",
  "required": ["workflow_name", "steps"],
  "properties": {
    "workflow_name": {
      "type": "string",
      "minLength": 1
    },
    "version": {
      "type": "string"
    },
    "base_context": {
      "type": "object"
    },
    "workflow_outputs": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "max_parallel": {
      "type": "integer",
      "minimum": 1
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["step_name", "app"],
      "properties": {
        "step_name": {
          "type": "string",
          "pattern": "^[A-Za-z][A-Za-z0-9_-]*$"
        },
        "app": {
          "type": "string",
          "minLength": 1
        },
        "params": {
          "type": "object"
        },
        "outputs": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    }
  }
}`

var (
	submissionSchemaOnce sync.Once
	submissionSchema     *jsonschema.Schema
	submissionSchemaErr  error
)

// compiledSubmissionSchema compiles the embedded schema once.
func compiledSubmissionSchema() (*jsonschema.Schema, error) {
	submissionSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.AssertFormat()

		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(submissionSchemaJSON))
		if err != nil {
			submissionSchemaErr = fmt.Errorf("unmarshal submission schema: %w", err)
			return
		}
		if err := c.AddResource("https://conveyor.dev/schemas/submission.json", doc); err != nil {
			submissionSchemaErr = fmt.Errorf("add submission schema resource: %w", err)
			return
		}
		submissionSchema, submissionSchemaErr = c.Compile("https://conveyor.dev/schemas/submission.json")
	})
	return submissionSchema, submissionSchemaErr
}

// validateStructural validates the submission payload shape against the
// embedded JSON Schema and returns the flat list of violations.
func validateStructural(raw any) ([]string, error) {
	compiled, err := compiledSubmissionSchema()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "submission schema unavailable").WithCause(err)
	}
	if err := compiled.Validate(raw); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return []string{err.Error()}, nil
		}
		return collectViolations(verr), nil
	}
	return nil, nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers
// become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschemaUnmarshal(b)
}

func jsonschemaUnmarshal(data []byte) (any, error) {
	return jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
}

// collectViolations walks a ValidationError tree and collects leaf
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
