package validation

import (
	"fmt"

	"github.com/seqlab/conveyor/internal/resolve"
	"github.com/seqlab/conveyor/pkg/schema"
)

// validateReferences checks every variable reference in the submission
// against the declared structure: step output refs must name a declared
// dependency and a declared output, output expressions may reference
// only the step's own params and base context, and workflow outputs
// must point at declared step outputs.
func validateReferences(sub *schema.WorkflowSubmission) []string {
	var violations []string

	byName := make(map[string]*schema.StepDefinition, len(sub.Steps))
	for i := range sub.Steps {
		byName[sub.Steps[i].StepName] = &sub.Steps[i]
	}

	for i := range sub.Steps {
		step := &sub.Steps[i]
		deps := make(map[string]bool, len(step.DependsOn))
		for _, d := range step.DependsOn {
			deps[d] = true
		}

		walkStrings(step.Params, fmt.Sprintf("steps[%d].params", i), func(path, s string) {
			violations = append(violations, checkParamRefs(s, path, step, byName, deps)...)
		})

		for name, expr := range step.Outputs {
			path := fmt.Sprintf("steps[%d].outputs.%s", i, name)
			violations = append(violations, checkOutputRefs(expr, path, step)...)
		}
	}

	for j, expr := range sub.WorkflowOutputs {
		path := fmt.Sprintf("workflow_outputs[%d]", j)
		violations = append(violations, checkWorkflowOutputRef(expr, path, byName)...)
	}

	return violations
}

// checkParamRefs validates the references inside one param string.
func checkParamRefs(s, path string, step *schema.StepDefinition, byName map[string]*schema.StepDefinition, deps map[string]bool) []string {
	refs, err := resolve.ExtractRefs(s)
	if err != nil {
		return []string{fmt.Sprintf("%s: %s", path, err.Error())}
	}

	var violations []string
	for _, ref := range refs {
		switch ref.Kind {
		case resolve.RefStepOutput:
			target, ok := byName[ref.Step]
			if !ok {
				violations = append(violations, fmt.Sprintf("%s: references unknown step %q", path, ref.Step))
				continue
			}
			if !deps[ref.Step] {
				violations = append(violations, fmt.Sprintf(
					"%s: references output of step %q which is not in depends_on", path, ref.Step))
			}
			if _, declared := target.Outputs[ref.Name]; !declared {
				violations = append(violations, fmt.Sprintf(
					"%s: step %q declares no output %q", path, ref.Step, ref.Name))
			}
		case resolve.RefStepParam:
			if _, ok := byName[ref.Step]; !ok {
				violations = append(violations, fmt.Sprintf("%s: references unknown step %q", path, ref.Step))
			}
		case resolve.RefParam:
			if _, ok := step.Params[ref.Name]; !ok {
				violations = append(violations, fmt.Sprintf(
					"%s: references undeclared param %q", path, ref.Name))
			}
		}
	}
	return violations
}

// checkOutputRefs validates an output expression, which may draw only
// on the step's own params and the base context.
func checkOutputRefs(expr, path string, step *schema.StepDefinition) []string {
	refs, err := resolve.ExtractRefs(expr)
	if err != nil {
		return []string{fmt.Sprintf("%s: %s", path, err.Error())}
	}

	var violations []string
	for _, ref := range refs {
		switch ref.Kind {
		case resolve.RefBase:
			// Resolved against the base context at submission.
		case resolve.RefParam:
			if _, ok := step.Params[ref.Name]; !ok {
				violations = append(violations, fmt.Sprintf(
					"%s: references undeclared param %q", path, ref.Name))
			}
		default:
			violations = append(violations, fmt.Sprintf(
				"%s: output expressions may reference only own params and base context, got %s", path, ref.String()))
		}
	}
	return violations
}

// checkWorkflowOutputRef validates one workflow output expression: it
// must be a step output reference to a declared step and output.
func checkWorkflowOutputRef(expr, path string, byName map[string]*schema.StepDefinition) []string {
	refs, err := resolve.ExtractRefs(expr)
	if err != nil {
		return []string{fmt.Sprintf("%s: %s", path, err.Error())}
	}
	if len(refs) == 0 {
		return []string{fmt.Sprintf("%s: must reference a step output", path)}
	}

	var violations []string
	for _, ref := range refs {
		if ref.Kind != resolve.RefStepOutput {
			violations = append(violations, fmt.Sprintf(
				"%s: workflow outputs must reference step outputs, got %s", path, ref.String()))
			continue
		}
		target, ok := byName[ref.Step]
		if !ok {
			violations = append(violations, fmt.Sprintf("%s: references unknown step %q", path, ref.Step))
			continue
		}
		if _, declared := target.Outputs[ref.Name]; !declared {
			violations = append(violations, fmt.Sprintf(
				"%s: step %q declares no output %q", path, ref.Step, ref.Name))
		}
	}
	return violations
}

// walkStrings visits every string leaf in a JSON-like tree that holds
// an expression, passing its path for error reporting.
func walkStrings(v any, path string, fn func(path, s string)) {
	switch val := v.(type) {
	case string:
		if resolve.HasExpression(val) {
			fn(path, val)
		}
	case map[string]any:
		for k, item := range val {
			walkStrings(item, path+"."+k, fn)
		}
	case []any:
		for i, item := range val {
			walkStrings(item, fmt.Sprintf("%s[%d]", path, i), fn)
		}
	}
}
