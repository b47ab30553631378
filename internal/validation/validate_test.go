package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqlab/conveyor/pkg/schema"
)

func validSubmission() *schema.WorkflowSubmission {
	return &schema.WorkflowSubmission{
		WorkflowName: "genome-pipeline",
		BaseContext:  map[string]any{"output_dir": "/results"},
		Steps: []schema.StepDefinition{
			{
				StepName: "assemble",
				App:      "Assembly2",
				Params:   map[string]any{"reads": "/data/reads.fastq", "out": "${base.output_dir}"},
				Outputs:  map[string]string{"contigs": "${params.out}/contigs.fasta"},
			},
			{
				StepName:  "annotate",
				App:       "Annotation",
				Params:    map[string]any{"contigs": "${steps.assemble.outputs.contigs}"},
				Outputs:   map[string]string{"genome": "${params.contigs}.gto"},
				DependsOn: []string{"assemble"},
			},
		},
		WorkflowOutputs: []string{"${steps.annotate.outputs.genome}"},
	}
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, Validate(validSubmission()))
}

func TestValidate_Nil(t *testing.T) {
	err := Validate(nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestValidate_MissingWorkflowName(t *testing.T) {
	sub := validSubmission()
	sub.WorkflowName = ""
	err := Validate(sub)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestValidate_NoSteps(t *testing.T) {
	sub := validSubmission()
	sub.Steps = nil
	err := Validate(sub)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestValidate_BadStepName(t *testing.T) {
	sub := validSubmission()
	sub.Steps[0].StepName = "1 bad name"
	err := Validate(sub)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestValidate_CycleKeepsItsCode(t *testing.T) {
	sub := validSubmission()
	sub.Steps[0].DependsOn = []string{"annotate"}
	err := Validate(sub)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "assemble")
}

func TestValidate_DanglingDependency(t *testing.T) {
	sub := validSubmission()
	sub.Steps[1].DependsOn = []string{"missing"}
	err := Validate(sub)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDanglingReference, schema.ErrorCode(err))
}

func TestValidate_OutputRefWithoutDependency(t *testing.T) {
	sub := validSubmission()
	sub.Steps[1].DependsOn = nil
	err := Validate(sub)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "depends_on")
}

func TestValidate_UndeclaredOutput(t *testing.T) {
	sub := validSubmission()
	sub.Steps[1].Params["contigs"] = "${steps.assemble.outputs.missing}"
	err := Validate(sub)
	require.Error(t, err)
	var cerr *schema.ConveyorError
	require.ErrorAs(t, err, &cerr)
	violations := cerr.Details["violations"].([]string)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], `no output "missing"`)
}

func TestValidate_OutputExpressionScope(t *testing.T) {
	// Output expressions may not reach into other steps.
	sub := validSubmission()
	sub.Steps[1].Outputs["genome"] = "${steps.assemble.outputs.contigs}.gto"
	err := Validate(sub)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "own params")
}

func TestValidate_WorkflowOutputMustBeStepOutput(t *testing.T) {
	sub := validSubmission()
	sub.WorkflowOutputs = []string{"${base.output_dir}"}
	err := Validate(sub)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step outputs")
}

func TestValidate_MalformedExpression(t *testing.T) {
	sub := validSubmission()
	sub.Steps[0].Params["broken"] = "${steps.assemble}"
	err := Validate(sub)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestValidate_AccumulatesViolations(t *testing.T) {
	sub := validSubmission()
	sub.Steps[1].Params["contigs"] = "${steps.assemble.outputs.missing}"
	sub.WorkflowOutputs = append(sub.WorkflowOutputs, "${steps.annotate.outputs.nope}")
	err := Validate(sub)
	require.Error(t, err)
	var cerr *schema.ConveyorError
	require.ErrorAs(t, err, &cerr)
	violations := cerr.Details["violations"].([]string)
	assert.GreaterOrEqual(t, len(violations), 2)
}

func TestParseSubmission_RejectsClientIDs(t *testing.T) {
	payload := `{
		"workflow_name": "wf",
		"workflow_id": "wf_123",
		"steps": [{"step_name": "a", "app": "Echo"}]
	}`
	_, err := ParseSubmission([]byte(payload))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	assert.Contains(t, strings.ToLower(err.Error()), "workflow_id")
}

func TestParseSubmission_RejectsStepID(t *testing.T) {
	payload := `{
		"workflow_name": "wf",
		"steps": [{"step_name": "a", "app": "Echo", "step_id": "step_1"}]
	}`
	_, err := ParseSubmission([]byte(payload))
	require.Error(t, err)
}

func TestParseSubmission_OK(t *testing.T) {
	payload := `{
		"workflow_name": "wf",
		"max_parallel": 3,
		"steps": [{"step_name": "a", "app": "Echo", "params": {"n": 1}}]
	}`
	sub, err := ParseSubmission([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "wf", sub.WorkflowName)
	assert.Equal(t, 3, sub.MaxParallel)
	require.Len(t, sub.Steps, 1)
}

func TestParseSubmission_InvalidJSON(t *testing.T) {
	_, err := ParseSubmission([]byte("{nope"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestNormalize(t *testing.T) {
	params := map[string]any{
		"keep":       "value",
		"empty_list": []any{},
		"null_field": nil,
		"nested": map[string]any{
			"drop": []any{},
			"keep": 1,
		},
	}
	got := Normalize(params)
	assert.Equal(t, map[string]any{
		"keep":   "value",
		"nested": map[string]any{"keep": 1},
	}, got)
}
