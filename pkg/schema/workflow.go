package schema

import "time"

// WorkflowSubmission is the JSON payload clients POST to create a
// workflow. IDs are assigned server-side; submissions carrying a
// workflow_id or step_id are rejected by schema validation.
type WorkflowSubmission struct {
	WorkflowName    string           `json:"workflow_name"`
	Version         string           `json:"version,omitempty"`
	BaseContext     map[string]any   `json:"base_context,omitempty"`
	Steps           []StepDefinition `json:"steps"`
	WorkflowOutputs []string         `json:"workflow_outputs,omitempty"`
	MaxParallel     int              `json:"max_parallel,omitempty"`
}

// StepDefinition describes a single step in a workflow submission.
type StepDefinition struct {
	StepName  string            `json:"step_name"`
	App       string            `json:"app"`
	Params    map[string]any    `json:"params,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	DependsOn []string          `json:"depends_on,omitempty"`
}

// SubmitResponse is returned after a successful submission.
type SubmitResponse struct {
	WorkflowID string            `json:"workflow_id"`
	Status     WorkflowStatus    `json:"status"`
	StepIDs    map[string]string `json:"step_ids"` // step_name -> step_id
}

// StatusResponse is the full execution status of a workflow.
type StatusResponse struct {
	WorkflowID      string            `json:"workflow_id"`
	WorkflowName    string            `json:"workflow_name"`
	Status          WorkflowStatus    `json:"status"`
	Steps           []StepStatusInfo  `json:"steps"`
	ResolvedOutputs map[string]string `json:"resolved_outputs,omitempty"`
	Error           string            `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// StepStatusInfo is the per-step slice of a StatusResponse.
type StepStatusInfo struct {
	StepID   string     `json:"step_id"`
	StepName string     `json:"step_name"`
	App      string     `json:"app"`
	Status   StepStatus `json:"status"`
	TaskID   string     `json:"task_id,omitempty"`
	Error    string     `json:"error,omitempty"`
}
