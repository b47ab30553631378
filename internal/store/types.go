package store

import (
	"encoding/json"
	"time"

	"github.com/seqlab/conveyor/pkg/schema"
)

// Workflow is the persisted representation of a workflow execution,
// including all of its steps.
type Workflow struct {
	WorkflowID      string                `json:"workflow_id"`
	WorkflowName    string                `json:"workflow_name"`
	Version         string                `json:"version,omitempty"`
	Status          schema.WorkflowStatus `json:"status"`
	BaseContext     map[string]any        `json:"base_context,omitempty"`
	WorkflowOutputs []string              `json:"workflow_outputs,omitempty"`
	ResolvedOutputs map[string]string     `json:"resolved_outputs,omitempty"`
	MaxParallel     int                   `json:"max_parallel"`
	Error           string                `json:"error,omitempty"`
	Steps           []*Step               `json:"steps"`
	CreatedAt       time.Time             `json:"created_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Step is the persisted state of a single workflow step. Params holds
// the tree as accepted at submission (base-context refs already
// substituted); ResolvedParams the fully resolved tree sent to the
// backend; ResolvedOutputs the output literals captured at completion.
type Step struct {
	WorkflowID      string            `json:"workflow_id"`
	StepID          string            `json:"step_id"`
	StepName        string            `json:"step_name"`
	App             string            `json:"app"`
	Position        int               `json:"position"`
	Status          schema.StepStatus `json:"status"`
	Params          map[string]any    `json:"params,omitempty"`
	ResolvedParams  map[string]any    `json:"resolved_params,omitempty"`
	Outputs         map[string]string `json:"outputs,omitempty"`
	ResolvedOutputs map[string]string `json:"resolved_outputs,omitempty"`
	DependsOn       []string          `json:"depends_on,omitempty"`
	TaskID          string            `json:"task_id,omitempty"`
	SubmitAttempts  int               `json:"submit_attempts"`
	Error           string            `json:"error,omitempty"`
	SubmittedAt     *time.Time        `json:"submitted_at,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// Event is an immutable entry in the per-workflow event log.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	StepName   string          `json:"step_name,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Statuses []schema.WorkflowStatus `json:"statuses,omitempty"`
	Since    *time.Time              `json:"since,omitempty"`
	Limit    int                     `json:"limit,omitempty"`
	Offset   int                     `json:"offset,omitempty"`
}

// StepUpdate specifies mutable fields of a step. Nil fields are left
// untouched.
type StepUpdate struct {
	Status          *schema.StepStatus `json:"status,omitempty"`
	TaskID          *string            `json:"task_id,omitempty"`
	ResolvedParams  map[string]any     `json:"resolved_params,omitempty"`
	ResolvedOutputs map[string]string  `json:"resolved_outputs,omitempty"`
	Error           *string            `json:"error,omitempty"`
	SubmitAttempts  *int               `json:"submit_attempts,omitempty"`
	SubmittedAt     *time.Time         `json:"submitted_at,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Status          *schema.WorkflowStatus `json:"status,omitempty"`
	ResolvedOutputs map[string]string      `json:"resolved_outputs,omitempty"`
	Error           *string                `json:"error,omitempty"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// UpdateBatch groups step updates, the paired workflow update, and any
// log events into a single atomic write. Steps are keyed by step_name.
type UpdateBatch struct {
	Steps    map[string]StepUpdate
	Workflow *WorkflowUpdate
	Events   []*Event
}

// Empty reports whether the batch carries no writes.
func (b UpdateBatch) Empty() bool {
	return len(b.Steps) == 0 && b.Workflow == nil && len(b.Events) == 0
}
