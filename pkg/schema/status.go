package schema

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusQueued    WorkflowStatus = "queued"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusSucceeded WorkflowStatus = "succeeded"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the workflow status accepts no further
// transitions.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusSucceeded, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending        StepStatus = "pending"
	StepStatusReady          StepStatus = "ready"
	StepStatusQueued         StepStatus = "queued"
	StepStatusRunning        StepStatus = "running"
	StepStatusSucceeded      StepStatus = "succeeded"
	StepStatusFailed         StepStatus = "failed"
	StepStatusUpstreamFailed StepStatus = "upstream_failed"
	StepStatusCancelled      StepStatus = "cancelled"
)

// IsTerminal reports whether the step status accepts no further
// transitions.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusUpstreamFailed, StepStatusCancelled:
		return true
	}
	return false
}

// Event type constants for the workflow event log.
const (
	EventWorkflowSubmitted = "workflow_submitted"
	EventWorkflowQueued    = "workflow_queued"
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowSucceeded = "workflow_succeeded"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"

	EventStepReady          = "step_ready"
	EventStepSubmitted      = "step_submitted"
	EventStepStarted        = "step_started"
	EventStepSucceeded      = "step_succeeded"
	EventStepFailed         = "step_failed"
	EventStepUpstreamFailed = "step_upstream_failed"
	EventStepCancelled      = "step_cancelled"
)
