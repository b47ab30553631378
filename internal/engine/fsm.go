package engine

import (
	"github.com/seqlab/conveyor/pkg/schema"
)

// ValidWorkflowTransitions defines the allowed state transitions for
// workflows.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:   {schema.WorkflowStatusQueued, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusQueued:    {schema.WorkflowStatusRunning, schema.WorkflowStatusSucceeded, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusSucceeded, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusSucceeded: {},
	schema.WorkflowStatusFailed:    {},
	schema.WorkflowStatusCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// A queued step may jump straight to a terminal status when the backend
// reports completion between polls.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:        {schema.StepStatusReady, schema.StepStatusUpstreamFailed, schema.StepStatusCancelled},
	schema.StepStatusReady:          {schema.StepStatusQueued, schema.StepStatusFailed, schema.StepStatusUpstreamFailed, schema.StepStatusCancelled},
	schema.StepStatusQueued:         {schema.StepStatusRunning, schema.StepStatusSucceeded, schema.StepStatusFailed, schema.StepStatusCancelled},
	schema.StepStatusRunning:        {schema.StepStatusSucceeded, schema.StepStatusFailed, schema.StepStatusCancelled},
	schema.StepStatusSucceeded:      {},
	schema.StepStatusFailed:         {},
	schema.StepStatusUpstreamFailed: {},
	schema.StepStatusCancelled:      {},
}

// CanTransitionWorkflow reports whether from -> to is a legal workflow
// transition.
func CanTransitionWorkflow(from, to schema.WorkflowStatus) bool {
	for _, a := range ValidWorkflowTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// CanTransitionStep reports whether from -> to is a legal step
// transition.
func CanTransitionStep(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidateWorkflowTransition returns an INVALID_TRANSITION error when
// from -> to is not allowed.
func ValidateWorkflowTransition(workflowID string, from, to schema.WorkflowStatus) error {
	if CanTransitionWorkflow(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid workflow transition: %s -> %s", from, to).
		WithWorkflow(workflowID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// ValidateStepTransition returns an INVALID_TRANSITION error when
// from -> to is not allowed.
func ValidateStepTransition(workflowID, stepName string, from, to schema.StepStatus) error {
	if CanTransitionStep(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithWorkflow(workflowID).
		WithStep(stepName).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// NextWorkflowStatus derives the workflow status implied by the current
// step statuses. It returns the current status unchanged when no
// transition is warranted yet.
//
// The rules: running as soon as any step runs; succeeded when every
// step succeeded; failed only once no step can make further progress
// and at least one failed or was skipped for a failed upstream.
func NextWorkflowStatus(current schema.WorkflowStatus, statuses map[string]schema.StepStatus) schema.WorkflowStatus {
	if current.IsTerminal() {
		return current
	}

	allTerminal := true
	allSucceeded := true
	anyFailed := false
	anyRunning := false
	for _, st := range statuses {
		if !st.IsTerminal() {
			allTerminal = false
		}
		if st != schema.StepStatusSucceeded {
			allSucceeded = false
		}
		switch st {
		case schema.StepStatusFailed, schema.StepStatusUpstreamFailed:
			anyFailed = true
		case schema.StepStatusRunning:
			anyRunning = true
		}
	}

	switch {
	case allSucceeded && len(statuses) > 0:
		return schema.WorkflowStatusSucceeded
	case allTerminal && anyFailed:
		return schema.WorkflowStatusFailed
	case anyRunning:
		return schema.WorkflowStatusRunning
	}
	return current
}

func workflowEventType(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusQueued:
		return schema.EventWorkflowQueued
	case schema.WorkflowStatusRunning:
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusSucceeded:
		return schema.EventWorkflowSucceeded
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusReady:
		return schema.EventStepReady
	case schema.StepStatusQueued:
		return schema.EventStepSubmitted
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusSucceeded:
		return schema.EventStepSucceeded
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusUpstreamFailed:
		return schema.EventStepUpstreamFailed
	case schema.StepStatusCancelled:
		return schema.EventStepCancelled
	default:
		return ""
	}
}
