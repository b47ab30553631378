package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeCycleDetected       = "CYCLE_DETECTED"
	ErrCodeDanglingReference   = "DANGLING_REFERENCE"
	ErrCodeUnresolvedVariable  = "UNRESOLVED_VARIABLE"
	ErrCodePrematureReference  = "PREMATURE_REFERENCE"
	ErrCodeMalformedExpression = "MALFORMED_EXPRESSION"
	ErrCodeSubmit              = "SUBMIT_ERROR"
	ErrCodeQuery               = "QUERY_ERROR"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeRetryExhausted      = "RETRY_EXHAUSTED"
	ErrCodeCancelled           = "CANCELLED"
)

// ConveyorError is the structured error type for all conveyor operations.
type ConveyorError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	StepName   string         `json:"step_name,omitempty"`
	Cause      error          `json:"-"`
}

func (e *ConveyorError) Error() string {
	switch {
	case e.WorkflowID != "" && e.StepName != "":
		return fmt.Sprintf("[%s] workflow %s step %s: %s", e.Code, e.WorkflowID, e.StepName, e.Message)
	case e.WorkflowID != "":
		return fmt.Sprintf("[%s] workflow %s: %s", e.Code, e.WorkflowID, e.Message)
	case e.StepName != "":
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepName, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *ConveyorError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConveyorError.
func NewError(code, message string) *ConveyorError {
	return &ConveyorError{Code: code, Message: message}
}

// NewErrorf creates a new ConveyorError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConveyorError {
	return &ConveyorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithWorkflow attaches a workflow ID to the error.
func (e *ConveyorError) WithWorkflow(workflowID string) *ConveyorError {
	e.WorkflowID = workflowID
	return e
}

// WithStep attaches a step name to the error.
func (e *ConveyorError) WithStep(stepName string) *ConveyorError {
	e.StepName = stepName
	return e
}

// WithCause attaches an underlying cause.
func (e *ConveyorError) WithCause(err error) *ConveyorError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConveyorError) WithDetails(details map[string]any) *ConveyorError {
	e.Details = details
	return e
}

// ErrorCode extracts the conveyor error code from err, or "" if err is
// not a ConveyorError.
func ErrorCode(err error) string {
	var ce *ConveyorError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
