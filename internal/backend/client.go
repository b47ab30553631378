package backend

import (
	"context"

	"github.com/seqlab/conveyor/pkg/schema"
)

// TaskStatus is the backend's view of a submitted task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskResult is one entry of a batched status query.
type TaskResult struct {
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	ElapsedTime string     `json:"elapsed_time,omitempty"`
}

// Client is the contract to the remote job-execution backend.
// Submit returns the backend task ID; StatusBatch queries many tasks in
// one round trip; Cancel is best-effort.
type Client interface {
	Submit(ctx context.Context, app string, params map[string]any) (string, error)
	StatusBatch(ctx context.Context, taskIDs []string) (map[string]TaskResult, error)
	Cancel(ctx context.Context, taskID string) error
}

// StepStatusFor maps a backend task status onto the step state machine.
// An unknown status reports ok=false and is treated as still running so
// the next poll can pick it up.
func StepStatusFor(ts TaskStatus) (schema.StepStatus, bool) {
	switch ts {
	case TaskQueued:
		return schema.StepStatusQueued, true
	case TaskRunning:
		return schema.StepStatusRunning, true
	case TaskCompleted:
		return schema.StepStatusSucceeded, true
	case TaskFailed:
		return schema.StepStatusFailed, true
	default:
		return schema.StepStatusRunning, false
	}
}
