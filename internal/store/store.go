package store

import (
	"context"
	"time"

	"github.com/seqlab/conveyor/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// ApplyUpdates writes step updates, the paired workflow update, and
	// log events in one transaction. This is the atomicity primitive:
	// a step status never lands without its workflow recomputation.
	ApplyUpdates(ctx context.Context, workflowID string, batch UpdateBatch) error

	// ID collision checks
	WorkflowIDExists(ctx context.Context, id string) (bool, error)
	StepIDExists(ctx context.Context, id string) (bool, error)

	// Event log (append-only, per-workflow sequence)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)

	// Retention
	DeleteWorkflowsBefore(ctx context.Context, cutoff time.Time, statuses []schema.WorkflowStatus) (int64, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
