package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxIDAttempts = 5

// ExistsFunc reports whether an ID is already taken. Implemented by
// the store.
type ExistsFunc func(ctx context.Context, id string) (bool, error)

// NewWorkflowID generates a workflow ID of the form
// wf_<epoch-millis>_<suffix>, regenerating on collision up to a bounded
// number of attempts.
func NewWorkflowID(ctx context.Context, exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := fmt.Sprintf("wf_%d_%s", time.Now().UnixMilli(), idSuffix())
		taken, err := exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", NewError(ErrCodeConflict, "could not generate unique workflow ID")
}

// NewStepID generates a step ID of the form
// step_<epoch-millis>_<index>_<suffix>.
func NewStepID(ctx context.Context, index int, exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := fmt.Sprintf("step_%d_%d_%s", time.Now().UnixMilli(), index, idSuffix())
		taken, err := exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", NewError(ErrCodeConflict, "could not generate unique step ID")
}

func idSuffix() string {
	return uuid.NewString()[:8]
}
