package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConveyorError_Message(t *testing.T) {
	err := NewError(ErrCodeCycleDetected, "circular dependency detected")
	assert.Equal(t, "[CYCLE_DETECTED] circular dependency detected", err.Error())

	err = err.WithWorkflow("wf_1").WithStep("assemble")
	assert.Equal(t, "[CYCLE_DETECTED] workflow wf_1 step assemble: circular dependency detected", err.Error())
}

func TestConveyorError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrCodeStore, "write failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeStore, ErrorCode(err))
}

func TestErrorCode_Wrapped(t *testing.T) {
	inner := NewError(ErrCodeQuery, "backend unreachable")
	wrapped := fmt.Errorf("poll cycle: %w", inner)

	assert.Equal(t, ErrCodeQuery, ErrorCode(wrapped))
	assert.Equal(t, "", ErrorCode(errors.New("plain")))
}
