package janitor

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqlab/conveyor/internal/store"
	"github.com/seqlab/conveyor/pkg/schema"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "conveyor.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seed creates a workflow and, when completedAt is non-zero, drives it
// to the given terminal status.
func seed(t *testing.T, s store.Store, id string, status schema.WorkflowStatus, completedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkflow(ctx, &store.Workflow{
		WorkflowID:   id,
		WorkflowName: "wf-" + id,
		Status:       schema.WorkflowStatusPending,
		MaxParallel:  2,
		Steps: []*store.Step{
			{WorkflowID: id, StepID: "step_" + id, StepName: "only", App: "Echo", Status: schema.StepStatusPending},
		},
	}))
	if completedAt.IsZero() {
		return
	}
	require.NoError(t, s.ApplyUpdates(ctx, id, store.UpdateBatch{
		Workflow: &store.WorkflowUpdate{Status: &status, CompletedAt: &completedAt},
	}))
}

func TestSweep_RemovesOldTerminalWorkflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -30)
	seed(t, s, "wf_old_done", schema.WorkflowStatusSucceeded, old)
	seed(t, s, "wf_old_failed", schema.WorkflowStatusFailed, old)
	seed(t, s, "wf_recent", schema.WorkflowStatusSucceeded, time.Now().UTC())
	seed(t, s, "wf_active", schema.WorkflowStatusPending, time.Time{})

	j, err := New(s, Config{RetentionDays: 7}, testLogger())
	require.NoError(t, err)
	require.NoError(t, j.Sweep(ctx))

	_, err = s.GetWorkflow(ctx, "wf_old_done")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
	_, err = s.GetWorkflow(ctx, "wf_old_failed")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))

	_, err = s.GetWorkflow(ctx, "wf_recent")
	assert.NoError(t, err)
	_, err = s.GetWorkflow(ctx, "wf_active")
	assert.NoError(t, err)
}

func TestSweep_NothingToDo(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "wf_recent", schema.WorkflowStatusSucceeded, time.Now().UTC())

	j, err := New(s, Config{RetentionDays: 7}, testLogger())
	require.NoError(t, err)
	assert.NoError(t, j.Sweep(context.Background()))
}

func TestNew_BadCronExpression(t *testing.T) {
	s := newTestStore(t)
	_, err := New(s, Config{RetentionDays: 7, CronExpression: "not a cron"}, testLogger())
	require.Error(t, err)
}

func TestDisabledJanitor(t *testing.T) {
	s := newTestStore(t)
	j, err := New(s, Config{}, testLogger())
	require.NoError(t, err)
	assert.False(t, j.Enabled())
	require.NoError(t, j.Start(context.Background()))
	require.NoError(t, j.Stop())
}
