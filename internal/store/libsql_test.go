package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqlab/conveyor/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedWorkflow(t *testing.T, s *LibSQLStore, id string) *Workflow {
	t.Helper()
	wf := &Workflow{
		WorkflowID:   id,
		WorkflowName: "genome-analysis",
		Version:      "1.0",
		Status:       schema.WorkflowStatusPending,
		BaseContext:  map[string]any{"output_dir": "/results"},
		WorkflowOutputs: []string{
			"${steps.annotate.outputs.report}",
		},
		MaxParallel: 2,
		Steps: []*Step{
			{
				WorkflowID: id,
				StepID:     id + "_s0",
				StepName:   "assemble",
				App:        "Assembly2",
				Position:   0,
				Status:     schema.StepStatusPending,
				Params:     map[string]any{"reads": "sample.fastq"},
				Outputs:    map[string]string{"contigs": "${base.output_dir}/contigs.fasta"},
			},
			{
				WorkflowID: id,
				StepID:     id + "_s1",
				StepName:   "annotate",
				App:        "Annotation",
				Position:   1,
				Status:     schema.StepStatusPending,
				Params:     map[string]any{"contigs": "${steps.assemble.outputs.contigs}"},
				Outputs:    map[string]string{"report": "${base.output_dir}/report.txt"},
				DependsOn:  []string{"assemble"},
			},
		},
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

// --- Workflow CRUD ---

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf_1")

	got, err := s.GetWorkflow(ctx, "wf_1")
	require.NoError(t, err)
	assert.Equal(t, "genome-analysis", got.WorkflowName)
	assert.Equal(t, schema.WorkflowStatusPending, got.Status)
	assert.Equal(t, map[string]any{"output_dir": "/results"}, got.BaseContext)
	assert.Equal(t, 2, got.MaxParallel)

	require.Len(t, got.Steps, 2)
	assert.Equal(t, "assemble", got.Steps[0].StepName)
	assert.Equal(t, "annotate", got.Steps[1].StepName)
	assert.Equal(t, []string{"assemble"}, got.Steps[1].DependsOn)
	assert.Equal(t, "${steps.assemble.outputs.contigs}", got.Steps[1].Params["contigs"])
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetWorkflow(context.Background(), "wf_missing")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestCreateWorkflow_DuplicateID(t *testing.T) {
	s := newTestStore(t)

	seedWorkflow(t, s, "wf_dup")
	err := s.CreateWorkflow(context.Background(), &Workflow{
		WorkflowID:   "wf_dup",
		WorkflowName: "other",
		Status:       schema.WorkflowStatusPending,
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}

func TestListWorkflows_StatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf_a")
	seedWorkflow(t, s, "wf_b")

	running := schema.WorkflowStatusRunning
	require.NoError(t, s.ApplyUpdates(ctx, "wf_b", UpdateBatch{
		Workflow: &WorkflowUpdate{Status: &running},
	}))

	pending, err := s.ListWorkflows(ctx, WorkflowFilter{
		Statuses: []schema.WorkflowStatus{schema.WorkflowStatusPending},
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "wf_a", pending[0].WorkflowID)

	active, err := s.ListWorkflows(ctx, WorkflowFilter{
		Statuses: []schema.WorkflowStatus{schema.WorkflowStatusPending, schema.WorkflowStatusRunning},
	})
	require.NoError(t, err)
	assert.Len(t, active, 2)
	// Oldest first.
	assert.Equal(t, "wf_a", active[0].WorkflowID)
	require.Len(t, active[0].Steps, 2)
}

// --- ApplyUpdates ---

func TestApplyUpdates_StepAndWorkflowAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf_atomic")

	stepRunning := schema.StepStatusRunning
	wfRunning := schema.WorkflowStatusRunning
	now := time.Now().UTC()
	taskID := "task_42"

	err := s.ApplyUpdates(ctx, "wf_atomic", UpdateBatch{
		Steps: map[string]StepUpdate{
			"assemble": {
				Status:         &stepRunning,
				TaskID:         &taskID,
				ResolvedParams: map[string]any{"reads": "sample.fastq"},
				StartedAt:      &now,
			},
		},
		Workflow: &WorkflowUpdate{Status: &wfRunning, StartedAt: &now},
		Events: []*Event{
			{Type: schema.EventStepStarted, StepName: "assemble"},
		},
	})
	require.NoError(t, err)

	got, err := s.GetWorkflow(ctx, "wf_atomic")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusRunning, got.Status)
	assert.Equal(t, schema.StepStatusRunning, got.Steps[0].Status)
	assert.Equal(t, "task_42", got.Steps[0].TaskID)
	assert.NotNil(t, got.Steps[0].StartedAt)

	events, err := s.ListEvents(ctx, "wf_atomic", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventStepStarted, events[0].Type)
}

func TestApplyUpdates_UnknownStepRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf_rollback")

	done := schema.StepStatusSucceeded
	wfDone := schema.WorkflowStatusSucceeded
	err := s.ApplyUpdates(ctx, "wf_rollback", UpdateBatch{
		Steps: map[string]StepUpdate{
			"ghost": {Status: &done},
		},
		Workflow: &WorkflowUpdate{Status: &wfDone},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))

	// The workflow update must not have landed.
	got, err := s.GetWorkflow(ctx, "wf_rollback")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusPending, got.Status)
}

func TestApplyUpdates_ResolvedOutputs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf_out")

	done := schema.StepStatusSucceeded
	err := s.ApplyUpdates(ctx, "wf_out", UpdateBatch{
		Steps: map[string]StepUpdate{
			"assemble": {
				Status:          &done,
				ResolvedOutputs: map[string]string{"contigs": "/results/contigs.fasta"},
			},
		},
	})
	require.NoError(t, err)

	got, err := s.GetWorkflow(ctx, "wf_out")
	require.NoError(t, err)
	assert.Equal(t, "/results/contigs.fasta", got.Steps[0].ResolvedOutputs["contigs"])
}

func TestApplyUpdates_TerminalRowsAreImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf_term")

	cancelled := schema.StepStatusCancelled
	wfCancelled := schema.WorkflowStatusCancelled
	now := time.Now().UTC()
	require.NoError(t, s.ApplyUpdates(ctx, "wf_term", UpdateBatch{
		Steps: map[string]StepUpdate{
			"assemble": {Status: &cancelled, CompletedAt: &now},
			"annotate": {Status: &cancelled, CompletedAt: &now},
		},
		Workflow: &WorkflowUpdate{Status: &wfCancelled, CompletedAt: &now},
	}))

	// A later batch built from a stale snapshot loses the race: the
	// write is dropped without error and the terminal rows stand.
	done := schema.StepStatusSucceeded
	wfDone := schema.WorkflowStatusSucceeded
	err := s.ApplyUpdates(ctx, "wf_term", UpdateBatch{
		Steps: map[string]StepUpdate{
			"assemble": {
				Status:          &done,
				ResolvedOutputs: map[string]string{"contigs": "/results/contigs.fasta"},
			},
		},
		Workflow: &WorkflowUpdate{Status: &wfDone},
	})
	require.NoError(t, err)

	got, err := s.GetWorkflow(ctx, "wf_term")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCancelled, got.Status)
	assert.Equal(t, schema.StepStatusCancelled, got.Steps[0].Status)
	assert.Empty(t, got.Steps[0].ResolvedOutputs)

	// A status-free update on a terminal row is still a plain write.
	attempts := 3
	require.NoError(t, s.ApplyUpdates(ctx, "wf_term", UpdateBatch{
		Steps: map[string]StepUpdate{
			"assemble": {SubmitAttempts: &attempts},
		},
	}))

	// An unknown step keeps erroring, guard or not.
	err = s.ApplyUpdates(ctx, "wf_term", UpdateBatch{
		Steps: map[string]StepUpdate{
			"ghost": {Status: &done},
		},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

// --- ID checks ---

func TestIDExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf_ids")

	exists, err := s.WorkflowIDExists(ctx, "wf_ids")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.WorkflowIDExists(ctx, "wf_nope")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = s.StepIDExists(ctx, "wf_ids_s0")
	require.NoError(t, err)
	assert.True(t, exists)
}

// --- Events ---

func TestAppendEvent_SequencePerWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf_e1")
	seedWorkflow(t, s, "wf_e2")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			WorkflowID: "wf_e1",
			Type:       schema.EventWorkflowQueued,
		}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{
		WorkflowID: "wf_e2",
		Type:       schema.EventWorkflowQueued,
	}))

	events, err := s.ListEvents(ctx, "wf_e1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	// Sequences are independent per workflow.
	other, err := s.ListEvents(ctx, "wf_e2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence)
}

func TestListEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf_since")
	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			WorkflowID: "wf_since",
			Type:       schema.EventStepSubmitted,
			StepName:   "assemble",
		}))
	}

	events, err := s.ListEvents(ctx, "wf_since", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Sequence)
}

// --- Retention ---

func TestDeleteWorkflowsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf_old")
	seedWorkflow(t, s, "wf_new")
	seedWorkflow(t, s, "wf_active")

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()
	done := schema.WorkflowStatusSucceeded

	require.NoError(t, s.ApplyUpdates(ctx, "wf_old", UpdateBatch{
		Workflow: &WorkflowUpdate{Status: &done, CompletedAt: &old},
	}))
	require.NoError(t, s.ApplyUpdates(ctx, "wf_new", UpdateBatch{
		Workflow: &WorkflowUpdate{Status: &done, CompletedAt: &recent},
	}))
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: "wf_old", Type: schema.EventWorkflowSucceeded}))

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	n, err := s.DeleteWorkflowsBefore(ctx, cutoff, []schema.WorkflowStatus{
		schema.WorkflowStatusSucceeded, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetWorkflow(ctx, "wf_old")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))

	// Events of the purged workflow are gone too.
	events, err := s.ListEvents(ctx, "wf_old", 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	// Recent and active workflows survive.
	_, err = s.GetWorkflow(ctx, "wf_new")
	require.NoError(t, err)
	_, err = s.GetWorkflow(ctx, "wf_active")
	require.NoError(t, err)
}
