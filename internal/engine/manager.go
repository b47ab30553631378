package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seqlab/conveyor/internal/backend"
	"github.com/seqlab/conveyor/internal/logging"
	"github.com/seqlab/conveyor/internal/metrics"
	"github.com/seqlab/conveyor/internal/resolve"
	"github.com/seqlab/conveyor/internal/store"
	"github.com/seqlab/conveyor/internal/validation"
	"github.com/seqlab/conveyor/pkg/schema"
)

const killTimeout = 30 * time.Second

// Manager is the submission-side API: accept, inspect, and cancel
// workflows. Execution itself belongs to the Engine.
type Manager struct {
	store              store.Store
	backend            backend.Client
	logger             *slog.Logger
	defaultMaxParallel int
}

// NewManager creates a Manager. defaultMaxParallel applies to
// submissions that leave max_parallel unset.
func NewManager(st store.Store, be backend.Client, defaultMaxParallel int, logger *slog.Logger) *Manager {
	if defaultMaxParallel <= 0 {
		defaultMaxParallel = 2
	}
	return &Manager{
		store:              st,
		backend:            be,
		logger:             logger,
		defaultMaxParallel: defaultMaxParallel,
	}
}

// SubmitWorkflow validates a submission, assigns collision-checked
// IDs, and persists the workflow with every step pending. The engine
// picks it up on its next cycle.
func (m *Manager) SubmitWorkflow(ctx context.Context, sub *schema.WorkflowSubmission) (*schema.SubmitResponse, error) {
	if err := validation.Validate(sub); err != nil {
		return nil, err
	}

	workflowID, err := schema.NewWorkflowID(ctx, m.store.WorkflowIDExists)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithWorkflowID(ctx, workflowID)

	maxParallel := sub.MaxParallel
	if maxParallel <= 0 {
		maxParallel = m.defaultMaxParallel
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		WorkflowID:      workflowID,
		WorkflowName:    sub.WorkflowName,
		Version:         sub.Version,
		Status:          schema.WorkflowStatusPending,
		BaseContext:     sub.BaseContext,
		WorkflowOutputs: sub.WorkflowOutputs,
		MaxParallel:     maxParallel,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	stepIDs := make(map[string]string, len(sub.Steps))
	for i, def := range sub.Steps {
		stepID, err := schema.NewStepID(ctx, i, m.store.StepIDExists)
		if err != nil {
			return nil, err
		}
		params, err := resolveBaseParams(def.Params, sub.BaseContext)
		if err != nil {
			return nil, schemaErrWithStep(err, workflowID, def.StepName)
		}
		outputs, err := resolveBaseOutputs(def.Outputs, sub.BaseContext)
		if err != nil {
			return nil, schemaErrWithStep(err, workflowID, def.StepName)
		}
		stepIDs[def.StepName] = stepID
		wf.Steps = append(wf.Steps, &store.Step{
			WorkflowID: workflowID,
			StepID:     stepID,
			StepName:   def.StepName,
			App:        def.App,
			Position:   i,
			Status:     schema.StepStatusPending,
			Params:     params,
			Outputs:    outputs,
			DependsOn:  def.DependsOn,
		})
	}

	if err := m.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	if err := m.store.AppendEvent(ctx, &store.Event{
		WorkflowID: workflowID,
		Type:       schema.EventWorkflowSubmitted,
	}); err != nil {
		logging.LogWith(ctx, m.logger).Warn("failed to record submission event", slog.String("error", err.Error()))
	}

	metrics.WorkflowsSubmitted.Inc()
	logging.LogWith(ctx, m.logger).Info("workflow submitted",
		slog.String("workflow_name", sub.WorkflowName),
		slog.Int("steps", len(sub.Steps)),
	)

	return &schema.SubmitResponse{
		WorkflowID: workflowID,
		Status:     schema.WorkflowStatusPending,
		StepIDs:    stepIDs,
	}, nil
}

// Status returns the full execution status of a workflow.
func (m *Manager) Status(ctx context.Context, workflowID string) (*schema.StatusResponse, error) {
	wf, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	resp := &schema.StatusResponse{
		WorkflowID:   wf.WorkflowID,
		WorkflowName: wf.WorkflowName,
		Status:       wf.Status,
		Error:        wf.Error,
		CreatedAt:    wf.CreatedAt,
		UpdatedAt:    wf.UpdatedAt,
	}
	if wf.Status == schema.WorkflowStatusSucceeded {
		resp.ResolvedOutputs = wf.ResolvedOutputs
	}
	for _, s := range wf.Steps {
		resp.Steps = append(resp.Steps, schema.StepStatusInfo{
			StepID:   s.StepID,
			StepName: s.StepName,
			App:      s.App,
			Status:   s.Status,
			TaskID:   s.TaskID,
			Error:    s.Error,
		})
	}
	return resp, nil
}

// Get returns the stored workflow document.
func (m *Manager) Get(ctx context.Context, workflowID string) (*store.Workflow, error) {
	return m.store.GetWorkflow(ctx, workflowID)
}

// List returns workflows matching the filter.
func (m *Manager) List(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	return m.store.ListWorkflows(ctx, filter)
}

// Events returns the workflow's event log entries after the given
// sequence number.
func (m *Manager) Events(ctx context.Context, workflowID string, since int64) ([]*store.Event, error) {
	if _, err := m.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return m.store.ListEvents(ctx, workflowID, since)
}

// Cancel marks a workflow and all of its non-terminal steps cancelled
// in one transaction, then fires best-effort backend kills for stored
// task IDs in the background. Terminal workflows are rejected with
// CONFLICT. Late backend completions for a cancelled workflow are
// ignored because the engine never reloads terminal workflows.
func (m *Manager) Cancel(ctx context.Context, workflowID string) error {
	ctx = logging.WithWorkflowID(ctx, workflowID)
	wf, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow is already %s", wf.Status).WithWorkflow(workflowID)
	}

	now := time.Now().UTC()
	cancelled := schema.StepStatusCancelled
	batch := store.UpdateBatch{Steps: make(map[string]store.StepUpdate)}
	var taskIDs []string
	for _, s := range wf.Steps {
		if s.Status.IsTerminal() {
			continue
		}
		batch.Steps[s.StepName] = store.StepUpdate{
			Status:      &cancelled,
			CompletedAt: &now,
		}
		batch.Events = append(batch.Events, &store.Event{
			WorkflowID: workflowID,
			StepName:   s.StepName,
			Type:       schema.EventStepCancelled,
		})
		if s.TaskID != "" && (s.Status == schema.StepStatusQueued || s.Status == schema.StepStatusRunning) {
			taskIDs = append(taskIDs, s.TaskID)
		}
	}
	wfCancelled := schema.WorkflowStatusCancelled
	batch.Workflow = &store.WorkflowUpdate{
		Status:      &wfCancelled,
		CompletedAt: &now,
	}
	batch.Events = append(batch.Events, &store.Event{
		WorkflowID: workflowID,
		Type:       schema.EventWorkflowCancelled,
	})

	if err := m.store.ApplyUpdates(ctx, workflowID, batch); err != nil {
		return err
	}
	metrics.WorkflowsCompleted.WithLabelValues(string(wfCancelled)).Inc()
	logging.LogWith(ctx, m.logger).Info("workflow cancelled", slog.Int("killed_tasks", len(taskIDs)))

	if len(taskIDs) > 0 {
		go m.killTasks(workflowID, taskIDs)
	}
	return nil
}

// killTasks asks the backend to stop the given tasks. Failures are
// logged and otherwise ignored; the cancellation is already durable.
func (m *Manager) killTasks(workflowID string, taskIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	ctx = logging.WithWorkflowID(ctx, workflowID)

	for _, taskID := range taskIDs {
		if err := m.backend.Cancel(ctx, taskID); err != nil {
			logging.LogWith(ctx, m.logger).Warn("backend kill failed",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// resolveBaseParams substitutes base-context references in a params
// tree at submission time. Step and params references stay verbatim
// for the engine to resolve later.
func resolveBaseParams(params map[string]any, base map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return params, nil
	}
	v, err := resolve.ResolveBase(params, base)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// resolveBaseOutputs substitutes base-context references in output
// expressions.
func resolveBaseOutputs(outputs map[string]string, base map[string]any) (map[string]string, error) {
	if len(outputs) == 0 {
		return outputs, nil
	}
	resolved := make(map[string]string, len(outputs))
	for name, expr := range outputs {
		v, err := resolve.ResolveBase(expr, base)
		if err != nil {
			return nil, err
		}
		if s, ok := v.(string); ok {
			resolved[name] = s
		} else {
			resolved[name] = fmt.Sprintf("%v", v)
		}
	}
	return resolved, nil
}

func schemaErrWithStep(err error, workflowID, stepName string) error {
	var cerr *schema.ConveyorError
	if errors.As(err, &cerr) {
		return cerr.WithWorkflow(workflowID).WithStep(stepName)
	}
	return err
}
