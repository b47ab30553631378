// Package engine drives workflow execution: a ticker-driven poll loop
// that reloads active workflows from the store each cycle, queries the
// backend for task progress, cascades failures, and submits ready
// steps up to each workflow's parallelism budget. All state lives in
// the store; the engine itself is stateless across cycles.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seqlab/conveyor/internal/backend"
	"github.com/seqlab/conveyor/internal/graph"
	"github.com/seqlab/conveyor/internal/logging"
	"github.com/seqlab/conveyor/internal/metrics"
	"github.com/seqlab/conveyor/internal/resolve"
	"github.com/seqlab/conveyor/internal/store"
	"github.com/seqlab/conveyor/pkg/schema"
)

// Config holds the engine's tunables.
type Config struct {
	// PollInterval is the period between poll cycles.
	PollInterval time.Duration
	// Workers bounds cross-workflow parallelism within a cycle.
	Workers int
	// SubmitRetryMax bounds transient submit retries per step.
	SubmitRetryMax int
	// AutoResume runs the first cycle immediately on Start, picking up
	// whatever the store holds. When false the first cycle waits for
	// the first tick.
	AutoResume bool
}

// Engine is the poll-loop executor.
type Engine struct {
	store   store.Store
	backend backend.Client
	cfg     Config
	logger  *slog.Logger
	pool    *WorkerPool
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
}

// New creates an Engine. Zero config fields fall back to defaults.
func New(st store.Store, be backend.Client, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SubmitRetryMax <= 0 {
		cfg.SubmitRetryMax = 3
	}
	return &Engine{
		store:   st,
		backend: be,
		cfg:     cfg,
		logger:  logger,
		pool:    NewWorkerPool(cfg.Workers),
	}
}

// Start launches the background poll loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.done != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.loop(runCtx)
	e.logger.Info("engine started",
		slog.Duration("poll_interval", e.cfg.PollInterval),
		slog.Bool("auto_resume", e.cfg.AutoResume),
	)
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	if e.cfg.AutoResume {
		e.RunCycle(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// Stop gracefully shuts down the loop, waiting for the in-flight cycle.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel == nil {
		return nil
	}

	e.cancel()
	<-e.done
	e.pool.Shutdown()
	e.cancel = nil
	e.done = nil

	e.logger.Info("engine stopped")
	return nil
}

// RunCycle executes one full poll cycle: load every non-terminal
// workflow and process each on the worker pool. Exactly one goroutine
// touches a given workflow per cycle, which keeps the store writes for
// that workflow serialized.
func (e *Engine) RunCycle(ctx context.Context) {
	start := time.Now()

	workflows, err := e.store.ListWorkflows(ctx, store.WorkflowFilter{
		Statuses: []schema.WorkflowStatus{
			schema.WorkflowStatusPending,
			schema.WorkflowStatusQueued,
			schema.WorkflowStatusRunning,
		},
	})
	if err != nil {
		e.logger.Error("failed to list active workflows", slog.String("error", err.Error()))
		metrics.ExecutorErrors.WithLabelValues("store").Inc()
		return
	}
	metrics.ActiveWorkflows.Set(float64(len(workflows)))

	for _, wf := range workflows {
		if err := e.pool.Submit(ctx, func(ctx context.Context) error {
			return e.processWorkflow(ctx, wf)
		}); err != nil {
			break
		}
	}
	e.pool.Wait()

	metrics.PollCycles.Inc()
	metrics.PollDuration.Observe(time.Since(start).Seconds())
}

// processWorkflow advances a single workflow by one cycle. The order
// matters: observed backend progress lands before failure cascades,
// cascades before the ready computation, and everything already
// observed is persisted before any new submission.
func (e *Engine) processWorkflow(ctx context.Context, wf *store.Workflow) error {
	ctx = logging.WithWorkflowID(ctx, wf.WorkflowID)
	log := logging.LogWith(ctx, e.logger)

	g, err := graph.Build(stepDefinitions(wf.Steps))
	if err != nil {
		// Stored workflows passed validation at submission; a broken
		// graph here means the store was edited out of band.
		log.Error("stored workflow has an invalid graph", slog.String("error", err.Error()))
		metrics.ExecutorErrors.WithLabelValues("graph").Inc()
		return err
	}

	c := newCycle(e, wf, g)

	if wf.Status == schema.WorkflowStatusPending {
		c.setWorkflowStatus(ctx, schema.WorkflowStatusQueued)
	}
	c.pollBackend(ctx)
	c.cascade(ctx)
	c.markReady(ctx)
	if err := c.flush(ctx); err != nil {
		log.Error("failed to persist poll results", slog.String("error", err.Error()))
		metrics.ExecutorErrors.WithLabelValues("store").Inc()
		return err
	}
	if err := c.submitReady(ctx); err != nil {
		metrics.ExecutorErrors.WithLabelValues("store").Inc()
		return err
	}
	return c.flush(ctx)
}

// workflowCycle is the per-workflow working state for one poll cycle.
type workflowCycle struct {
	e        *Engine
	wf       *store.Workflow
	g        *graph.Graph
	steps    map[string]*store.Step
	statuses map[string]schema.StepStatus
	batch    store.UpdateBatch
}

func newCycle(e *Engine, wf *store.Workflow, g *graph.Graph) *workflowCycle {
	c := &workflowCycle{
		e:        e,
		wf:       wf,
		g:        g,
		steps:    make(map[string]*store.Step, len(wf.Steps)),
		statuses: make(map[string]schema.StepStatus, len(wf.Steps)),
		batch:    store.UpdateBatch{Steps: make(map[string]store.StepUpdate)},
	}
	for _, s := range wf.Steps {
		c.steps[s.StepName] = s
		c.statuses[s.StepName] = s.Status
	}
	return c
}

// flush recomputes the workflow status from the step statuses and
// writes the staged batch in one transaction. A step status never
// lands without its workflow recomputation.
func (c *workflowCycle) flush(ctx context.Context) error {
	if next := NextWorkflowStatus(c.wf.Status, c.statuses); next != c.wf.Status {
		c.setWorkflowStatus(ctx, next)
	}
	if c.batch.Empty() {
		return nil
	}
	batch := c.batch
	c.batch = store.UpdateBatch{Steps: make(map[string]store.StepUpdate)}
	return c.e.store.ApplyUpdates(ctx, c.wf.WorkflowID, batch)
}

// pollBackend queries task status for every step holding a task_id and
// stages the observed transitions. Query failures leave all statuses
// untouched; the next tick retries.
func (c *workflowCycle) pollBackend(ctx context.Context) {
	var taskIDs []string
	byTask := make(map[string]*store.Step)
	for _, s := range c.wf.Steps {
		if s.TaskID == "" {
			continue
		}
		switch c.statuses[s.StepName] {
		case schema.StepStatusQueued, schema.StepStatusRunning:
			taskIDs = append(taskIDs, s.TaskID)
			byTask[s.TaskID] = s
		}
	}
	if len(taskIDs) == 0 {
		return
	}

	start := time.Now()
	results, err := c.e.backend.StatusBatch(ctx, taskIDs)
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.QueryErrors.Inc()
		metrics.ExecutorErrors.WithLabelValues("query").Inc()
		logging.LogWith(ctx, c.e.logger).Warn("backend status query failed",
			slog.Int("tasks", len(taskIDs)),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, taskID := range taskIDs {
		res, ok := results[taskID]
		if !ok {
			continue
		}
		step := byTask[taskID]
		now := time.Now().UTC()
		mapped, known := backend.StepStatusFor(res.Status)
		if !known {
			metrics.ExecutorErrors.WithLabelValues("status").Inc()
			logging.LogWith(ctx, c.e.logger).Warn("unknown backend task status",
				slog.String("task_id", taskID),
				slog.String("step", step.StepName),
				slog.String("status", string(res.Status)),
			)
		}
		switch mapped {
		case schema.StepStatusRunning:
			if c.statuses[step.StepName] == schema.StepStatusQueued {
				c.setStep(ctx, step.StepName, schema.StepStatusRunning, store.StepUpdate{StartedAt: &now})
			}
		case schema.StepStatusSucceeded:
			c.completeStep(ctx, step)
		case schema.StepStatusFailed:
			msg := res.Error
			if msg == "" {
				msg = "backend task failed"
			}
			c.setStep(ctx, step.StepName, schema.StepStatusFailed, store.StepUpdate{
				Error:       &msg,
				CompletedAt: &now,
			})
		}
	}
}

// completeStep resolves the step's output expressions to literals and
// marks it succeeded. Outputs reference only the step's own params and
// the base context, so resolution cannot be premature here.
func (c *workflowCycle) completeStep(ctx context.Context, step *store.Step) {
	now := time.Now().UTC()
	resolved, err := resolve.ResolveOutputs(step.Outputs, c.scopeFor(step))
	if err != nil {
		msg := err.Error()
		c.setStep(ctx, step.StepName, schema.StepStatusFailed, store.StepUpdate{
			Error:       &msg,
			CompletedAt: &now,
		})
		return
	}
	step.ResolvedOutputs = resolved
	c.setStep(ctx, step.StepName, schema.StepStatusSucceeded, store.StepUpdate{
		ResolvedOutputs: resolved,
		CompletedAt:     &now,
	})
}

// cascade marks every reachable descendant of a failed step as
// upstream_failed, in one pass.
func (c *workflowCycle) cascade(ctx context.Context) {
	now := time.Now().UTC()
	for _, name := range c.g.Cascade(c.statuses) {
		msg := "upstream step failed"
		c.setStep(ctx, name, schema.StepStatusUpstreamFailed, store.StepUpdate{
			Error:       &msg,
			CompletedAt: &now,
		})
	}
}

// markReady promotes pending steps whose dependencies all succeeded.
func (c *workflowCycle) markReady(ctx context.Context) {
	for _, name := range c.g.ReadySteps(c.statuses) {
		if c.statuses[name] == schema.StepStatusPending {
			c.setStep(ctx, name, schema.StepStatusReady, store.StepUpdate{})
		}
	}
}

// submitReady submits ready steps in declaration order up to the
// workflow's free parallelism budget. Each accepted submission is
// persisted immediately so a crash never loses a task_id.
func (c *workflowCycle) submitReady(ctx context.Context) error {
	capacity := c.wf.MaxParallel - c.countActive()
	if capacity <= 0 {
		return nil
	}

	for _, name := range c.g.ReadySteps(c.statuses) {
		if capacity <= 0 {
			break
		}
		step := c.steps[name]
		sctx := logging.WithStepName(ctx, name)
		log := logging.LogWith(sctx, c.e.logger)

		resolved, err := resolve.ResolveParams(step.Params, c.scopeFor(step))
		if err != nil {
			switch schema.ErrorCode(err) {
			case schema.ErrCodePrematureReference, schema.ErrCodeUnresolvedVariable:
				// Not resolvable yet; the step stays ready and is
				// retried next tick.
				log.Debug("step params not yet resolvable", slog.String("error", err.Error()))
			default:
				now := time.Now().UTC()
				msg := err.Error()
				c.setStep(sctx, name, schema.StepStatusFailed, store.StepUpdate{
					Error:       &msg,
					CompletedAt: &now,
				})
				if err := c.flush(sctx); err != nil {
					return err
				}
			}
			continue
		}

		taskID, err := c.e.backend.Submit(sctx, step.App, resolved)
		if err != nil {
			metrics.SubmitErrors.WithLabelValues(step.App).Inc()
			if err := c.stageSubmitFailure(sctx, step, err); err != nil {
				return err
			}
			continue
		}

		metrics.StepsSubmitted.WithLabelValues(step.App).Inc()
		now := time.Now().UTC()
		attempts := step.SubmitAttempts + 1
		c.setStep(sctx, name, schema.StepStatusQueued, store.StepUpdate{
			TaskID:         &taskID,
			ResolvedParams: resolved,
			SubmitAttempts: &attempts,
			SubmittedAt:    &now,
		})
		step.TaskID = taskID
		step.ResolvedParams = resolved
		log.Info("step submitted",
			slog.String("app", step.App),
			slog.String("task_id", taskID),
		)
		if err := c.flush(sctx); err != nil {
			return err
		}
		capacity--
	}
	return nil
}

// stageSubmitFailure handles a failed backend submission: transient
// errors burn one bounded retry attempt, permanent errors and
// exhausted retries fail the step.
func (c *workflowCycle) stageSubmitFailure(ctx context.Context, step *store.Step, cause error) error {
	log := logging.LogWith(ctx, c.e.logger)
	attempts := step.SubmitAttempts + 1
	now := time.Now().UTC()

	switch {
	case !backend.IsTransient(cause):
		msg := cause.Error()
		c.setStep(ctx, step.StepName, schema.StepStatusFailed, store.StepUpdate{
			Error:          &msg,
			SubmitAttempts: &attempts,
			CompletedAt:    &now,
		})
	case attempts >= c.e.cfg.SubmitRetryMax:
		msg := schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"submit failed after %d attempts: %s", attempts, cause.Error()).Error()
		c.setStep(ctx, step.StepName, schema.StepStatusFailed, store.StepUpdate{
			Error:          &msg,
			SubmitAttempts: &attempts,
			CompletedAt:    &now,
		})
	default:
		log.Warn("transient submit failure, will retry",
			slog.Int("attempt", attempts),
			slog.String("error", cause.Error()),
		)
		step.SubmitAttempts = attempts
		c.batch.Steps[step.StepName] = store.StepUpdate{SubmitAttempts: &attempts}
	}
	return c.flush(ctx)
}

// setStep stages a validated step transition plus its log event.
func (c *workflowCycle) setStep(ctx context.Context, name string, to schema.StepStatus, upd store.StepUpdate) {
	from := c.statuses[name]
	if err := ValidateStepTransition(c.wf.WorkflowID, name, from, to); err != nil {
		logging.LogWith(ctx, c.e.logger).Warn("rejected step transition", slog.String("error", err.Error()))
		return
	}
	upd.Status = &to
	c.batch.Steps[name] = upd
	c.statuses[name] = to
	c.steps[name].Status = to
	if et := stepEventType(to); et != "" {
		c.batch.Events = append(c.batch.Events, &store.Event{
			WorkflowID: c.wf.WorkflowID,
			StepName:   name,
			Type:       et,
		})
	}
	if to.IsTerminal() {
		metrics.StepsCompleted.WithLabelValues(c.steps[name].App, string(to)).Inc()
	}
}

// setWorkflowStatus stages a validated workflow transition, resolving
// workflow outputs on success and summarizing step failures on
// failure.
func (c *workflowCycle) setWorkflowStatus(ctx context.Context, to schema.WorkflowStatus) {
	from := c.wf.Status
	if err := ValidateWorkflowTransition(c.wf.WorkflowID, from, to); err != nil {
		logging.LogWith(ctx, c.e.logger).Warn("rejected workflow transition", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	upd := &store.WorkflowUpdate{Status: &to}
	if to == schema.WorkflowStatusRunning && c.wf.StartedAt == nil {
		upd.StartedAt = &now
	}
	if to.IsTerminal() {
		upd.CompletedAt = &now
	}
	switch to {
	case schema.WorkflowStatusSucceeded:
		upd.ResolvedOutputs = c.resolveWorkflowOutputs(ctx)
	case schema.WorkflowStatusFailed:
		msg := c.failureSummary()
		upd.Error = &msg
	}

	c.batch.Workflow = upd
	c.wf.Status = to
	if et := workflowEventType(to); et != "" {
		c.batch.Events = append(c.batch.Events, &store.Event{
			WorkflowID: c.wf.WorkflowID,
			Type:       et,
		})
	}
	if to.IsTerminal() {
		metrics.WorkflowsCompleted.WithLabelValues(string(to)).Inc()
	}
}

// resolveWorkflowOutputs maps each workflow output expression to its
// literal value, drawn from the resolved outputs of succeeded steps.
func (c *workflowCycle) resolveWorkflowOutputs(ctx context.Context) map[string]string {
	if len(c.wf.WorkflowOutputs) == 0 {
		return nil
	}
	scope := c.scopeFor(nil)
	out := make(map[string]string, len(c.wf.WorkflowOutputs))
	for _, expr := range c.wf.WorkflowOutputs {
		v, err := resolve.ResolveString(expr, scope)
		if err != nil {
			logging.LogWith(ctx, c.e.logger).Warn("workflow output did not resolve",
				slog.String("expression", expr),
				slog.String("error", err.Error()),
			)
			continue
		}
		out[expr] = fmt.Sprintf("%v", v)
	}
	return out
}

func (c *workflowCycle) failureSummary() string {
	var failed []string
	for _, s := range c.wf.Steps {
		switch c.statuses[s.StepName] {
		case schema.StepStatusFailed, schema.StepStatusUpstreamFailed:
			failed = append(failed, s.StepName)
		}
	}
	return "failed steps: " + strings.Join(failed, ", ")
}

// scopeFor builds the resolution scope as of the current cycle state.
// Only succeeded steps contribute outputs, so a reference to an
// unfinished step surfaces as premature rather than unknown. A nil
// step yields a workflow-level scope.
func (c *workflowCycle) scopeFor(step *store.Step) *resolve.Scope {
	scope := &resolve.Scope{
		Base:        c.wf.BaseContext,
		StepOutputs: make(map[string]map[string]string),
		StepParams:  make(map[string]map[string]any),
		KnownSteps:  make(map[string]bool, len(c.steps)),
	}
	if step != nil {
		scope.Params = stepParams(step)
	}
	for name, s := range c.steps {
		scope.KnownSteps[name] = true
		scope.StepParams[name] = stepParams(s)
		if c.statuses[name] == schema.StepStatusSucceeded && s.ResolvedOutputs != nil {
			scope.StepOutputs[name] = s.ResolvedOutputs
		}
	}
	return scope
}

func (c *workflowCycle) countActive() int {
	n := 0
	for _, st := range c.statuses {
		if st == schema.StepStatusQueued || st == schema.StepStatusRunning {
			n++
		}
	}
	return n
}

func stepParams(s *store.Step) map[string]any {
	if s.ResolvedParams != nil {
		return s.ResolvedParams
	}
	return s.Params
}

func stepDefinitions(steps []*store.Step) []schema.StepDefinition {
	defs := make([]schema.StepDefinition, len(steps))
	for i, s := range steps {
		defs[i] = schema.StepDefinition{
			StepName:  s.StepName,
			App:       s.App,
			Params:    s.Params,
			Outputs:   s.Outputs,
			DependsOn: s.DependsOn,
		}
	}
	return defs
}
