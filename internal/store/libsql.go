package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/seqlab/conveyor/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded
// SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/conveyor.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "open libsql").WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return schema.NewError(schema.ErrCodeStore, "run migrations").WithCause(err)
	}
	return nil
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	if err != nil {
		return storeErr("vacuum", err)
	}
	return nil
}

// --- Workflows ---

const workflowColumns = `workflow_id, workflow_name, version, status, base_context, workflow_outputs, resolved_outputs, max_parallel, error, created_at, started_at, completed_at, updated_at`

const stepColumns = `workflow_id, step_id, step_name, app, position, status, params, resolved_params, outputs, resolved_outputs, depends_on, task_id, submit_attempts, error, submitted_at, started_at, completed_at`

// CreateWorkflow inserts a workflow and all of its steps in one
// transaction. A duplicate workflow or step ID yields CONFLICT.
func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	baseCtx, err := marshalMapOrDefault(wf.BaseContext)
	if err != nil {
		return storeErr("marshal base_context", err)
	}
	outputs, err := marshalOrNil(wf.WorkflowOutputs)
	if err != nil {
		return storeErr("marshal workflow_outputs", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.WorkflowID, wf.WorkflowName, nullStr(wf.Version), string(wf.Status),
		string(baseCtx), nullRaw(outputs), nil, wf.MaxParallel, nullStr(wf.Error),
		timeOrNow(wf.CreatedAt), nullTime(wf.StartedAt), nullTime(wf.CompletedAt), timeOrNow(wf.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.WorkflowID).WithCause(err)
		}
		return storeErr("insert workflow", err)
	}

	for _, step := range wf.Steps {
		if err := insertStep(ctx, tx, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit workflow", err)
	}
	return nil
}

func insertStep(ctx context.Context, tx *sql.Tx, step *Step) error {
	params, err := marshalOrNil(step.Params)
	if err != nil {
		return storeErr("marshal params", err)
	}
	resolvedParams, err := marshalOrNil(step.ResolvedParams)
	if err != nil {
		return storeErr("marshal resolved_params", err)
	}
	outputs, err := marshalOrNil(step.Outputs)
	if err != nil {
		return storeErr("marshal outputs", err)
	}
	resolvedOutputs, err := marshalOrNil(step.ResolvedOutputs)
	if err != nil {
		return storeErr("marshal resolved_outputs", err)
	}
	dependsOn, err := marshalOrNil(step.DependsOn)
	if err != nil {
		return storeErr("marshal depends_on", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO steps (`+stepColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.WorkflowID, step.StepID, step.StepName, step.App, step.Position, string(step.Status),
		nullRaw(params), nullRaw(resolvedParams), nullRaw(outputs), nullRaw(resolvedOutputs),
		nullRaw(dependsOn), nullStr(step.TaskID), step.SubmitAttempts, nullStr(step.Error),
		nullTime(step.SubmittedAt), nullTime(step.StartedAt), nullTime(step.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "step %q already exists", step.StepID).WithCause(err)
		}
		return storeErr("insert step", err)
	}
	return nil
}

// GetWorkflow loads a workflow with all of its steps in declaration
// order.
func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = ?`, id)
	wf, err := scanWorkflow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeErr("scan workflow", err)
	}

	steps, err := s.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Steps = steps
	return wf, nil
}

func (s *LibSQLStore) loadSteps(ctx context.Context, workflowID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE workflow_id = ? ORDER BY position ASC`, workflowID)
	if err != nil {
		return nil, storeErr("query steps", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		step, err := scanStep(rows.Scan)
		if err != nil {
			return nil, storeErr("scan step", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate steps", err)
	}
	return steps, nil
}

// ListWorkflows returns workflows matching the filter, steps included,
// oldest first so the engine processes submissions in arrival order.
func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query workflows", err)
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, storeErr("scan workflow", err)
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate workflows", err)
	}

	for _, wf := range workflows {
		steps, err := s.loadSteps(ctx, wf.WorkflowID)
		if err != nil {
			return nil, err
		}
		wf.Steps = steps
	}
	return workflows, nil
}

// ApplyUpdates writes the batch in a single transaction. Events receive
// their per-workflow sequence numbers inside the same transaction.
func (s *LibSQLStore) ApplyUpdates(ctx context.Context, workflowID string, batch UpdateBatch) error {
	if batch.Empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	for stepName, update := range batch.Steps {
		if err := applyStepUpdate(ctx, tx, workflowID, stepName, update); err != nil {
			return err
		}
	}

	if batch.Workflow != nil {
		if err := applyWorkflowUpdate(ctx, tx, workflowID, *batch.Workflow); err != nil {
			return err
		}
	}

	for _, event := range batch.Events {
		event.WorkflowID = workflowID
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit updates", err)
	}
	return nil
}

func applyStepUpdate(ctx context.Context, tx *sql.Tx, workflowID, stepName string, update StepUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.TaskID != nil {
		sets = append(sets, "task_id = ?")
		args = append(args, *update.TaskID)
	}
	if update.ResolvedParams != nil {
		raw, err := json.Marshal(update.ResolvedParams)
		if err != nil {
			return storeErr("marshal resolved_params", err)
		}
		sets = append(sets, "resolved_params = ?")
		args = append(args, string(raw))
	}
	if update.ResolvedOutputs != nil {
		raw, err := json.Marshal(update.ResolvedOutputs)
		if err != nil {
			return storeErr("marshal resolved_outputs", err)
		}
		sets = append(sets, "resolved_outputs = ?")
		args = append(args, string(raw))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.SubmitAttempts != nil {
		sets = append(sets, "submit_attempts = ?")
		args = append(args, *update.SubmitAttempts)
	}
	if update.SubmittedAt != nil {
		sets = append(sets, "submitted_at = ?")
		args = append(args, *update.SubmittedAt)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, workflowID, stepName)

	where := "workflow_id = ? AND step_name = ?"
	if update.Status != nil {
		// A terminal step row is immutable. The in-memory FSM check runs
		// against a snapshot, so a concurrent cancel could have landed
		// since; the guard makes losing that race a no-op.
		where += " AND status NOT IN ('succeeded','failed','upstream_failed','cancelled')"
	}
	query := fmt.Sprintf("UPDATE steps SET %s WHERE %s", strings.Join(sets, ", "), where)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("update step", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update step", err)
	}
	if n == 0 {
		if update.Status == nil {
			return storeNotFound("step", workflowID+"/"+stepName)
		}
		return skipIfExists(ctx, tx,
			`SELECT COUNT(1) FROM steps WHERE workflow_id = ? AND step_name = ?`,
			"step", workflowID+"/"+stepName, workflowID, stepName)
	}
	return nil
}

func applyWorkflowUpdate(ctx context.Context, tx *sql.Tx, workflowID string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ResolvedOutputs != nil {
		raw, err := json.Marshal(update.ResolvedOutputs)
		if err != nil {
			return storeErr("marshal resolved_outputs", err)
		}
		sets = append(sets, "resolved_outputs = ?")
		args = append(args, string(raw))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, workflowID)

	where := "workflow_id = ?"
	if update.Status != nil {
		// Terminal workflow rows are immutable, same rationale as the
		// step guard.
		where += " AND status NOT IN ('succeeded','failed','cancelled')"
	}
	query := fmt.Sprintf("UPDATE workflows SET %s WHERE %s", strings.Join(sets, ", "), where)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("update workflow", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update workflow", err)
	}
	if n == 0 {
		if update.Status == nil {
			return storeNotFound("workflow", workflowID)
		}
		return skipIfExists(ctx, tx,
			`SELECT COUNT(1) FROM workflows WHERE workflow_id = ?`,
			"workflow", workflowID, workflowID)
	}
	return nil
}

// skipIfExists resolves a zero-row guarded update: an existing row lost
// the race against a terminal write and the update is dropped; a
// missing row is still NOT_FOUND.
func skipIfExists(ctx context.Context, tx *sql.Tx, countQuery, kind, id string, args ...any) error {
	var n int
	if err := tx.QueryRowContext(ctx, countQuery, args...).Scan(&n); err != nil {
		return storeErr("check "+kind, err)
	}
	if n == 0 {
		return storeNotFound(kind, id)
	}
	return nil
}

// --- ID collision checks ---

func (s *LibSQLStore) WorkflowIDExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM workflows WHERE workflow_id = ?`, id).Scan(&n)
	if err != nil {
		return false, storeErr("check workflow id", err)
	}
	return n > 0, nil
}

func (s *LibSQLStore) StepIDExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM steps WHERE step_id = ?`, id).Scan(&n)
	if err != nil {
		return false, storeErr("check step id", err)
	}
	return n > 0, nil
}

// --- Events ---

// AppendEvent appends an event with the next per-workflow sequence
// number.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit event", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, event *Event) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return storeErr("next event sequence", err)
	}
	event.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, step_name, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.StepName), event.Type, nullRaw(event.Payload),
		timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return storeErr("insert event", err)
	}
	return nil
}

// ListEvents returns a workflow's events with sequence greater than
// since, in sequence order.
func (s *LibSQLStore) ListEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, step_name, event_type, payload, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, storeErr("query events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepName, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &stepName, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.StepName = stepName.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate events", err)
	}
	return events, nil
}

// --- Retention ---

// DeleteWorkflowsBefore removes workflows in the given statuses whose
// completion predates the cutoff, along with their steps and events.
func (s *LibSQLStore) DeleteWorkflowsBefore(ctx context.Context, cutoff time.Time, statuses []schema.WorkflowStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(statuses))
	args := []any{cutoff}
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin tx", err)
	}
	defer tx.Rollback()

	where := fmt.Sprintf("completed_at IS NOT NULL AND completed_at < ? AND status IN (%s)", strings.Join(placeholders, ", "))

	// Events lack a foreign key, so sweep them explicitly.
	_, err = tx.ExecContext(ctx,
		`DELETE FROM events WHERE workflow_id IN (SELECT workflow_id FROM workflows WHERE `+where+`)`, args...)
	if err != nil {
		return 0, storeErr("delete events", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE `+where, args...)
	if err != nil {
		return 0, storeErr("delete workflows", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("rows affected", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit delete", err)
	}
	return n, nil
}

// --- Row scanning ---

type scanFunc func(dest ...any) error

func scanWorkflow(scan scanFunc) (*Workflow, error) {
	wf := &Workflow{}
	var (
		version, outputsJSON, resolvedJSON, errMsg sql.NullString
		baseCtxJSON, status                        string
		startedAt, completedAt                     sql.NullTime
	)
	err := scan(&wf.WorkflowID, &wf.WorkflowName, &version, &status, &baseCtxJSON,
		&outputsJSON, &resolvedJSON, &wf.MaxParallel, &errMsg,
		&wf.CreatedAt, &startedAt, &completedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.Version = version.String
	wf.Status = schema.WorkflowStatus(status)
	wf.Error = errMsg.String
	if baseCtxJSON != "" {
		_ = json.Unmarshal([]byte(baseCtxJSON), &wf.BaseContext)
	}
	if outputsJSON.Valid {
		_ = json.Unmarshal([]byte(outputsJSON.String), &wf.WorkflowOutputs)
	}
	if resolvedJSON.Valid {
		_ = json.Unmarshal([]byte(resolvedJSON.String), &wf.ResolvedOutputs)
	}
	if startedAt.Valid {
		wf.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		wf.CompletedAt = &completedAt.Time
	}
	return wf, nil
}

func scanStep(scan scanFunc) (*Step, error) {
	step := &Step{}
	var (
		status                                                        string
		params, resolvedParams, outputs, resolvedOutputs, dependsOn   sql.NullString
		taskID, errMsg                                                sql.NullString
		submittedAt, startedAt, completedAt                           sql.NullTime
	)
	err := scan(&step.WorkflowID, &step.StepID, &step.StepName, &step.App, &step.Position, &status,
		&params, &resolvedParams, &outputs, &resolvedOutputs, &dependsOn,
		&taskID, &step.SubmitAttempts, &errMsg, &submittedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	step.Status = schema.StepStatus(status)
	step.TaskID = taskID.String
	step.Error = errMsg.String
	if params.Valid {
		_ = json.Unmarshal([]byte(params.String), &step.Params)
	}
	if resolvedParams.Valid {
		_ = json.Unmarshal([]byte(resolvedParams.String), &step.ResolvedParams)
	}
	if outputs.Valid {
		_ = json.Unmarshal([]byte(outputs.String), &step.Outputs)
	}
	if resolvedOutputs.Valid {
		_ = json.Unmarshal([]byte(resolvedOutputs.String), &step.ResolvedOutputs)
	}
	if dependsOn.Valid {
		_ = json.Unmarshal([]byte(dependsOn.String), &step.DependsOn)
	}
	if submittedAt.Valid {
		step.SubmittedAt = &submittedAt.Time
	}
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		step.CompletedAt = &completedAt.Time
	}
	return step, nil
}

// --- Helpers ---

func storeErr(op string, err error) *schema.ConveyorError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s", op).WithCause(err)
}

func storeNotFound(resource, id string) *schema.ConveyorError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalOrNil(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(val) == 0 {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
