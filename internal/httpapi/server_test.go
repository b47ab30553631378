package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqlab/conveyor/internal/backend"
	"github.com/seqlab/conveyor/internal/engine"
	"github.com/seqlab/conveyor/internal/store"
	"github.com/seqlab/conveyor/pkg/schema"
)

// stubClient is a backend.Client that accepts everything.
type stubClient struct {
	nextID int64
}

func (c *stubClient) Submit(ctx context.Context, app string, params map[string]any) (string, error) {
	return fmt.Sprintf("task_%d", atomic.AddInt64(&c.nextID, 1)), nil
}

func (c *stubClient) StatusBatch(ctx context.Context, taskIDs []string) (map[string]backend.TaskResult, error) {
	out := make(map[string]backend.TaskResult, len(taskIDs))
	for _, id := range taskIDs {
		out[id] = backend.TaskResult{Status: backend.TaskRunning}
	}
	return out, nil
}

func (c *stubClient) Cancel(ctx context.Context, taskID string) error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "conveyor.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := engine.NewManager(s, &stubClient{}, 2, logger)
	srv := httptest.NewServer(NewServer(manager, logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

const submissionJSON = `{
	"workflow_name": "genome-pipeline",
	"base_context": {"output_dir": "/results"},
	"steps": [
		{"step_name": "assemble", "app": "Assembly2",
		 "params": {"reads": "/data/reads.fastq"},
		 "outputs": {"contigs": "${base.output_dir}/contigs.fasta"}},
		{"step_name": "annotate", "app": "Annotation",
		 "params": {"contigs": "${steps.assemble.outputs.contigs}"},
		 "depends_on": ["assemble"]}
	]
}`

func submitWorkflow(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/workflows", "application/json", strings.NewReader(submissionJSON))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out schema.SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.WorkflowID)
	return out.WorkflowID
}

func TestSubmitEndpoint(t *testing.T) {
	srv := newTestServer(t)
	id := submitWorkflow(t, srv)
	assert.True(t, strings.HasPrefix(id, "wf_"))
}

func TestSubmitEndpoint_RejectsClientWorkflowID(t *testing.T) {
	srv := newTestServer(t)
	payload := `{"workflow_name": "wf", "workflow_id": "wf_evil",
		"steps": [{"step_name": "a", "app": "Echo"}]}`
	resp, err := http.Post(srv.URL+"/api/workflows", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, schema.ErrCodeValidation, body.Error.Code)
}

func TestSubmitEndpoint_CycleIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	payload := `{"workflow_name": "wf", "steps": [
		{"step_name": "a", "app": "Echo", "depends_on": ["b"]},
		{"step_name": "b", "app": "Echo", "depends_on": ["a"]}
	]}`
	resp, err := http.Post(srv.URL+"/api/workflows", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, schema.ErrCodeCycleDetected, body.Error.Code)
	assert.Contains(t, body.Error.Message, "->")
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	id := submitWorkflow(t, srv)

	resp, err := http.Get(srv.URL + "/api/workflows/" + id + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status schema.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, id, status.WorkflowID)
	assert.Equal(t, schema.WorkflowStatusPending, status.Status)
	assert.False(t, status.CreatedAt.IsZero())
	assert.False(t, status.UpdatedAt.IsZero())
	assert.Len(t, status.Steps, 2)
}

func TestStatusEndpoint_NotFound(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/workflows/wf_missing/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListEndpoint_StatusFilter(t *testing.T) {
	srv := newTestServer(t)
	submitWorkflow(t, srv)

	resp, err := http.Get(srv.URL + "/api/workflows?status=pending")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)

	resp, err = http.Get(srv.URL + "/api/workflows?status=failed")
	require.NoError(t, err)
	defer resp.Body.Close()
	// No matches is an empty array, never null.
	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, float64(0), raw["count"])
	list, ok := raw["workflows"].([]any)
	require.True(t, ok, "workflows must be a JSON array")
	assert.Empty(t, list)
}

func TestCancelEndpoint(t *testing.T) {
	srv := newTestServer(t)
	id := submitWorkflow(t, srv)

	resp, err := http.Post(srv.URL+"/api/workflows/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A second cancel conflicts.
	resp, err = http.Post(srv.URL+"/api/workflows/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	id := submitWorkflow(t, srv)

	resp, err := http.Get(srv.URL + "/api/workflows/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Count  int `json:"count"`
		Events []struct {
			Type     string `json:"event_type"`
			Sequence int64  `json:"sequence"`
		} `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.GreaterOrEqual(t, body.Count, 1)
	assert.Equal(t, schema.EventWorkflowSubmitted, body.Events[0].Type)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	submitWorkflow(t, srv)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "workflows_submitted_total")
}
