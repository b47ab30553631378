package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/seqlab/conveyor/pkg/schema"
)

// Backend RPC method names.
const (
	methodSubmit = "AppService.start_app2"
	methodQuery  = "AppService.query_tasks"
	methodKill   = "AppService.kill_task"
)

// JSONRPCClient talks to the backend over JSON-RPC 2.0 HTTP POST.
type JSONRPCClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewJSONRPCClient creates a client for the given endpoint. The auth
// token, when non-empty, is sent as the Authorization header on every
// request.
func NewJSONRPCClient(baseURL, authToken string, timeout time.Duration) *JSONRPCClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &JSONRPCClient{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      string `json:"id"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      string          `json:"id"`
}

// call issues a single JSON-RPC request and returns the raw result.
func (c *JSONRPCClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, &serverError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	return rpcResp.Result, nil
}

// httpStatusError is a non-200 HTTP response from the backend.
type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("backend returned HTTP %d: %s", e.Status, e.Body)
}

// serverError is a JSON-RPC level error from the backend.
type serverError struct {
	Code    int
	Message string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("backend RPC error %d: %s", e.Code, e.Message)
}

// Submit sends a step's params to the named app. Positional params are
// [app, params, {}]; the task ID comes back under "id" (some backends
// wrap the record in a one-element list).
func (c *JSONRPCClient) Submit(ctx context.Context, app string, params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	result, err := c.call(ctx, methodSubmit, []any{app, params, map[string]any{}})
	if err != nil {
		return "", submitErr(app, err)
	}

	taskID, err := extractTaskID(result)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeSubmit, "submit to %q: %s", app, err.Error()).WithCause(err)
	}
	return taskID, nil
}

func extractTaskID(result json.RawMessage) (string, error) {
	var record map[string]any

	var list []map[string]any
	if err := json.Unmarshal(result, &list); err == nil {
		if len(list) == 0 {
			return "", fmt.Errorf("empty task list in response")
		}
		record = list[0]
	} else if err := json.Unmarshal(result, &record); err != nil {
		return "", fmt.Errorf("unexpected result shape: %s", string(result))
	}

	for _, key := range []string{"id", "task_id"} {
		if v, ok := record[key]; ok && v != nil {
			return fmt.Sprintf("%v", v), nil
		}
	}
	return "", fmt.Errorf("response missing task id field")
}

// StatusBatch queries many tasks in one round trip. Tasks absent from
// the response are omitted from the returned map.
func (c *JSONRPCClient) StatusBatch(ctx context.Context, taskIDs []string) (map[string]TaskResult, error) {
	if len(taskIDs) == 0 {
		return map[string]TaskResult{}, nil
	}
	result, err := c.call(ctx, methodQuery, []any{taskIDs})
	if err != nil {
		return nil, queryErr(err)
	}

	var statuses map[string]TaskResult
	if err := json.Unmarshal(result, &statuses); err != nil {
		return nil, queryErr(fmt.Errorf("decode status map: %w", err))
	}
	return statuses, nil
}

// Cancel asks the backend to kill a task. Best-effort: callers log and
// move on.
func (c *JSONRPCClient) Cancel(ctx context.Context, taskID string) error {
	_, err := c.call(ctx, methodKill, []any{taskID})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeCancelled, "cancel task %q", taskID).WithCause(err)
	}
	return nil
}

func submitErr(app string, err error) *schema.ConveyorError {
	return schema.NewErrorf(schema.ErrCodeSubmit, "submit to %q failed", app).WithCause(err).
		WithDetails(map[string]any{"app": app})
}

func queryErr(err error) *schema.ConveyorError {
	return schema.NewError(schema.ErrCodeQuery, "task status query failed").WithCause(err)
}
