// Package httpapi exposes the workflow API over HTTP: submission,
// inspection, cancellation, the event log, health, and Prometheus
// metrics.
package httpapi

import (
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seqlab/conveyor/internal/engine"
	"github.com/seqlab/conveyor/internal/store"
	"github.com/seqlab/conveyor/internal/validation"
	"github.com/seqlab/conveyor/pkg/schema"
)

// Server serves the workflow HTTP API.
type Server struct {
	manager *engine.Manager
	logger  *slog.Logger
}

// NewServer creates a Server around the workflow manager.
func NewServer(manager *engine.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{manager: manager, logger: logger}
}

// Handler returns the HTTP handler for all API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/workflows", s.handleSubmit)
	mux.HandleFunc("GET /api/workflows", s.handleList)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGet)
	mux.HandleFunc("GET /api/workflows/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /api/workflows/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/workflows/{id}/events", s.handleEvents)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// handleSubmit accepts a workflow submission. The raw body goes
// through schema validation before decoding so unknown fields are
// rejected, not dropped.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "failed to read request body").WithCause(err))
		return
	}

	sub, err := validation.ParseSubmission(body)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.manager.SubmitWorkflow(r.Context(), sub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleList returns workflows, optionally filtered by ?status=.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, schema.WorkflowStatus(strings.TrimSpace(part)))
		}
	}

	workflows, err := s.manager.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if workflows == nil {
		// Encode an empty list, not null.
		workflows = []*store.Workflow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// handleGet returns the full stored workflow document.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleStatus returns the execution status view of a workflow.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCancel cancels a non-terminal workflow.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if err := s.manager.Cancel(r.Context(), workflowID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"workflow_id": workflowID,
		"status":      string(schema.WorkflowStatusCancelled),
	})
}

// handleEvents returns the workflow event log, optionally after
// ?since=<sequence>.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(queryInt(r, "since", 0))
	events, err := s.manager.Events(r.Context(), r.PathValue("id"), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
