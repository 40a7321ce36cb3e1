// Package http exposes the workflow service over a small JSON API.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/service"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/storage"
)

const maxBodyBytes = 1 << 20

// Workflows is the part of service.WorkflowService the API needs.
type Workflows interface {
	CreateWorkflow(ctx context.Context, goal string, wfContext models.Value) (models.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (models.Workflow, error)
	ListWorkflows(ctx context.Context, statuses ...models.WorkflowStatus) ([]models.Workflow, error)
	ListTasks(ctx context.Context, workflowID string) ([]models.Task, error)
	ListAuditLogs(ctx context.Context, workflowID string) ([]models.AuditLogEntry, error)
	CancelWorkflow(ctx context.Context, id, reason string) (models.Workflow, error)
}

// Logger is the logging interface used by the HTTP layer.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type handler struct {
	svc    Workflows
	logger Logger
}

// NewHandler routes the API, /health and, when gatherer is non-nil, /metrics.
func NewHandler(svc Workflows, gatherer prometheus.Gatherer, logger Logger) http.Handler {
	h := &handler{svc: svc, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler)
	mux.HandleFunc("POST /api/workflows", h.createWorkflow)
	mux.HandleFunc("GET /api/workflows", h.listWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", h.getWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/tasks", h.listTasks)
	mux.HandleFunc("GET /api/workflows/{id}/logs", h.listLogs)
	mux.HandleFunc("POST /api/workflows/{id}/cancel", h.cancelWorkflow)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// StartServer serves handler on addr until ctx is done, then shuts down gracefully.
func StartServer(ctx context.Context, addr string, handler http.Handler, logger Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting control plane server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Infof("Shutting down control plane server")
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

type createRequest struct {
	Goal    string       `json:"goal"`
	Context models.Value `json:"context"`
}

func (h *handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	wf, err := h.svc.CreateWorkflow(r.Context(), req.Goal, req.Context)
	if err != nil {
		h.fail(w, "create workflow", err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (h *handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	var statuses []models.WorkflowStatus
	for _, s := range r.URL.Query()["status"] {
		status := models.WorkflowStatus(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
		statuses = append(statuses, status)
	}
	workflows, err := h.svc.ListWorkflows(r.Context(), statuses...)
	if err != nil {
		h.fail(w, "list workflows", err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (h *handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.svc.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, "get workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.svc.ListTasks(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, "list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// listLogs returns the audit trail newest first.
func (h *handler) listLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.ListAuditLogs(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, "list audit logs", err)
		return
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	writeJSON(w, http.StatusOK, entries)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *handler) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	wf, err := h.svc.CancelWorkflow(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		h.fail(w, "cancel workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *handler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Errorf("Failed to %s: %v", op, err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrEmptyGoal), errors.Is(err, service.ErrGoalTooLong):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotCancelled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
