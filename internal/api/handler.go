// Package api provides the HTTP API handlers and routing for the pipeline service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"matrixci/internal/apperrors"
	"matrixci/internal/coordinator"
	"matrixci/internal/health"
	"matrixci/internal/pipeline"
	"matrixci/internal/trigger"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// EventRequest is the body of POST /v1/events.
type EventRequest struct {
	Pipeline string `json:"pipeline"`
	Kind     string `json:"kind"`
	Ref      string `json:"ref"`
	SHA      string `json:"sha"`
}

// Handler contains HTTP handlers for the pipeline API
type Handler struct {
	coord     *coordinator.Coordinator
	pipelines map[string]*pipeline.Pipeline
	health    *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(coord *coordinator.Coordinator, pipelines map[string]*pipeline.Pipeline, healthChecker *health.Checker) *Handler {
	return &Handler{
		coord:     coord,
		pipelines: pipelines,
		health:    healthChecker,
	}
}

// PostEvent handles POST /v1/events. A matching event starts a run and
// returns 202; an event the pipeline's trigger filter does not match is
// acknowledged with status "ignored".
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	p, ok := h.pipelines[req.Pipeline]
	if !ok {
		h.handleError(w, r, apperrors.NotFound("pipeline", req.Pipeline))
		return
	}

	ev := trigger.Event{Kind: req.Kind, Ref: req.Ref, SHA: req.SHA}
	run, err := h.coord.Trigger(r.Context(), p, ev)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if run == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     run.ID,
		"status": run.Status(),
	})
}

// ListRuns handles GET /v1/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.coord.List()
	snapshots := make([]coordinator.Snapshot, 0, len(runs))
	for _, run := range runs {
		snapshots = append(snapshots, run.Snapshot())
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"runs": snapshots})
}

// GetRun handles GET /v1/runs/{runId}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "Run ID is required")
		return
	}

	run, err := h.coord.Get(runID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, run.Snapshot())
}

// DeleteRun handles DELETE /v1/runs/{runId} - cancels an in-flight run.
func (h *Handler) DeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "Run ID is required")
		return
	}

	if err := h.coord.Cancel(runID); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     runID,
		"status": "cancelling",
	})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if the executor backend is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the coordinator with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
