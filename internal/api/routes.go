package api

import (
	"net/http"

	"matrixci/internal/coordinator"
	"matrixci/internal/health"
	"matrixci/internal/observability"
	"matrixci/internal/pipeline"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Coordinator   *coordinator.Coordinator
	Pipelines     map[string]*pipeline.Pipeline
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Coordinator, cfg.Pipelines, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Run endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/events", authMiddleware(http.HandlerFunc(handler.PostEvent)))
	mux.Handle("GET /v1/runs", authMiddleware(http.HandlerFunc(handler.ListRuns)))
	mux.Handle("GET /v1/runs/{runId}", authMiddleware(http.HandlerFunc(handler.GetRun)))
	mux.Handle("DELETE /v1/runs/{runId}", authMiddleware(http.HandlerFunc(handler.DeleteRun)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
