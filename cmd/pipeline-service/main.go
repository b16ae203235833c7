// pipeline-service is the HTTP API server that turns repository events into
// matrix-expanded pipeline runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"matrixci/internal/api"
	"matrixci/internal/config"
	"matrixci/internal/coordinator"
	"matrixci/internal/executor"
	"matrixci/internal/executor/docker"
	"matrixci/internal/health"
	"matrixci/internal/notify"
	"matrixci/internal/observability"
	"matrixci/internal/pipeline"
	"matrixci/internal/report"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	notifierCfg := notify.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create the status callback notifier
	notifier := notify.NewMemory(notifierCfg, metrics)

	// Create the action registry
	actions := executor.NewRegistry()
	if svcCfg.ActionsFile != "" {
		actions, err = executor.LoadActionsFile(svcCfg.ActionsFile)
		if err != nil {
			return err
		}
	}

	// Create the step executor backend
	var exec executor.Executor
	switch svcCfg.ExecutorBackend {
	case "docker":
		exec, err = docker.New(docker.LoadConfigFromEnv(), actions)
		if err != nil {
			return err
		}
		slog.Info("Connected to Docker daemon")
	case "local":
		exec = executor.NewLocal(actions)
	default:
		return fmt.Errorf("unknown executor backend %q", svcCfg.ExecutorBackend)
	}
	defer exec.Close()

	// Create the reporting sink and aggregator
	var sink *report.Sink
	if svcCfg.SinkURL != "" {
		sink = report.NewSink(svcCfg.SinkURL, svcCfg.SinkToken, 30*time.Second)
	}
	aggregator := report.NewAggregator(sink, metrics, svcCfg.SinkFailOnError)

	// Load pipeline definitions
	pipelines, err := pipeline.LoadDir(svcCfg.PipelinesDir)
	if err != nil {
		return err
	}
	slog.Info("Pipelines loaded", "count", len(pipelines), "dir", svcCfg.PipelinesDir)

	// Create the coordinator
	coord := coordinator.New(coordinator.Config{
		Executor:    exec,
		Actions:     actions,
		Notifier:    notifier,
		Metrics:     metrics,
		Aggregator:  aggregator,
		Capacity:    svcCfg.WorkerCapacity,
		CallbackURL: svcCfg.CallbackURL,
		CallbackKey: svcCfg.CallbackKey,
	})

	// Create health checker
	healthChecker := health.NewChecker(exec)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Coordinator:   coord,
		Pipelines:     pipelines,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Cancel in-flight runs and let them settle
	runCtx, runCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer runCancel()
	if err := coord.Shutdown(runCtx); err != nil {
		slog.Warn("Coordinator shutdown error", "error", err)
	}

	// Phase 4: Drain the status notifier
	slog.Info("Draining status notifier")
	notifierCtx, notifierCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifierCancel()
	if err := notifier.Close(notifierCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	stats := notifier.Stats()
	slog.Info("Notifier stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}
