package report

import (
	"context"
	"log/slog"

	"matrixci/internal/apperrors"
	"matrixci/internal/artifactstore"
	"matrixci/internal/observability"
	"matrixci/internal/pipeline"
	"matrixci/internal/runner"
)

// Aggregator runs the aggregate stage of a pipeline: it collects artifacts
// matching the template's pattern and forwards them to the reporting sink.
type Aggregator struct {
	sink        *Sink
	metrics     *observability.Metrics
	failOnError bool
	logger      *slog.Logger
}

// NewAggregator creates an aggregator. failOnError is the service-level
// default for treating sink rejection as fatal; a template's
// ignore_sink_error overrides it per job.
func NewAggregator(sink *Sink, metrics *observability.Metrics, failOnError bool) *Aggregator {
	return &Aggregator{
		sink:        sink,
		metrics:     metrics,
		failOnError: failOnError,
		logger:      slog.With("component", "aggregator"),
	}
}

// Run executes one aggregate job against a run's sealed-or-stable store.
// It is called strictly after every upstream job has reached a terminal
// state. The returned status is one of succeeded, skipped, failed.
func (a *Aggregator) Run(ctx context.Context, runID, pipelineName string, store *artifactstore.Store, tpl *pipeline.JobTemplate) (string, error) {
	spec := tpl.Aggregate
	logger := a.logger.With("run", runID, "job", tpl.Name)

	matched := store.GetMatching(spec.Pattern)
	if len(matched) == 0 {
		if spec.RequireMatch {
			return runner.StatusFailed, apperrors.ArtifactMissing(spec.Pattern)
		}
		logger.Info("No artifacts matched, skipping upload", "pattern", spec.Pattern)
		return runner.StatusSkipped, nil
	}

	if a.sink == nil {
		logger.Info("No sink configured, aggregation is a no-op", "matched", len(matched))
		return runner.StatusSucceeded, nil
	}

	if err := a.sink.Upload(ctx, runID, pipelineName, matched); err != nil {
		a.metrics.RecordSinkDelivery(ctx, "rejected")
		if a.failOnError && !spec.IgnoreSinkError {
			return runner.StatusFailed, apperrors.SinkRejected("aggregator.upload", err)
		}
		logger.Warn("Sink rejected upload, ignoring per configuration", "error", err)
		return runner.StatusSucceeded, nil
	}

	a.metrics.RecordSinkDelivery(ctx, "delivered")
	logger.Info("Artifacts forwarded to sink", "matched", len(matched))
	return runner.StatusSucceeded, nil
}
