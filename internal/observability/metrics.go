package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all instruments for the pipeline service.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Run metrics
	runsTotal   metric.Int64Counter
	runDuration metric.Float64Histogram

	// Job metrics
	jobsTotal   metric.Int64Counter
	jobsActive  metric.Int64UpDownCounter
	jobDuration metric.Float64Histogram

	// Step metrics
	stepsTotal metric.Int64Counter

	// Artifact metrics
	artifactsStored metric.Int64Counter

	// Sink metrics
	sinkDeliveries metric.Int64Counter

	// Notifier metrics
	notifierDelivered metric.Int64Counter
	notifierFailed    metric.Int64Counter
	notifierDropped   metric.Int64Counter
	notifierRequeued  metric.Int64Counter
	notifierQueueSize metric.Int64UpDownCounter
}

// NewMetrics creates the meter provider with a Prometheus exporter and
// registers all instruments. The returned handler serves the /metrics
// endpoint.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("matrixci")

	m := &Metrics{provider: provider}

	if m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, nil, err
	}

	if m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, nil, err
	}

	if m.runsTotal, err = meter.Int64Counter(
		"pipeline_runs_total",
		metric.WithDescription("Total number of pipeline runs by outcome"),
	); err != nil {
		return nil, nil, err
	}

	if m.runDuration, err = meter.Float64Histogram(
		"pipeline_run_duration_seconds",
		metric.WithDescription("Wall time of a pipeline run"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, nil, err
	}

	if m.jobsTotal, err = meter.Int64Counter(
		"pipeline_jobs_total",
		metric.WithDescription("Total number of jobs by outcome"),
	); err != nil {
		return nil, nil, err
	}

	if m.jobsActive, err = meter.Int64UpDownCounter(
		"pipeline_jobs_active",
		metric.WithDescription("Number of jobs currently executing"),
	); err != nil {
		return nil, nil, err
	}

	if m.jobDuration, err = meter.Float64Histogram(
		"pipeline_job_duration_seconds",
		metric.WithDescription("Wall time of a single job"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, nil, err
	}

	if m.stepsTotal, err = meter.Int64Counter(
		"pipeline_steps_total",
		metric.WithDescription("Total number of steps by outcome"),
	); err != nil {
		return nil, nil, err
	}

	if m.artifactsStored, err = meter.Int64Counter(
		"artifacts_stored_total",
		metric.WithDescription("Total number of artifacts stored"),
	); err != nil {
		return nil, nil, err
	}

	if m.sinkDeliveries, err = meter.Int64Counter(
		"sink_deliveries_total",
		metric.WithDescription("Aggregate uploads to the reporting sink by outcome"),
	); err != nil {
		return nil, nil, err
	}

	if m.notifierDelivered, err = meter.Int64Counter(
		"notifier_events_delivered_total",
		metric.WithDescription("Status events delivered to the callback endpoint"),
	); err != nil {
		return nil, nil, err
	}

	if m.notifierFailed, err = meter.Int64Counter(
		"notifier_events_failed_total",
		metric.WithDescription("Status events that exhausted retries"),
	); err != nil {
		return nil, nil, err
	}

	if m.notifierDropped, err = meter.Int64Counter(
		"notifier_events_dropped_total",
		metric.WithDescription("Status events dropped because the queue was full"),
	); err != nil {
		return nil, nil, err
	}

	if m.notifierRequeued, err = meter.Int64Counter(
		"notifier_events_requeued_total",
		metric.WithDescription("Status events requeued after a circuit breaker cooldown"),
	); err != nil {
		return nil, nil, err
	}

	if m.notifierQueueSize, err = meter.Int64UpDownCounter(
		"notifier_queue_size",
		metric.WithDescription("Status events waiting in the delivery queue"),
	); err != nil {
		return nil, nil, err
	}

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m, handler, nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordHTTPRequest records one request with its latency.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusCodeAttr(status),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRunFinished records the terminal outcome of a pipeline run.
func (m *Metrics) RecordRunFinished(ctx context.Context, pipeline, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(pipelineAttr(pipeline), outcomeAttr(outcome))
	m.runsTotal.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(pipelineAttr(pipeline)))
}

// RecordJobStarted increments the active job gauge.
func (m *Metrics) RecordJobStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsActive.Add(ctx, 1)
}

// RecordJobFinished records the terminal outcome of a job and decrements
// the active gauge.
func (m *Metrics) RecordJobFinished(ctx context.Context, template, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsActive.Add(ctx, -1)
	m.jobsTotal.Add(ctx, 1, metric.WithAttributes(jobAttr(template), outcomeAttr(outcome)))
	m.jobDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(jobAttr(template)))
}

// RecordStep records the outcome of a single step.
func (m *Metrics) RecordStep(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.stepsTotal.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordArtifactStored counts one stored artifact against its producing
// job template.
func (m *Metrics) RecordArtifactStored(ctx context.Context, template string) {
	if m == nil {
		return
	}
	m.artifactsStored.Add(ctx, 1, metric.WithAttributes(jobAttr(template)))
}

// RecordSinkDelivery records one aggregate upload attempt outcome.
func (m *Metrics) RecordSinkDelivery(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.sinkDeliveries.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordEventQueued tracks queue depth for the status notifier.
func (m *Metrics) RecordEventQueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.notifierQueueSize.Add(ctx, 1)
}

// RecordEventDelivered records a successful callback delivery.
func (m *Metrics) RecordEventDelivered(ctx context.Context) {
	if m == nil {
		return
	}
	m.notifierQueueSize.Add(ctx, -1)
	m.notifierDelivered.Add(ctx, 1)
}

// RecordEventFailed records a callback delivery that exhausted retries.
func (m *Metrics) RecordEventFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.notifierQueueSize.Add(ctx, -1)
	m.notifierFailed.Add(ctx, 1)
}

// RecordEventDropped records an event rejected because the queue was full.
func (m *Metrics) RecordEventDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.notifierDropped.Add(ctx, 1)
}

// RecordEventRequeued records an event pushed back after a breaker cooldown.
func (m *Metrics) RecordEventRequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.notifierRequeued.Add(ctx, 1)
}
