package observability

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs/provider calls take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Queue depth, running jobs, open breakers
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration      metric.Float64Histogram
	JobsEnqueued     metric.Int64Counter
	JobsDeduplicated metric.Int64Counter
	JobsFinished     metric.Int64Counter
	JobsRetried      metric.Int64Counter
	JobsRunning      metric.Int64UpDownCounter
	QueueDepth       metric.Int64Gauge

	// Provider metrics (Latency, Errors, Saturation)
	ProviderOpDuration metric.Float64Histogram
	ProviderFailures   metric.Int64Counter
	BreakerState       metric.Int64Gauge
	ProviderHealthy    metric.Int64Gauge

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, errors.Wrap(err, "prometheus exporter")
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter("provisioner"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	// HTTP metrics
	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}
	if m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	); err != nil {
		return nil, err
	}

	// Job metrics
	if m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Handler execution time per attempt in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600),
	); err != nil {
		return nil, err
	}
	if m.JobsEnqueued, err = meter.Int64Counter(
		"jobs_enqueued_total",
		metric.WithDescription("Total number of jobs accepted by the queue"),
	); err != nil {
		return nil, err
	}
	if m.JobsDeduplicated, err = meter.Int64Counter(
		"jobs_deduplicated_total",
		metric.WithDescription("Total number of enqueue requests answered by a live duplicate"),
	); err != nil {
		return nil, err
	}
	if m.JobsFinished, err = meter.Int64Counter(
		"jobs_finished_total",
		metric.WithDescription("Total number of jobs reaching a terminal state"),
	); err != nil {
		return nil, err
	}
	if m.JobsRetried, err = meter.Int64Counter(
		"jobs_retried_total",
		metric.WithDescription("Total number of job retries scheduled"),
	); err != nil {
		return nil, err
	}
	if m.JobsRunning, err = meter.Int64UpDownCounter(
		"jobs_running",
		metric.WithDescription("Number of jobs currently held by a worker (saturation)"),
	); err != nil {
		return nil, err
	}
	if m.QueueDepth, err = meter.Int64Gauge(
		"job_queue_depth",
		metric.WithDescription("Number of jobs waiting for a worker (saturation)"),
	); err != nil {
		return nil, err
	}

	// Provider metrics
	if m.ProviderOpDuration, err = meter.Float64Histogram(
		"provider_operation_duration_seconds",
		metric.WithDescription("Provider call latency in seconds, including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	); err != nil {
		return nil, err
	}
	if m.ProviderFailures, err = meter.Int64Counter(
		"provider_failures_total",
		metric.WithDescription("Total number of failed provider attempts"),
	); err != nil {
		return nil, err
	}
	if m.BreakerState, err = meter.Int64Gauge(
		"provider_circuit_state",
		metric.WithDescription("Circuit breaker state per provider (0 closed, 1 open, 2 half-open)"),
	); err != nil {
		return nil, err
	}
	if m.ProviderHealthy, err = meter.Int64Gauge(
		"provider_healthy",
		metric.WithDescription("Last health probe result per provider (1 healthy)"),
	); err != nil {
		return nil, err
	}

	// Dispatcher metrics
	if m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}
	if m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	); err != nil {
		return nil, err
	}
	if m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	); err != nil {
		return nil, err
	}
	if m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	); err != nil {
		return nil, err
	}
	if m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	); err != nil {
		return nil, err
	}
	if m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobEnqueued records a job accepted by the queue. Deduplicated
// requests are counted separately.
func (m *Metrics) RecordJobEnqueued(ctx context.Context, jobType string, deduplicated bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(jobTypeAttr(jobType))
	if deduplicated {
		m.JobsDeduplicated.Add(ctx, 1, attrs)
		return
	}
	m.JobsEnqueued.Add(ctx, 1, attrs)
}

// RecordJobStarted records a worker picking up a job.
func (m *Metrics) RecordJobStarted(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	m.JobsRunning.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType)))
}

// RecordJobAttempt records the end of one handler invocation. status is the
// job status the attempt left behind: completed, failed or retrying.
func (m *Metrics) RecordJobAttempt(ctx context.Context, jobType, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	typeOnly := metric.WithAttributes(jobTypeAttr(jobType))
	attrs := metric.WithAttributes(jobTypeAttr(jobType), jobStatusAttr(status))

	m.JobsRunning.Add(ctx, -1, typeOnly)
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	if status == "retrying" {
		m.JobsRetried.Add(ctx, 1, typeOnly)
		return
	}
	m.JobsFinished.Add(ctx, 1, attrs)
}

// RecordJobCancelled records a job cancelled before it ran.
func (m *Metrics) RecordJobCancelled(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	m.JobsFinished.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType), jobStatusAttr("cancelled")))
}

// RecordQueueDepth records the number of waiting jobs.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Record(ctx, int64(depth))
}

// RecordProviderOperation records one managed provider operation.
func (m *Metrics) RecordProviderOperation(ctx context.Context, providerName, op string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ProviderOpDuration.Record(ctx, durationSeconds, metric.WithAttributes(
		providerAttr(providerName), operationAttr(op), successAttr(success),
	))
}

// RecordProviderFailure records a failed attempt against one provider.
func (m *Metrics) RecordProviderFailure(ctx context.Context, providerName, op string) {
	if m == nil {
		return
	}
	m.ProviderFailures.Add(ctx, 1, metric.WithAttributes(providerAttr(providerName), operationAttr(op)))
}

// RecordProviderHealth records a probe result and the breaker state.
// state follows circuitbreaker.State: 0 closed, 1 open, 2 half-open.
func (m *Metrics) RecordProviderHealth(ctx context.Context, providerName string, healthy bool, state int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(providerAttr(providerName))
	var h int64
	if healthy {
		h = 1
	}
	m.ProviderHealthy.Record(ctx, h, attrs)
	m.BreakerState.Record(ctx, int64(state), attrs)
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.DispatcherQueueSize.Record(ctx, size)
}
