// Package observe provides application-wide observability primitives for
// Cantoria: OpenTelemetry metrics, tracing, and HTTP middleware that ties
// them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so metrics can be scraped
// via the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Cantoria metrics.
const meterName = "github.com/cantoria/cantoria"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ToolCallDuration tracks worker tool-call latency. Attributes: tool,
	// class, outcome.
	ToolCallDuration metric.Float64Histogram

	// LLMDuration tracks planner completion latency. Attribute: status.
	LLMDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram

	// ToolCalls counts tool dispatch attempts. Attributes: tool, class,
	// outcome.
	ToolCalls metric.Int64Counter

	// Jobs counts job terminal transitions. Attribute: state.
	Jobs metric.Int64Counter

	// CreditMovements counts ledger movements. Attribute: kind.
	CreditMovements metric.Int64Counter

	// WorkerRestarts counts worker respawns. Attribute: class.
	WorkerRestarts metric.Int64Counter

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveJobs tracks the number of non-terminal synthesis jobs.
	ActiveJobs metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Tool
// calls range from milliseconds (catalogue lookups) to minutes (synthesis).
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolCallDuration, err = m.Float64Histogram("cantoria.tool.duration",
		metric.WithDescription("Latency of worker tool calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("cantoria.llm.duration",
		metric.WithDescription("Latency of planner completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("cantoria.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.ToolCalls, err = m.Int64Counter("cantoria.tool.calls",
		metric.WithDescription("Total tool dispatch attempts by tool, class, and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Jobs, err = m.Int64Counter("cantoria.jobs",
		metric.WithDescription("Job terminal transitions by state."),
	); err != nil {
		return nil, err
	}
	if met.CreditMovements, err = m.Int64Counter("cantoria.credit.movements",
		metric.WithDescription("Credit ledger movements by kind."),
	); err != nil {
		return nil, err
	}
	if met.WorkerRestarts, err = m.Int64Counter("cantoria.worker.restarts",
		metric.WithDescription("Worker respawns by class."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("cantoria.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveJobs, err = m.Int64UpDownCounter("cantoria.active_jobs",
		metric.WithDescription("Number of non-terminal synthesis jobs."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall records one tool dispatch attempt: the duration histogram
// and the attempt counter with the standard attribute set. Satisfies the
// tool router's Recorder interface.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, class string, attempt int, duration time.Duration, outcome string) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("class", class),
		attribute.String("outcome", outcome),
	)
	m.ToolCallDuration.Record(ctx, duration.Seconds(), attrs)
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("class", class),
		attribute.String("outcome", outcome),
		attribute.Int("attempt", attempt),
	))
}

// RecordLLM records one planner completion.
func (m *Metrics) RecordLLM(ctx context.Context, duration time.Duration, status string) {
	m.LLMDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

// RecordJob records a job reaching a terminal state.
func (m *Metrics) RecordJob(ctx context.Context, state string) {
	m.Jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordCreditMovement records one ledger movement.
func (m *Metrics) RecordCreditMovement(ctx context.Context, kind string) {
	m.CreditMovements.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordWorkerRestart records one worker respawn.
func (m *Metrics) RecordWorkerRestart(ctx context.Context, class string) {
	m.WorkerRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}
