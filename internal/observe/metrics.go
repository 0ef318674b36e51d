// Package observe provides application-wide observability primitives for
// podscript: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [InitProvider] and served by [MetricsHandler].
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all podscript metrics.
const meterName = "github.com/MrWong99/podscript"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Compilation ---

	// CompileDuration tracks wall time from gate admission to the terminal
	// event. Use with attribute.String("outcome", ...).
	CompileDuration metric.Float64Histogram

	// FirstRecordLatency tracks time from admission to the first emitted record.
	FirstRecordLatency metric.Float64Histogram

	// Records counts emitted records. Use with attribute.String("kind", ...).
	Records metric.Int64Counter

	// Reconciliations counts user-record resolutions. Use with
	// attribute.String("rule", ...).
	Reconciliations metric.Int64Counter

	// MalformedSpans counts spans that degraded to narration or warning.
	MalformedSpans metric.Int64Counter

	// Fragments counts upstream fragments consumed.
	Fragments metric.Int64Counter

	// UpstreamErrors counts compilations ended by an upstream failure. Use
	// with attribute.String("reason", ...).
	UpstreamErrors metric.Int64Counter

	// ActiveCompilations tracks compilations currently holding a stream slot.
	ActiveCompilations metric.Int64UpDownCounter

	// --- Gate ---

	// GateWait tracks how long callers waited for a slot. Use with
	// attribute.String("resource", ...).
	GateWait metric.Float64Histogram

	// GateRejections counts acquisitions that timed out. Use with
	// attribute.String("resource", ...).
	GateRejections metric.Int64Counter

	// --- Providers ---

	// ProviderRequests counts LLM stream starts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- HTTP middleware ---

	// InFlightRequests tracks HTTP requests currently being served.
	InFlightRequests metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Script
// generation runs for tens of seconds, so the upper range is wide.
var latencyBuckets = []float64{
	0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CompileDuration, err = m.Float64Histogram("podscript.compile.duration",
		metric.WithDescription("Duration of a script compilation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstRecordLatency, err = m.Float64Histogram("podscript.compile.first_record",
		metric.WithDescription("Time until the first record of a compilation was emitted."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GateWait, err = m.Float64Histogram("podscript.gate.wait",
		metric.WithDescription("Time spent waiting for a concurrency slot."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("podscript.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Records, err = m.Int64Counter("podscript.records",
		metric.WithDescription("Total emitted script records by kind."),
	); err != nil {
		return nil, err
	}
	if met.Reconciliations, err = m.Int64Counter("podscript.reconciliations",
		metric.WithDescription("Total user-record reconciliations by rule."),
	); err != nil {
		return nil, err
	}
	if met.MalformedSpans, err = m.Int64Counter("podscript.malformed_spans",
		metric.WithDescription("Total record spans that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.Fragments, err = m.Int64Counter("podscript.fragments",
		metric.WithDescription("Total upstream text fragments consumed."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("podscript.upstream.errors",
		metric.WithDescription("Total compilations ended by an upstream failure."),
	); err != nil {
		return nil, err
	}
	if met.GateRejections, err = m.Int64Counter("podscript.gate.rejections",
		metric.WithDescription("Total concurrency slot acquisitions that timed out."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("podscript.provider.requests",
		metric.WithDescription("Total LLM stream requests by provider and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCompilations, err = m.Int64UpDownCounter("podscript.active_compilations",
		metric.WithDescription("Number of compilations in progress."),
	); err != nil {
		return nil, err
	}
	if met.InFlightRequests, err = m.Int64UpDownCounter("podscript.http.in_flight",
		metric.WithDescription("Number of HTTP requests being served."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordRecord counts one emitted record of the given kind.
func (m *Metrics) RecordRecord(ctx context.Context, kind string) {
	m.Records.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordReconciliation counts one user-record resolution.
func (m *Metrics) RecordReconciliation(ctx context.Context, rule string) {
	m.Reconciliations.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule)))
}

// RecordUpstreamError counts one compilation ended by an upstream failure.
func (m *Metrics) RecordUpstreamError(ctx context.Context, reason string) {
	m.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordGateWait records the time a caller spent waiting for resource, and
// counts a rejection when the wait ended in a timeout.
func (m *Metrics) RecordGateWait(ctx context.Context, resource string, seconds float64, rejected bool) {
	attrs := metric.WithAttributes(attribute.String("resource", resource))
	m.GateWait.Record(ctx, seconds, attrs)
	if rejected {
		m.GateRejections.Add(ctx, 1, attrs)
	}
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}
