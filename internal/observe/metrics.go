// Package observe provides application-wide observability primitives for
// Barnabee: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware for the admin surface.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Barnabee metrics.
const meterName = "github.com/barnabee-home/barnabee"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks per-stage classification latency. Use with:
	//   attribute.String("stage", "1".."4"), attribute.Bool("decided", ...)
	StageDuration metric.Float64Histogram

	// RequestDuration tracks end-to-end utterance processing latency. Use with:
	//   attribute.String("outcome", ...)
	RequestDuration metric.Float64Histogram

	// ExecutionDuration tracks hub service-call latency. Use with:
	//   attribute.String("domain", ...), attribute.String("status", ...)
	ExecutionDuration metric.Float64Histogram

	// LLMDuration tracks LLM completion latency.
	LLMDuration metric.Float64Histogram

	// EmbeddingDuration tracks embedding computation latency.
	EmbeddingDuration metric.Float64Histogram

	// --- Counters ---

	// Classifications counts cascade outcomes. Use with:
	//   attribute.String("stage", ...), attribute.String("intent", ...)
	Classifications metric.Int64Counter

	// SpeculativeExecutions counts speculative dispatches. Use with:
	//   attribute.String("outcome", "committed"|"cancelled")
	SpeculativeExecutions metric.Int64Counter

	// SignalsDropped counts learning signals lost to ring-buffer overflow.
	SignalsDropped metric.Int64Counter

	// MirrorEvents counts state_changed events applied to the entity mirror.
	MirrorEvents metric.Int64Counter

	// MirrorReconnects counts hub reconnection attempts.
	MirrorReconnects metric.Int64Counter

	// ImprovementEvents counts improvement pipeline actions. Use with:
	//   attribute.String("action", "proposed"|"queued"|"applied"|"rejected"|"rolled_back")
	ImprovementEvents metric.Int64Counter

	// ProviderErrors counts provider errors. Use with:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveRequests tracks utterances currently inside the pipeline.
	ActiveRequests metric.Int64UpDownCounter

	// MirrorConnected is 1 while the hub socket is live, 0 otherwise.
	MirrorConnected metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin HTTP request processing time. Use with:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Stages 1-3
// live in single-digit milliseconds, the LLM stages in hundreds, so the
// buckets skew low.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("barnabee.cascade.stage.duration",
		metric.WithDescription("Latency of one cascade classification stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RequestDuration, err = m.Float64Histogram("barnabee.request.duration",
		metric.WithDescription("End-to-end utterance processing latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExecutionDuration, err = m.Float64Histogram("barnabee.execution.duration",
		metric.WithDescription("Hub service-call latency by domain and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("barnabee.llm.duration",
		metric.WithDescription("Latency of LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("barnabee.embedding.duration",
		metric.WithDescription("Latency of embedding computation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Classifications, err = m.Int64Counter("barnabee.cascade.classifications",
		metric.WithDescription("Total classification decisions by deciding stage and intent."),
	); err != nil {
		return nil, err
	}
	if met.SpeculativeExecutions, err = m.Int64Counter("barnabee.speculative.executions",
		metric.WithDescription("Total speculative dispatches by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SignalsDropped, err = m.Int64Counter("barnabee.signals.dropped",
		metric.WithDescription("Learning signals lost to ring-buffer overflow."),
	); err != nil {
		return nil, err
	}
	if met.MirrorEvents, err = m.Int64Counter("barnabee.mirror.events",
		metric.WithDescription("state_changed events applied to the entity mirror."),
	); err != nil {
		return nil, err
	}
	if met.MirrorReconnects, err = m.Int64Counter("barnabee.mirror.reconnects",
		metric.WithDescription("Hub reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.ImprovementEvents, err = m.Int64Counter("barnabee.improvement.events",
		metric.WithDescription("Improvement pipeline actions by action."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("barnabee.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRequests, err = m.Int64UpDownCounter("barnabee.active_requests",
		metric.WithDescription("Utterances currently inside the pipeline."),
	); err != nil {
		return nil, err
	}
	if met.MirrorConnected, err = m.Int64UpDownCounter("barnabee.mirror.connected",
		metric.WithDescription("1 while the hub socket is live."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("barnabee.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records one cascade stage's latency and, when the stage decided,
// a classification counter increment.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration, decided bool, intent string) {
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.Bool("decided", decided),
		),
	)
	if decided {
		m.Classifications.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("stage", stage),
				attribute.String("intent", intent),
			),
		)
	}
}

// RecordSpeculative records the outcome of one speculative dispatch.
func (m *Metrics) RecordSpeculative(ctx context.Context, outcome string) {
	m.SpeculativeExecutions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordImprovement records one improvement pipeline action.
func (m *Metrics) RecordImprovement(ctx context.Context, action string) {
	m.ImprovementEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action", action)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordExecution records one hub service call.
func (m *Metrics) RecordExecution(ctx context.Context, domain, status string, d time.Duration) {
	m.ExecutionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("domain", domain),
			attribute.String("status", status),
		),
	)
}
