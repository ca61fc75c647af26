// Package observe provides application-wide observability primitives for
// lexicaption: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all lexicaption metrics.
const meterName = "github.com/MrWong99/lexicaption"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Overlay engine ---

	// SegmentsProcessed counts container (re)tokenizations. Use with attribute:
	//   attribute.String("trigger", "new"|"update"|"sweep"|"attach")
	SegmentsProcessed metric.Int64Counter

	// SegmentErrors counts containers whose processing failed and was skipped.
	SegmentErrors metric.Int64Counter

	// TokensRendered counts word tokens materialized into containers.
	TokensRendered metric.Int64Counter

	// SweepScheduled counts containers the periodic sweep rescheduled.
	SweepScheduled metric.Int64Counter

	// ObserverDropped counts mutation batches dropped by a full observer.
	ObserverDropped metric.Int64Counter

	// --- Enrichment ---

	// Requests counts lookup requests. Use with attribute:
	//   attribute.String("status", "started"|"ok"|"error"|"stale"|"cancelled")
	Requests metric.Int64Counter

	// EnrichDuration tracks enrichment backend latency. Use with attribute:
	//   attribute.String("provider", ...)
	EnrichDuration metric.Float64Histogram

	// ProviderErrors counts backend errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Audio ---

	// AudioCache counts cache outcomes. Use with attribute:
	//   attribute.String("result", "hit"|"miss"|"evict")
	AudioCache metric.Int64Counter

	// --- Host bridge ---

	// BridgeMessages counts bridge frames. Use with attributes:
	//   attribute.String("direction", "in"|"out"), attribute.String("type", ...)
	BridgeMessages metric.Int64Counter

	// ActiveClients tracks connected host bridge clients.
	ActiveClients metric.Int64UpDownCounter

	// BridgeSessionDuration tracks how long host connections stay open.
	BridgeSessionDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// dictionary lookups against remote model APIs.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for host
// sessions, which last about as long as a video.
var sessionBuckets = []float64{
	1, 10, 60, 300, 900, 1800, 3600, 7200, 14400,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Engine counters.
	if met.SegmentsProcessed, err = m.Int64Counter("lexicaption.segments.processed",
		metric.WithDescription("Total container tokenizations by trigger."),
	); err != nil {
		return nil, err
	}
	if met.SegmentErrors, err = m.Int64Counter("lexicaption.segments.errors",
		metric.WithDescription("Total containers whose processing failed."),
	); err != nil {
		return nil, err
	}
	if met.TokensRendered, err = m.Int64Counter("lexicaption.tokens.rendered",
		metric.WithDescription("Total word tokens rendered into containers."),
	); err != nil {
		return nil, err
	}
	if met.SweepScheduled, err = m.Int64Counter("lexicaption.sweep.scheduled",
		metric.WithDescription("Total containers rescheduled by the periodic sweep."),
	); err != nil {
		return nil, err
	}
	if met.ObserverDropped, err = m.Int64Counter("lexicaption.observer.dropped",
		metric.WithDescription("Total mutation batches dropped by a full observer."),
	); err != nil {
		return nil, err
	}

	// Enrichment.
	if met.Requests, err = m.Int64Counter("lexicaption.requests",
		metric.WithDescription("Total lookup requests by status."),
	); err != nil {
		return nil, err
	}
	if met.EnrichDuration, err = m.Float64Histogram("lexicaption.enrich.duration",
		metric.WithDescription("Latency of enrichment backend calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("lexicaption.provider.errors",
		metric.WithDescription("Total enrichment backend errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("lexicaption.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by backend and target state."),
	); err != nil {
		return nil, err
	}

	// Audio.
	if met.AudioCache, err = m.Int64Counter("lexicaption.audio.cache",
		metric.WithDescription("Audio cache lookups by result."),
	); err != nil {
		return nil, err
	}

	// Bridge.
	if met.BridgeMessages, err = m.Int64Counter("lexicaption.bridge.messages",
		metric.WithDescription("Host bridge frames by direction and type."),
	); err != nil {
		return nil, err
	}
	if met.ActiveClients, err = m.Int64UpDownCounter("lexicaption.active_clients",
		metric.WithDescription("Number of connected host bridge clients."),
	); err != nil {
		return nil, err
	}

	if met.BridgeSessionDuration, err = m.Float64Histogram("lexicaption.bridge.session.duration",
		metric.WithDescription("Lifetime of host bridge connections."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lexicaption.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordSegment records one processed container and the tokens it rendered.
func (m *Metrics) RecordSegment(ctx context.Context, trigger string, tokens int) {
	m.SegmentsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	if tokens > 0 {
		m.TokensRendered.Add(ctx, int64(tokens))
	}
}

// RecordRequest records a lookup request state transition.
func (m *Metrics) RecordRequest(ctx context.Context, status string) {
	m.Requests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition records a circuit breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("to", to),
		),
	)
}

// RecordAudioCache records an audio cache outcome.
func (m *Metrics) RecordAudioCache(ctx context.Context, result string) {
	m.AudioCache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordBridgeMessage records one host bridge frame.
func (m *Metrics) RecordBridgeMessage(ctx context.Context, direction, typ string) {
	m.BridgeMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("type", typ),
		),
	)
}
