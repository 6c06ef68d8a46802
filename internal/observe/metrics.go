// Package observe provides application-wide observability primitives for
// Kizuki: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Kizuki metrics.
const meterName = "github.com/MrWong99/kizuki"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks segment transcription latency.
	STTDuration metric.Float64Histogram

	// ClassifierDuration tracks classification round-trip latency.
	ClassifierDuration metric.Float64Histogram

	// HintGenDuration tracks hint generation latency.
	HintGenDuration metric.Float64Histogram

	// SegmentDuration tracks the audio length of flushed segments.
	SegmentDuration metric.Float64Histogram

	// --- Counters ---

	// GateRejections counts filtered segments and transcripts. Use with
	// attributes:
	//   attribute.String("gate", ...), attribute.String("reason", ...)
	GateRejections metric.Int64Counter

	// SegmentsDropped counts segments flushed but never transcribed. Use
	// with attribute:
	//   attribute.String("reason", ...)
	SegmentsDropped metric.Int64Counter

	// Detections counts detections that passed the confidence gate. Use with
	// attributes:
	//   attribute.String("label", ...), attribute.String("path", ...)
	Detections metric.Int64Counter

	// HintsConfirmed counts confirmed hints. Use with attribute:
	//   attribute.String("label", ...)
	HintsConfirmed metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live detection sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// provider round-trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2.5, 5, 10,
}

// segmentBuckets covers segment lengths from a short reply up to the
// forced-flush ceiling.
var segmentBuckets = []float64{
	0.25, 0.5, 1, 1.5, 2, 3, 4, 5, 7.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("kizuki.stt.duration",
		metric.WithDescription("Latency of segment transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClassifierDuration, err = m.Float64Histogram("kizuki.classifier.duration",
		metric.WithDescription("Latency of label classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HintGenDuration, err = m.Float64Histogram("kizuki.hintgen.duration",
		metric.WithDescription("Latency of hint text generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("kizuki.segment.duration",
		metric.WithDescription("Audio length of flushed speech segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.GateRejections, err = m.Int64Counter("kizuki.gate.rejections",
		metric.WithDescription("Segments and transcripts filtered by gate and reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("kizuki.segments.dropped",
		metric.WithDescription("Flushed segments dropped before transcription, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Detections, err = m.Int64Counter("kizuki.detections",
		metric.WithDescription("Accepted detections by label and confirmation path."),
	); err != nil {
		return nil, err
	}
	if met.HintsConfirmed, err = m.Int64Counter("kizuki.hints.confirmed",
		metric.WithDescription("Confirmed hints by label."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("kizuki.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("kizuki.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("kizuki.active_sessions",
		metric.WithDescription("Number of live detection sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kizuki.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
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

// RecordGateRejection records a filtered segment or transcript.
func (m *Metrics) RecordGateRejection(ctx context.Context, gate, reason string) {
	m.GateRejections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("gate", gate),
			attribute.String("reason", reason),
		),
	)
}

// RecordSegmentDropped records a flushed segment that was never transcribed.
func (m *Metrics) RecordSegmentDropped(ctx context.Context, reason string) {
	m.SegmentsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDetection records a detection accepted by the confidence gate.
func (m *Metrics) RecordDetection(ctx context.Context, labelID, path string) {
	m.Detections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("label", labelID),
			attribute.String("path", path),
		),
	)
}

// RecordHintConfirmed records a confirmed hint.
func (m *Metrics) RecordHintConfirmed(ctx context.Context, labelID string) {
	m.HintsConfirmed.Add(ctx, 1, metric.WithAttributes(attribute.String("label", labelID)))
}
