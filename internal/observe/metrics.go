// Package observe provides application-wide observability primitives for
// visiontalk: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider], so they can be scraped from /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all visiontalk metrics.
const meterName = "github.com/MrWong99/visiontalk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Barge-in ---

	// BargeIns counts interrupt attempts. Attributes:
	//   attribute.String("trigger", "local"|"remote"), attribute.String("outcome", "cancelled"|"idle"|"error")
	BargeIns metric.Int64Counter

	// HeardAudio records how much of a response had been rendered when it
	// was interrupted, in seconds.
	HeardAudio metric.Float64Histogram

	// CaptureFrames counts microphone frames forwarded to the model.
	CaptureFrames metric.Int64Counter

	// --- Tools and vision ---

	// ToolCalls counts tool invocations. Attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// VisionDuration tracks image-analysis latency. Attributes:
	//   attribute.String("model", ...), attribute.String("status", ...)
	VisionDuration metric.Float64Histogram

	// --- Providers ---

	// ProviderRequests counts provider API calls. Attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConversations tracks live browser conversations.
	ActiveConversations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// heardBuckets covers interrupted responses from a few syllables to a long
// monologue.
var heardBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.BargeIns, err = m.Int64Counter("visiontalk.bargein.total",
		metric.WithDescription("Barge-in attempts by trigger and outcome."),
	); err != nil {
		return nil, err
	}
	if met.HeardAudio, err = m.Float64Histogram("visiontalk.bargein.heard",
		metric.WithDescription("Rendered response audio at the moment of interruption."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(heardBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64Counter("visiontalk.capture.frames",
		metric.WithDescription("Microphone frames forwarded to the realtime model."),
	); err != nil {
		return nil, err
	}

	if met.ToolCalls, err = m.Int64Counter("visiontalk.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.VisionDuration, err = m.Float64Histogram("visiontalk.vision.duration",
		metric.WithDescription("Latency of image analysis requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("visiontalk.provider.requests",
		metric.WithDescription("Provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("visiontalk.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveConversations, err = m.Int64UpDownCounter("visiontalk.active_conversations",
		metric.WithDescription("Number of live browser conversations."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("visiontalk.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordBargeIn records one barge-in attempt. heard is the rendered audio of
// the interrupted track and is only recorded when the outcome is
// "cancelled".
func (m *Metrics) RecordBargeIn(ctx context.Context, trigger, outcome string, heard time.Duration) {
	m.BargeIns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("outcome", outcome),
	))
	if outcome == "cancelled" {
		m.HeardAudio.Record(ctx, heard.Seconds(), metric.WithAttributes(
			attribute.String("trigger", trigger),
		))
	}
}

// RecordToolCall records a tool call counter increment.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

// RecordVision records the latency of one image analysis.
func (m *Metrics) RecordVision(ctx context.Context, model, status string, d time.Duration) {
	m.VisionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status),
	))
}

// RecordProviderRequest records a provider request counter increment.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}
