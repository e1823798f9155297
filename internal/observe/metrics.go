// Package observe provides application-wide observability primitives for the
// gateway: OpenTelemetry metrics, tracing, trace-aware logging and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/vocalink"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks utterance transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks model call latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks time to first synthesised audio.
	TTSDuration metric.Float64Histogram

	// ToolDuration tracks tool execution latency.
	ToolDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// FramesDropped counts audio frames dropped on full queues. Attribute:
	// direction.
	FramesDropped metric.Int64Counter

	// FramesMalformed counts frames rejected by the codec.
	FramesMalformed metric.Int64Counter

	// BargeIns counts TTS emissions cancelled by user speech or abort.
	BargeIns metric.Int64Counter

	// Utterances counts completed utterances. Attribute: reason.
	Utterances metric.Int64Counter

	// ArchiveFlushes counts persistence handoffs. Attribute: status.
	ArchiveFlushes metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected devices.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "vocalink.stt.duration", "Latency of utterance transcription."},
		{&met.LLMDuration, "vocalink.llm.duration", "Latency of model calls."},
		{&met.TTSDuration, "vocalink.tts.duration", "Time to first synthesised audio."},
		{&met.ToolDuration, "vocalink.tool.duration", "Latency of tool execution."},
	}
	for _, h := range histograms {
		var err error
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "vocalink.provider.requests", "Provider calls by provider, kind and status."},
		{&met.ProviderErrors, "vocalink.provider.errors", "Provider failures by provider and kind."},
		{&met.ToolCalls, "vocalink.tool.count", "Tool invocations by tool and status."},
		{&met.FramesDropped, "vocalink.frames.dropped", "Audio frames dropped on full queues."},
		{&met.FramesMalformed, "vocalink.frames.malformed", "Frames rejected by the codec."},
		{&met.BargeIns, "vocalink.barge_in.count", "TTS emissions cancelled by the user."},
		{&met.Utterances, "vocalink.utterances.count", "Completed utterances by end reason."},
		{&met.ArchiveFlushes, "vocalink.archive.flushes", "Persistence handoffs by status."},
	}
	for _, c := range counters {
		var err error
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	var err error
	if met.ActiveSessions, err = m.Int64UpDownCounter("vocalink.sessions.active",
		metric.WithDescription("Number of connected devices."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("vocalink.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordToolCall records a tool invocation and its latency in seconds.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, seconds, attrs)
}

// RecordFramesDropped records n dropped frames for the given direction
// ("inbound" or "outbound").
func (m *Metrics) RecordFramesDropped(ctx context.Context, direction string, n int) {
	m.FramesDropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordMalformedFrame records one frame rejected by the codec.
func (m *Metrics) RecordMalformedFrame(ctx context.Context) {
	m.FramesMalformed.Add(ctx, 1)
}

// RecordBargeIn records a cancelled TTS emission. reason is "speech" or
// "abort".
func (m *Metrics) RecordBargeIn(ctx context.Context, reason string) {
	m.BargeIns.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordUtterance records a completed utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, reason string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordArchiveFlush records a persistence handoff attempt.
func (m *Metrics) RecordArchiveFlush(ctx context.Context, status string) {
	m.ArchiveFlushes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
