// Package observe provides application-wide observability primitives for
// Dawn: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Dawn metrics.
const meterName = "github.com/MrWong99/dawn"

// Metrics holds all OpenTelemetry metric instruments for the daemon.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// QueryDuration tracks time from a Query/QueryAudio to its ResponseEnd.
	// Use with attributes:
	//   attribute.String("tier", ...), attribute.String("status", ...)
	QueryDuration metric.Float64Histogram

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM time to final token.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// FramesReceived counts inbound frames by attribute.String("type", ...).
	FramesReceived metric.Int64Counter

	// FramesSent counts outbound frames by attribute.String("type", ...).
	FramesSent metric.Int64Counter

	// FrameErrors counts discarded frames by attribute.String("reason", ...).
	FrameErrors metric.Int64Counter

	// SessionEvents counts session lifecycle transitions by
	// attribute.String("event", ...): created, restored, superseded,
	// disconnected, expired.
	SessionEvents metric.Int64Counter

	// KeepaliveMisses counts keepalive probes that went unanswered.
	KeepaliveMisses metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of open satellite transports.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveSessions tracks the number of sessions held in memory.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-assistant latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	for _, h := range []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.QueryDuration, "dawn.query.duration", "Latency from query to end of response."},
		{&met.STTDuration, "dawn.stt.duration", "Latency of speech-to-text transcription."},
		{&met.LLMDuration, "dawn.llm.duration", "Latency of LLM inference."},
		{&met.TTSDuration, "dawn.tts.duration", "Latency of text-to-speech synthesis."},
	} {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	// Counters.
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesReceived, "dawn.frames.received", "Total inbound DAP2 frames by type."},
		{&met.FramesSent, "dawn.frames.sent", "Total outbound DAP2 frames by type."},
		{&met.FrameErrors, "dawn.frame.errors", "Total discarded DAP2 frames by reason."},
		{&met.SessionEvents, "dawn.session.events", "Total session lifecycle events by event."},
		{&met.KeepaliveMisses, "dawn.keepalive.misses", "Total unanswered keepalive probes."},
		{&met.ProviderRequests, "dawn.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "dawn.provider.errors", "Total provider errors by provider and kind."},
	} {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("dawn.active_connections",
		metric.WithDescription("Number of open satellite connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("dawn.active_sessions",
		metric.WithDescription("Number of satellite sessions held in memory."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("dawn.http.request.duration",
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

// RecordFrame records one inbound or outbound frame of the given type name.
func (m *Metrics) RecordFrame(ctx context.Context, inbound bool, msgType string) {
	c := m.FramesSent
	if inbound {
		c = m.FramesReceived
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// RecordFrameError records a discarded frame.
func (m *Metrics) RecordFrameError(ctx context.Context, reason string) {
	m.FrameErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionEvent records a session lifecycle transition.
func (m *Metrics) RecordSessionEvent(ctx context.Context, event string) {
	m.SessionEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordQuery records the duration and outcome of one query.
func (m *Metrics) RecordQuery(ctx context.Context, tier, status string, d time.Duration) {
	m.QueryDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("status", status),
		),
	)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
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
