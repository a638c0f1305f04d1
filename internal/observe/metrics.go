// Package observe provides application-wide observability primitives for
// talkinghead: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

	"github.com/MrWong99/talkinghead/pkg/resqueue"
)

// meterName is the instrumentation scope name used for all talkinghead metrics.
const meterName = "github.com/MrWong99/talkinghead"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// VoiceDuration tracks voice engine synthesis latency per line.
	VoiceDuration metric.Float64Histogram

	// AnimationDuration tracks the time from animation request to the last frame.
	AnimationDuration metric.Float64Histogram

	// QueueWait tracks how long callers waited for an engine. Use with
	// attribute.String("queue", ...).
	QueueWait metric.Float64Histogram

	// QueueHold tracks how long an engine was held per call.
	QueueHold metric.Float64Histogram

	// SpeechLatency tracks the time from request enqueue to first audible output.
	SpeechLatency metric.Float64Histogram

	// --- Counters ---

	// CacheLookups counts speech cache lookups. Use with attributes:
	//   attribute.String("kind", "audio"|"frames"), attribute.String("result", "hit"|"miss"|"error")
	CacheLookups metric.Int64Counter

	// CacheWriteErrors counts failed asynchronous cache stores.
	CacheWriteErrors metric.Int64Counter

	// Segments counts speech segments leaving the player. Use with attributes:
	//   attribute.String("character", ...), attribute.String("result", "played"|"skipped")
	Segments metric.Int64Counter

	// EngineErrors counts voice and animation engine failures. Use with
	//   attribute.String("stage", "voice"|"animation")
	EngineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCharacters tracks the number of loaded characters.
	ActiveCharacters metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for engine
// calls, which range from cached lookups to multi-second renders.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.VoiceDuration, "talkinghead.voice.duration", "Latency of voice synthesis per line."},
		{&met.AnimationDuration, "talkinghead.animation.duration", "Latency of animation generation per line."},
		{&met.QueueWait, "talkinghead.queue.wait", "Time spent waiting for an engine."},
		{&met.QueueHold, "talkinghead.queue.hold", "Time an engine was held per call."},
		{&met.SpeechLatency, "talkinghead.speech.latency", "Time from request to first audible output."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	if met.CacheLookups, err = m.Int64Counter("talkinghead.cache.lookups",
		metric.WithDescription("Speech cache lookups by kind and result."),
	); err != nil {
		return nil, err
	}
	if met.CacheWriteErrors, err = m.Int64Counter("talkinghead.cache.write_errors",
		metric.WithDescription("Failed asynchronous speech cache writes."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("talkinghead.segments",
		metric.WithDescription("Speech segments handled by the player by character and result."),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("talkinghead.engine.errors",
		metric.WithDescription("Voice and animation engine failures by stage."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCharacters, err = m.Int64UpDownCounter("talkinghead.active_characters",
		metric.WithDescription("Number of loaded characters."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("talkinghead.http.request.duration",
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

// RecordCacheLookup records one cache lookup. result is "hit", "miss" or "error".
func (m *Metrics) RecordCacheLookup(ctx context.Context, kind, result string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind), Attr("result", result)))
}

// RecordSegment records a segment that was played or skipped.
func (m *Metrics) RecordSegment(ctx context.Context, character string, played bool) {
	result := "played"
	if !played {
		result = "skipped"
	}
	m.Segments.Add(ctx, 1, metric.WithAttributes(Attr("character", character), Attr("result", result)))
}

// RecordEngineError records an engine failure for stage ("voice" or "animation").
func (m *Metrics) RecordEngineError(ctx context.Context, stage string) {
	m.EngineErrors.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

// QueueObserver returns a [resqueue.Observer] that records wait and hold
// times into the queue histograms.
func (m *Metrics) QueueObserver() resqueue.Observer {
	return func(name string, wait, hold time.Duration) {
		attrs := metric.WithAttributes(Attr("queue", name))
		m.QueueWait.Record(context.Background(), wait.Seconds(), attrs)
		m.QueueHold.Record(context.Background(), hold.Seconds(), attrs)
	}
}
