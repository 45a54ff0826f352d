// Package observe provides application-wide observability primitives for
// murmur: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all murmur metrics.
const meterName = "github.com/MrWong99/murmur"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// STTConnectDuration tracks how long a recognition path took to start.
	// Attribute: path.
	STTConnectDuration metric.Float64Histogram

	// TTSDuration tracks the wall time of one spoken utterance.
	TTSDuration metric.Float64Histogram

	// RecognitionFallbacks counts cascade steps. Attributes: from, to.
	RecognitionFallbacks metric.Int64Counter

	// RecognitionRestarts counts automatic local engine restarts.
	RecognitionRestarts metric.Int64Counter

	// Turns counts completed end-of-turn results.
	Turns metric.Int64Counter

	// SpeechInterruptions counts utterances cut short. Attribute: reason.
	SpeechInterruptions metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// VADActivity counts activity transitions. Attribute: active.
	VADActivity metric.Int64Counter

	// ActiveSessions tracks the number of listening sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks health and metrics request latency.
	// Attributes: method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// fast local starts up to the cloud handshake timeout.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.STTConnectDuration, err = m.Float64Histogram("murmur.stt.connect.duration",
		metric.WithDescription("Time to start a recognition path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("murmur.tts.duration",
		metric.WithDescription("Wall time of a spoken utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognitionFallbacks, err = m.Int64Counter("murmur.recognition.fallbacks",
		metric.WithDescription("Recognition cascade steps by source and target path."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionRestarts, err = m.Int64Counter("murmur.recognition.restarts",
		metric.WithDescription("Automatic restarts of the local recognition engine."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("murmur.turns",
		metric.WithDescription("Completed user turns."),
	); err != nil {
		return nil, err
	}
	if met.SpeechInterruptions, err = m.Int64Counter("murmur.speech.interruptions",
		metric.WithDescription("Utterances cancelled before completion, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("murmur.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.VADActivity, err = m.Int64Counter("murmur.vad.activity",
		metric.WithDescription("Voice activity transitions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("murmur.sessions.active",
		metric.WithDescription("Number of listening sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("murmur.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
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

// RecordConnect records the start latency of a recognition path.
func (m *Metrics) RecordConnect(ctx context.Context, path string, d time.Duration) {
	m.STTConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("path", path)))
}

// RecordFallback records one cascade step from one path to the next.
func (m *Metrics) RecordFallback(ctx context.Context, from, to string) {
	m.RecognitionFallbacks.Add(ctx, 1, metric.WithAttributes(Attr("from", from), Attr("to", to)))
}

// RecordRestart records an automatic local engine restart.
func (m *Metrics) RecordRestart(ctx context.Context) {
	m.RecognitionRestarts.Add(ctx, 1)
}

// RecordTurn records a completed turn.
func (m *Metrics) RecordTurn(ctx context.Context) {
	m.Turns.Add(ctx, 1)
}

// RecordInterruption records a cut-short utterance.
func (m *Metrics) RecordInterruption(ctx context.Context, reason string) {
	m.SpeechInterruptions.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)),
	)
}

// RecordActivity records a voice activity transition.
func (m *Metrics) RecordActivity(ctx context.Context, active bool) {
	m.VADActivity.Add(ctx, 1, metric.WithAttributes(Attr("active", strconv.FormatBool(active))))
}
