package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumValue returns the value of the data point carrying key=value, or the
// first data point when key is empty.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.Emit() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, value)
	return 0
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordConnect(ctx, "cloud", 120*time.Millisecond)
	m.RecordConnect(ctx, "cloud", 450*time.Millisecond)
	m.TTSDuration.Record(ctx, 0.8)
	m.TTSDuration.Record(ctx, 1.2)

	rm := collect(t, reader)

	for _, name := range []string{"murmur.stt.connect.duration", "murmur.tts.duration"} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecognitionCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFallback(ctx, "local", "cloud")
	m.RecordFallback(ctx, "local", "cloud")
	m.RecordFallback(ctx, "cloud", "simulated")
	m.RecordRestart(ctx)
	m.RecordRestart(ctx)
	m.RecordRestart(ctx)
	m.RecordTurn(ctx)

	rm := collect(t, reader)

	if got := sumValue(t, rm, "murmur.recognition.fallbacks", "to", "cloud"); got != 2 {
		t.Errorf("fallbacks to cloud = %d, want 2", got)
	}
	if got := sumValue(t, rm, "murmur.recognition.fallbacks", "to", "simulated"); got != 1 {
		t.Errorf("fallbacks to simulated = %d, want 1", got)
	}
	if got := sumValue(t, rm, "murmur.recognition.restarts", "", ""); got != 3 {
		t.Errorf("restarts = %d, want 3", got)
	}
	if got := sumValue(t, rm, "murmur.turns", "", ""); got != 1 {
		t.Errorf("turns = %d, want 1", got)
	}
}

func TestSpeechAndActivityCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordInterruption(ctx, "barge_in")
	m.RecordInterruption(ctx, "barge_in")
	m.RecordInterruption(ctx, "replaced")
	m.RecordActivity(ctx, true)
	m.RecordActivity(ctx, false)
	m.RecordActivity(ctx, true)

	rm := collect(t, reader)

	if got := sumValue(t, rm, "murmur.speech.interruptions", "reason", "barge_in"); got != 2 {
		t.Errorf("barge_in interruptions = %d, want 2", got)
	}
	if got := sumValue(t, rm, "murmur.vad.activity", "active", "true"); got != 2 {
		t.Errorf("active transitions = %d, want 2", got)
	}
}

func TestProviderErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordProviderError(context.Background(), "deepgram", "stt")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "murmur.provider.errors", "provider", "deepgram"); got != 1 {
		t.Errorf("counter value = %d, want 1", got)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "murmur.sessions.active", "", ""); got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("route", RouteHealthz),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "murmur.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
		t.Errorf("data points = %+v, want one sample", hist.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
