package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// served runs one request through the middleware around h and returns the
// recorder, the collected metrics and the finished spans.
func served(t *testing.T, h http.HandlerFunc, req *http.Request) (*httptest.ResponseRecorder, metricdata.ResourceMetrics, tracetest.SpanStubs) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	rec := httptest.NewRecorder()
	Middleware(m)(h).ServeHTTP(rec, req)
	return rec, collect(t, reader), exp.GetSpans()
}

func ok(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) }

func durationPoint(t *testing.T, rm metricdata.ResourceMetrics) metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(rm, "murmur.http.request.duration")
	if met == nil {
		t.Fatal("murmur.http.request.duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	return hist.DataPoints[0]
}

func attr(set attribute.Set, key attribute.Key) string {
	v, _ := set.Value(key)
	return v.Emit()
}

func TestRoute(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"/healthz":      RouteHealthz,
		"/readyz":       RouteReadyz,
		"/metrics":      RouteMetrics,
		"/":             RouteOther,
		"/readyz/extra": RouteOther,
		"/debug/pprof/": RouteOther,
		"/healthz?x=1":  RouteOther,
	}
	for path, want := range tests {
		if got := Route(path); got != want {
			t.Errorf("Route(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestMiddleware_LabelsKnownRoutes(t *testing.T) {
	for _, route := range []string{RouteHealthz, RouteReadyz, RouteMetrics} {
		t.Run(route, func(t *testing.T) {
			_, rm, spans := served(t, ok, httptest.NewRequest(http.MethodGet, route, nil))

			dp := durationPoint(t, rm)
			if got := attr(dp.Attributes, "route"); got != route {
				t.Errorf("route attribute = %q, want %q", got, route)
			}
			if got := attr(dp.Attributes, "status"); got != "200" {
				t.Errorf("status attribute = %q, want 200", got)
			}
			if len(spans) != 1 || spans[0].Name != "GET "+route {
				t.Fatalf("spans = %v, want one named %q", spans, "GET "+route)
			}
		})
	}
}

func TestMiddleware_UnknownPathsShareOneLabel(t *testing.T) {
	_, rm, spans := served(t, http.NotFound, httptest.NewRequest(http.MethodGet, "/session/3f2a/transcript", nil))

	dp := durationPoint(t, rm)
	if got := attr(dp.Attributes, "route"); got != RouteOther {
		t.Errorf("route attribute = %q, want %q", got, RouteOther)
	}
	if got := attr(dp.Attributes, "status"); got != "404" {
		t.Errorf("status attribute = %q, want 404", got)
	}
	if len(spans) != 1 || spans[0].Name != "GET other" {
		t.Fatalf("spans = %v, want one named %q", spans, "GET other")
	}
}

func TestMiddleware_ReadinessFailureStatus(t *testing.T) {
	notReady := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.WriteHeader(http.StatusOK) // superfluous; the first code stands
	}
	_, rm, spans := served(t, notReady, httptest.NewRequest(http.MethodGet, RouteReadyz, nil))

	if got := attr(durationPoint(t, rm).Attributes, "status"); got != "503" {
		t.Errorf("status attribute = %q, want 503", got)
	}
	var code int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			code = kv.Value.AsInt64()
		}
	}
	if code != http.StatusServiceUnavailable {
		t.Errorf("span status code = %d, want 503", code)
	}
}

func TestMiddleware_CorrelationIDMatchesTrace(t *testing.T) {
	var inner string
	h := func(w http.ResponseWriter, r *http.Request) {
		inner = CorrelationID(r.Context())
		ok(w, r)
	}
	rec, _, spans := served(t, h, httptest.NewRequest(http.MethodGet, RouteHealthz, nil))

	if len(inner) != 32 {
		t.Fatalf("correlation ID = %q, want a 32-char trace ID", inner)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inner {
		t.Errorf("X-Correlation-ID = %q, want %q", got, inner)
	}
	if got := spans[0].SpanContext.TraceID().String(); got != inner {
		t.Errorf("span trace ID = %q, want %q", got, inner)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	const (
		traceID  = "4bf92f3577b34da6a3ce929d0e0e4736"
		parentID = "00f067aa0ba902b7"
	)
	req := httptest.NewRequest(http.MethodGet, RouteMetrics, nil)
	req.Header.Set("traceparent", "00-"+traceID+"-"+parentID+"-01")

	rec, _, spans := served(t, ok, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
	if got := spans[0].Parent.SpanID().String(); got != parentID {
		t.Errorf("parent span = %q, want %q", got, parentID)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("response carries no traceparent")
	}
}
