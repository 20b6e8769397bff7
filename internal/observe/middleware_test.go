package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newMiddlewareFixture wires test metric and trace providers and returns the
// pieces the assertions need.
func newMiddlewareFixture(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
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

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

// serveThrough runs one request through the middleware-wrapped handler and
// returns the recorder plus the correlation ID the handler saw.
func serveThrough(m *Metrics, req *http.Request, status int) (*httptest.ResponseRecorder, string) {
	var seenCID string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCID = CorrelationID(r.Context())
		w.WriteHeader(status)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seenCID
}

func TestMiddleware_AssignsCorrelationID(t *testing.T) {
	m, _, _ := newMiddlewareFixture(t)

	req := httptest.NewRequest("POST", "/v1/requests", nil)
	rec, seenCID := serveThrough(m, req, http.StatusOK)

	if seenCID == "" {
		t.Fatal("handler context carried no correlation ID")
	}
	if len(seenCID) != 32 {
		t.Errorf("correlation ID length = %d, want 32", len(seenCID))
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seenCID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, seenCID)
	}
}

func TestMiddleware_RecordsServerSpan(t *testing.T) {
	m, _, exp := newMiddlewareFixture(t)

	req := httptest.NewRequest("POST", "/v1/requests", nil)
	serveThrough(m, req, http.StatusOK)

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no span recorded")
	}
	if spans[0].Name != "HTTP POST /v1/requests" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP POST /v1/requests")
	}
}

func TestMiddleware_RecordsRequestDuration(t *testing.T) {
	m, reader, _ := newMiddlewareFixture(t)

	req := httptest.NewRequest("GET", "/readyz", nil)
	serveThrough(m, req, http.StatusOK)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	met := findMetric(rm, "barnabee.http.request.duration")
	if met == nil {
		t.Fatal("duration histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}

	var gotMethod, gotPath string
	for _, kv := range dp.Attributes.ToSlice() {
		switch string(kv.Key) {
		case "method":
			gotMethod = kv.Value.AsString()
		case "path":
			gotPath = kv.Value.AsString()
		}
	}
	if gotMethod != "GET" {
		t.Errorf("method attribute = %q, want GET", gotMethod)
	}
	if gotPath != "/readyz" {
		t.Errorf("path attribute = %q, want /readyz", gotPath)
	}
}

func TestMiddleware_SpanCarriesStatusCode(t *testing.T) {
	m, _, exp := newMiddlewareFixture(t)

	req := httptest.NewRequest("POST", "/v1/requests", nil)
	rec, _ := serveThrough(m, req, http.StatusServiceUnavailable)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("response status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no span recorded")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 503 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code attribute")
	}
}

func TestMiddleware_HonoursIncomingTraceparent(t *testing.T) {
	m, _, _ := newMiddlewareFixture(t)

	const upstreamTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	req := httptest.NewRequest("POST", "/v1/requests", nil)
	req.Header.Set("traceparent", "00-"+upstreamTraceID+"-00f067aa0ba902b7-01")
	rec, seenCID := serveThrough(m, req, http.StatusOK)

	if seenCID != upstreamTraceID {
		t.Errorf("correlation ID = %q, want the satellite's trace ID %q", seenCID, upstreamTraceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != upstreamTraceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, upstreamTraceID)
	}
}
