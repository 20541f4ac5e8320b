package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func metricCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	if m.Counter == nil {
		t.Fatal("expected counter metric to have Counter field")
	}
	return m.GetCounter().GetValue()
}

func metricGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("gauge Write() error: %v", err)
	}
	if m.Gauge == nil {
		t.Fatal("expected gauge metric to have Gauge field")
	}
	return m.GetGauge().GetValue()
}

func metricHistogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	metric, ok := o.(prometheus.Metric)
	if !ok {
		t.Fatalf("observer %T does not implement prometheus.Metric", o)
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		t.Fatalf("histogram Write() error: %v", err)
	}
	if m.Histogram == nil {
		t.Fatal("expected histogram metric to have Histogram field")
	}
	return m.GetHistogram().GetSampleCount()
}

func TestHTTPMetricsMiddlewareRecordsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(WithNamespace("testsvc"), WithRegistry(reg))

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions/abc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if got := metricCounterValue(t, m.requestsTotal.WithLabelValues("/sessions/{id}", "GET", "200")); got != 1 {
		t.Errorf("http_requests_total = %v, want 1", got)
	}
	if got := metricHistogramCount(t, m.requestDuration.WithLabelValues("/sessions/{id}", "GET")); got != 1 {
		t.Errorf("http_request_duration_seconds count = %v, want 1", got)
	}
}

func TestProxyMetricsRecordProxy(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewProxyMetrics(WithNamespace("control_plane"), WithRegistry(reg))

	m.RecordProxy("worker-a", "create_session", 201, 10*time.Millisecond)
	m.RecordProxy("worker-a", "create_session", 502, 10*time.Millisecond)
	m.RecordProxy("worker-a", "create_session", -1, 10*time.Millisecond)

	if got := metricCounterValue(t, m.successTotal.WithLabelValues("worker-a", "create_session")); got != 1 {
		t.Errorf("proxy_success_total = %v, want 1", got)
	}
	if got := metricCounterValue(t, m.errorTotal.WithLabelValues("worker-a", "create_session")); got != 2 {
		t.Errorf("proxy_error_total = %v, want 2", got)
	}
	if got := metricHistogramCount(t, m.requestDuration.WithLabelValues("worker-a", "create_session")); got != 3 {
		t.Errorf("proxy_request_duration_seconds count = %v, want 3", got)
	}
}

func TestProxyMetricsWebSocketGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewProxyMetrics(WithRegistry(reg))

	m.WebSocketOpened("worker-a")
	m.WebSocketOpened("worker-a")
	m.WebSocketClosed("worker-a")

	if got := metricGaugeValue(t, m.activeWebsockets.WithLabelValues("worker-a")); got != 1 {
		t.Errorf("active_websockets = %v, want 1", got)
	}
}

func TestCORSWildcardDisablesCredentials(t *testing.T) {
	handler := CORS([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Allow-Credentials = %q, want empty for wildcard origins", got)
	}
}

func TestCORSExplicitOriginsAllowCredentials(t *testing.T) {
	handler := CORS([]string{"https://app.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q, want true for explicit origins", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Allow-Origin = %q, want https://app.example", got)
	}
}
