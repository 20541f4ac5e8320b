package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestOpenTelemetryMiddlewarePassesThrough(t *testing.T) {
	r := chi.NewRouter()
	r.Use(OpenTelemetry(WithTracerName("test")))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestOpenTelemetryFilterSkipsRequests(t *testing.T) {
	called := false
	mw := OpenTelemetry(WithRequestFilter(func(r *http.Request) bool {
		called = true
		return false
	}))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !called {
		t.Error("filter was not invoked")
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestProxySpanLifecycle(t *testing.T) {
	tracer := Tracer(WithTracerName("test"))

	ctx, span := StartProxySpan(context.Background(), tracer, "list_sessions", "worker-a", "http://worker-a:8080")
	if ctx == nil {
		t.Fatal("StartProxySpan() returned nil context")
	}
	EndProxySpan(span, nil)

	_, span = StartProxySpan(context.Background(), tracer, "create_session", "worker-a", "http://worker-a:8080")
	EndProxySpan(span, errors.New("boom"))
}
