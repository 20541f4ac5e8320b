// Package vncgateway exposes a single public endpoint that fronts many
// per-session VNC listeners on a runner node. HTTP requests under /vnc
// are reverse-proxied to the viewer asset tree behind the resolved
// target port; /vnc/websockify relays the viewer WebSocket onto the raw
// RFB TCP stream.
package vncgateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camofleet/camofleet/internal/api"
	"github.com/camofleet/camofleet/internal/config"
	"github.com/camofleet/camofleet/pkg/middleware"
)

// Server is the gateway's HTTP surface.
type Server struct {
	cfg    *config.Gateway
	logger *slog.Logger
	client *http.Client

	registry *prometheus.Registry
	handler  http.Handler
	upgrader websocket.Upgrader

	slots    chan struct{}
	draining atomic.Bool

	sessionMu sync.Mutex
	sessions  map[*wsSession]struct{}
	sessionWG sync.WaitGroup

	activeSessions prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
}

// NewServer builds the gateway HTTP layer.
func NewServer(cfg *config.Gateway, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger.With("component", "server"),
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		registry: prometheus.NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		slots:    make(chan struct{}, cfg.MaxConcurrentSessions),
		sessions: make(map[*wsSession]struct{}),
	}

	factory := promauto.With(s.registry)
	s.activeSessions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "vncgateway",
		Name:      "active_sessions",
		Help:      "Number of VNC relay sessions currently open",
	})
	s.sessionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vncgateway",
		Name:      "sessions_total",
		Help:      "Finished or rejected VNC relay sessions by outcome",
	}, []string{"outcome"})

	httpMetrics := middleware.NewHTTPMetrics(
		middleware.WithNamespace("vncgateway"),
		middleware.WithRegistry(s.registry),
	)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.OpenTelemetry(middleware.WithTracerName("camofleet/vncgateway")))
	r.Use(httpMetrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/vnc/websockify", s.handleWebsockify)
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		r.Method(method, "/vnc", http.HandlerFunc(s.handleHTTP))
		r.Method(method, "/vnc/*", http.HandlerFunc(s.handleHTTP))
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.handler = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) acquireSlot() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) releaseSlot() {
	<-s.slots
}

// trackSession registers a running session. It fails once draining has
// started so a session that slipped past the fast-path check cannot
// outlive the drain.
func (s *Server) trackSession(sess *wsSession) bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.draining.Load() {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.sessionWG.Add(1)
	s.activeSessions.Inc()
	return true
}

func (s *Server) untrackSession(sess *wsSession) {
	s.sessionMu.Lock()
	delete(s.sessions, sess)
	s.sessionMu.Unlock()
	s.sessionWG.Done()
	s.activeSessions.Dec()
}

// Drain rejects new relay sessions, waits up to the configured grace
// for the active ones to finish, then force-closes the stragglers.
func (s *Server) Drain() {
	// The flag flips under the session mutex so every tracked session
	// is visible to the force-close pass below.
	s.sessionMu.Lock()
	s.draining.Store(true)
	s.sessionMu.Unlock()

	idle := make(chan struct{})
	go func() {
		s.sessionWG.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return
	case <-time.After(s.cfg.ShutdownGrace):
	}

	s.sessionMu.Lock()
	remaining := make([]*wsSession, 0, len(s.sessions))
	for sess := range s.sessions {
		remaining = append(remaining, sess)
	}
	s.sessionMu.Unlock()
	if len(remaining) > 0 {
		s.logger.Warn("force closing vnc sessions after drain grace", "count", len(remaining))
	}
	for _, sess := range remaining {
		sess.terminate(websocket.CloseTryAgainLater, reasonShuttingDown)
	}
	<-idle
}

// Close releases pooled upstream connections. Call after Drain.
func (s *Server) Close() {
	s.client.CloseIdleConnections()
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then
// drains relay sessions and shuts the listener down. The listener keeps
// accepting during the drain so late viewers receive a close code
// instead of a reset.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("vnc gateway listening", "addr", s.cfg.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.Drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
