package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camofleet/camofleet/internal/api"
	"github.com/camofleet/camofleet/internal/config"
	"github.com/camofleet/camofleet/pkg/middleware"
)

// Diagnostics lifecycle states surfaced by /diagnostics/network.
const (
	diagDisabled = "disabled"
	diagPending  = "pending"
	diagComplete = "complete"
)

// Server is the runner's HTTP surface over a session manager.
type Server struct {
	cfg     *config.Runner
	logger  *slog.Logger
	manager *Manager
	version string

	registry *prometheus.Registry
	handler  http.Handler

	diagMu     sync.Mutex
	diagStatus string
	diagReport DiagnosticsReport
}

// NewServer builds the HTTP layer. Call Start to launch the manager's
// background loops and the startup diagnostics.
func NewServer(cfg *config.Runner, manager *Manager, logger *slog.Logger, version string) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger.With("component", "server"),
		manager:    manager,
		version:    version,
		registry:   prometheus.NewRegistry(),
		diagStatus: diagDisabled,
	}
	if len(cfg.NetworkDiagnostics) > 0 {
		s.diagStatus = diagPending
	}

	httpMetrics := middleware.NewHTTPMetrics(
		middleware.WithNamespace("runner"),
		middleware.WithRegistry(s.registry),
	)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.OpenTelemetry(middleware.WithTracerName("camofleet/runner")))
	r.Use(httpMetrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/sessions", s.handleList)
	r.Post("/sessions", s.handleCreate)
	r.Get("/sessions/{id}", s.handleGet)
	r.Delete("/sessions/{id}", s.handleDelete)
	r.Post("/sessions/{id}/touch", s.handleTouch)
	r.Get("/diagnostics/network", s.handleDiagnostics)
	r.Method(http.MethodGet, cfg.MetricsEndpoint, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.handler = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start launches the manager loops and, when configured, the one-shot
// network diagnostics.
func (s *Server) Start(ctx context.Context) {
	s.manager.Start()
	if len(s.cfg.NetworkDiagnostics) == 0 {
		return
	}
	go func() {
		report := runNetworkDiagnostics(ctx, s.logger, s.cfg.NetworkDiagnostics, s.cfg.DiagnosticsTimeout)
		s.diagMu.Lock()
		s.diagStatus = diagComplete
		s.diagReport = report
		s.diagMu.Unlock()
	}()
}

// Close tears down the session manager.
func (s *Server) Close() {
	s.manager.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"driver": "ok",
		"vnc":    "ok",
	}
	if !s.manager.DriverAvailable() {
		checks["driver"] = "missing"
	}
	if !s.manager.VNCAvailable() {
		checks["vnc"] = "unavailable"
	}
	api.WriteJSON(w, http.StatusOK, api.HealthResponse{
		Status:  "ok",
		Version: s.version,
		Checks:  checks,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	desc, err := s.manager.Create(r.Context(), req)
	if err != nil {
		s.writeCreateError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, desc)
}

func (s *Server) writeCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrVNCUnavailable):
		api.WriteError(w, http.StatusServiceUnavailable, "VNC is not supported on this runner")
	case errors.Is(err, ErrNoCapacity):
		api.WriteError(w, http.StatusServiceUnavailable, "No available VNC slots")
	default:
		s.logger.Error("session create failed", "error", err)
		api.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	desc, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, http.StatusNotFound, "Session not found")
		return
	}
	api.WriteJSON(w, http.StatusOK, desc)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.Delete(chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, http.StatusNotFound, "Session not found")
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	desc, err := s.manager.Touch(chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, http.StatusNotFound, "Session not found")
		return
	}
	api.WriteJSON(w, http.StatusOK, desc)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	s.diagMu.Lock()
	status := s.diagStatus
	report := s.diagReport
	s.diagMu.Unlock()
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"results": report,
	})
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then
// drains it within the configured shutdown timeout.
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
	s.logger.Info("runner listening", "addr", s.cfg.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
