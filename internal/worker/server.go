package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camofleet/camofleet/internal/api"
	"github.com/camofleet/camofleet/internal/config"
	"github.com/camofleet/camofleet/pkg/bridge"
	"github.com/camofleet/camofleet/pkg/middleware"
)

// runnerAPI is the slice of the runner client the handlers use; tests
// substitute a stub.
type runnerAPI interface {
	health(ctx context.Context) (api.HealthResponse, error)
	listSessions(ctx context.Context) ([]api.RunnerSession, error)
	createSession(ctx context.Context, req api.CreateSessionRequest) (api.RunnerSession, error)
	getSession(ctx context.Context, id string) (api.RunnerSession, error)
	deleteSession(ctx context.Context, id string) (api.DeleteResponse, error)
	touchSession(ctx context.Context, id string) (api.RunnerSession, error)
	close()
}

// Server forwards the session API to the colocated runner. It owns no
// session state of its own; the runner is the source of truth and the
// worker re-projects its responses.
type Server struct {
	cfg      *config.Worker
	logger   *slog.Logger
	runner   runnerAPI
	workerID string
	version  string

	registry *prometheus.Registry
	handler  http.Handler
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// NewServer builds the worker HTTP layer around a runner client. The
// worker identity is minted once per process and stamped on every
// descriptor it serves.
func NewServer(cfg *config.Worker, logger *slog.Logger, version string) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger.With("component", "server"),
		runner:   newRunnerClient(cfg.RunnerBaseURL, cfg.RequestTimeout),
		workerID: uuid.NewString(),
		version:  version,
		registry: prometheus.NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.RequestTimeout},
	}

	httpMetrics := middleware.NewHTTPMetrics(
		middleware.WithNamespace("worker"),
		middleware.WithRegistry(s.registry),
	)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.OpenTelemetry(middleware.WithTracerName("camofleet/worker")))
	r.Use(httpMetrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/sessions", s.handleList)
	r.Post("/sessions", s.handleCreate)
	r.Get("/sessions/{id}", s.handleGet)
	r.Delete("/sessions/{id}", s.handleDelete)
	r.Post("/sessions/{id}/touch", s.handleTouch)
	r.Get("/sessions/{id}/ws", s.handleSessionWS)
	r.Method(http.MethodGet, cfg.MetricsEndpoint, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.handler = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// WorkerID returns the identity stamped on served descriptors.
func (s *Server) WorkerID() string { return s.workerID }

// Close releases the pooled runner connections.
func (s *Server) Close() {
	s.runner.close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out, err := s.runner.health(r.Context())
	if err != nil {
		s.logger.Warn("runner health probe failed", "error", err)
		out = api.HealthResponse{
			Status: "degraded",
			Checks: map[string]string{"runner": "unreachable"},
		}
	}
	out.Version = s.version
	out.WorkerID = s.workerID
	supports := s.cfg.SupportsVNC
	out.VNC = &supports
	api.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.runner.listSessions(r.Context())
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}
	out := make([]api.WorkerSession, 0, len(sessions))
	for _, rs := range sessions {
		out = append(out, s.project(rs))
	}
	api.WriteJSON(w, http.StatusOK, out)
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
	if req.VNC && !s.cfg.SupportsVNC {
		api.WriteError(w, http.StatusBadRequest, "VNC is not supported by this worker")
		return
	}

	// Routing hints are consumed at this tier; the runner gets the
	// request with worker-side defaults applied.
	req.Worker = ""
	if req.Headless == nil {
		headless := s.cfg.SessionHeadless
		req.Headless = &headless
	}
	if req.IdleTTL == nil {
		ttl := s.cfg.SessionIdleTTL
		req.IdleTTL = &ttl
	}

	rs, err := s.runner.createSession(r.Context(), req)
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, s.project(rs))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rs, err := s.runner.getSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.project(rs))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, err := s.runner.deleteSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	rs, err := s.runner.touchSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.project(rs))
}

// handleSessionWS bridges an automation client to the browser server's
// WebSocket behind the runner. The upgrade happens first so callers
// always receive a close code: 1008 when the session is gone, 1011 when
// the runner or the browser endpoint cannot be reached.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}

	rs, err := s.runner.getSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			closeWS(client, websocket.ClosePolicyViolation, "session_not_found")
		} else {
			s.logger.Warn("runner session fetch failed", "session_id", id, "error", err)
			closeWS(client, websocket.CloseInternalServerErr, "upstream_unreachable")
		}
		return
	}

	upstream, resp, err := s.dialer.DialContext(r.Context(), rs.WSEndpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.logger.Warn("browser endpoint dial failed", "session_id", rs.ID, "error", err)
		closeWS(client, websocket.CloseInternalServerErr, "upstream_unreachable")
		return
	}

	bridge.Run(r.Context(), s.logger.With("session_id", rs.ID), client, upstream)
}

func closeWS(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

// writeRunnerError converts client errors into worker responses. Runner
// error statuses pass through so capacity signals survive the hop;
// transport failures become 502.
func (s *Server) writeRunnerError(w http.ResponseWriter, err error) {
	var upstream *UpstreamError
	switch {
	case errors.Is(err, ErrNotFound):
		api.WriteError(w, http.StatusNotFound, "Session not found")
	case errors.As(err, &upstream):
		api.WriteError(w, upstream.StatusCode, upstream.Detail)
	case errors.Is(err, ErrUnreachable):
		s.logger.Error("runner unreachable", "error", err)
		api.WriteError(w, http.StatusBadGateway, "Runner unreachable")
	default:
		s.logger.Error("runner request failed", "error", err)
		api.WriteError(w, http.StatusBadGateway, "Runner request failed")
	}
}

// project converts the runner's view of a session into the worker's
// public descriptor: vnc_info becomes vnc, the engine name is pinned
// and ws_endpoint points at this worker instead of the raw browser
// server.
func (s *Server) project(rs api.RunnerSession) api.WorkerSession {
	return api.WorkerSession{
		ID:           rs.ID,
		Status:       rs.Status,
		CreatedAt:    rs.CreatedAt,
		LastSeenAt:   rs.LastSeenAt,
		Browser:      api.BrowserName,
		Headless:     rs.Headless,
		IdleTTL:      rs.IdleTTL,
		Labels:       rs.Labels,
		WorkerID:     s.workerID,
		StartURLWait: rs.StartURLWait,
		VNCEnabled:   rs.VNC,
		WSEndpoint:   "/sessions/" + rs.ID + "/ws",
		VNC:          rs.VNCInfo,
	}
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
	s.logger.Info("worker listening", "addr", s.cfg.Addr(), "worker_id", s.workerID)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
