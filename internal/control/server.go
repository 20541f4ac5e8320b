package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/camofleet/camofleet/internal/api"
	"github.com/camofleet/camofleet/internal/config"
	"github.com/camofleet/camofleet/pkg/bridge"
	"github.com/camofleet/camofleet/pkg/middleware"
)

// Server is the control plane's HTTP surface. It holds no session
// state; every request is dispatched to a worker and the response
// re-projected into the fleet-wide shape.
type Server struct {
	cfg        *config.Control
	logger     *slog.Logger
	dispatcher *dispatcher
	version    string

	registry *prometheus.Registry
	proxy    *middleware.ProxyMetrics
	tracer   trace.Tracer
	handler  http.Handler
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// NewServer builds the control-plane HTTP layer over the configured
// worker set.
func NewServer(cfg *config.Control, logger *slog.Logger, version string) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger.With("component", "server"),
		dispatcher: newDispatcher(cfg.Workers, cfg.RequestTimeout),
		version:    version,
		registry:   prometheus.NewRegistry(),
		tracer:     middleware.Tracer(middleware.WithTracerName("camofleet/control")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.RequestTimeout},
	}
	s.proxy = middleware.NewProxyMetrics(
		middleware.WithNamespace("control"),
		middleware.WithRegistry(s.registry),
	)

	httpMetrics := middleware.NewHTTPMetrics(
		middleware.WithNamespace("control"),
		middleware.WithRegistry(s.registry),
	)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.OpenTelemetry(middleware.WithTracerName("camofleet/control")))
	r.Use(httpMetrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/workers", s.handleWorkers)
	r.Get("/sessions", s.handleList)
	r.Post("/sessions", s.handleCreate)
	r.Get("/sessions/{worker}/{id}", s.handleGet)
	r.Delete("/sessions/{worker}/{id}", s.handleDelete)
	r.Post("/sessions/{worker}/{id}/touch", s.handleTouch)
	r.Get("/sessions/{worker}/{id}/ws", s.handleSessionWS)
	r.Method(http.MethodGet, cfg.MetricsEndpoint, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.handler = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Close releases the pooled worker connections.
func (s *Server) Close() {
	s.dispatcher.close()
}

// observeProxy wraps one worker call with a client span and the proxy
// metrics: success or error counter by the outcome status plus the
// request duration.
func observeProxy[T any](s *Server, ctx context.Context, entry config.WorkerEntry, operation string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := middleware.StartProxySpan(ctx, s.tracer, operation, entry.Name, entry.URL)
	start := time.Now()
	out, err := fn(ctx)
	middleware.EndProxySpan(span, err)
	s.proxy.RecordProxy(entry.Name, operation, statusFromError(err), time.Since(start))
	return out, err
}

func statusFromError(err error) int {
	var upstream *UpstreamError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.As(err, &upstream):
		return upstream.StatusCode
	default:
		return -1
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.gatherWorkerStatus(r.Context())
	healthy := len(statuses) > 0
	for _, status := range statuses {
		if !status.Healthy {
			healthy = false
			break
		}
	}
	aggregate := "ok"
	if !healthy {
		aggregate = "degraded"
	}
	api.WriteJSON(w, http.StatusOK, api.ControlHealth{Status: aggregate, Workers: statuses})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.gatherWorkerStatus(r.Context()))
}

// gatherWorkerStatus probes every worker's health concurrently, bounded
// the same way as the session fan-out. Failures degrade to an error
// detail instead of failing the aggregate call.
func (s *Server) gatherWorkerStatus(ctx context.Context) []api.WorkerStatus {
	entries := s.dispatcher.entries()
	statuses := make([]api.WorkerStatus, len(entries))
	sem := make(chan struct{}, s.cfg.ListSessionsConcurrency)
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry config.WorkerEntry) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			status := api.WorkerStatus{Name: entry.Name, SupportsVNC: entry.SupportsVNC}
			_, client, ok := s.dispatcher.lookup(entry.Name)
			if !ok {
				status.Detail = errorDetail("worker client missing")
				statuses[i] = status
				return
			}
			detail, err := observeProxy(s, ctx, entry, "health", client.health)
			if err != nil {
				s.logger.Warn("worker unhealthy", "worker", entry.Name, "error", err)
				status.Detail = errorDetail(err.Error())
				statuses[i] = status
				return
			}
			status.Healthy = true
			status.Detail = detail
			statuses[i] = status
		}(i, entry)
	}
	wg.Wait()
	return statuses
}

func errorDetail(message string) json.RawMessage {
	raw, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return json.RawMessage(`{"error":"unknown"}`)
	}
	return raw
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries := s.dispatcher.entries()
	chunks := make([][]api.ControlSession, len(entries))
	sem := make(chan struct{}, s.cfg.ListSessionsConcurrency)
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry config.WorkerEntry) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			_, client, ok := s.dispatcher.lookup(entry.Name)
			if !ok {
				return
			}
			sessions, err := observeProxy(s, r.Context(), entry, "list_sessions", client.listSessions)
			if err != nil {
				s.logger.Warn("failed to query worker", "worker", entry.Name, "error", err)
				return
			}
			projected := make([]api.ControlSession, 0, len(sessions))
			for _, session := range sessions {
				projected = append(projected, s.project(entry, session))
			}
			chunks[i] = projected
		}(i, entry)
	}
	wg.Wait()

	merged := make([]api.ControlSession, 0)
	for _, chunk := range chunks {
		merged = append(merged, chunk...)
	}
	api.WriteJSON(w, http.StatusOK, merged)
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

	entry, err := s.dispatcher.pick(req.Worker, req.VNC)
	if err != nil {
		s.writePickError(w, err)
		return
	}
	_, client, ok := s.dispatcher.lookup(entry.Name)
	if !ok {
		api.WriteError(w, http.StatusInternalServerError, "worker client missing")
		return
	}

	// The routing hint stops here.
	req.Worker = ""
	session, err := observeProxy(s, r.Context(), entry, "create_session", func(ctx context.Context) (api.WorkerSession, error) {
		return client.createSession(ctx, req)
	})
	if err != nil {
		s.writeWorkerError(w, entry, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, s.project(entry, session))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	entry, client, ok := s.dispatcher.lookup(chi.URLParam(r, "worker"))
	if !ok {
		api.WriteError(w, http.StatusNotFound, "Worker not found")
		return
	}
	id := chi.URLParam(r, "id")
	session, err := observeProxy(s, r.Context(), entry, "get_session", func(ctx context.Context) (api.WorkerSession, error) {
		return client.getSession(ctx, id)
	})
	if err != nil {
		s.writeWorkerError(w, entry, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.project(entry, session))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	entry, client, ok := s.dispatcher.lookup(chi.URLParam(r, "worker"))
	if !ok {
		api.WriteError(w, http.StatusNotFound, "Worker not found")
		return
	}
	id := chi.URLParam(r, "id")
	res, err := observeProxy(s, r.Context(), entry, "delete_session", func(ctx context.Context) (api.DeleteResponse, error) {
		return client.deleteSession(ctx, id)
	})
	if err != nil {
		s.writeWorkerError(w, entry, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	entry, client, ok := s.dispatcher.lookup(chi.URLParam(r, "worker"))
	if !ok {
		api.WriteError(w, http.StatusNotFound, "Worker not found")
		return
	}
	id := chi.URLParam(r, "id")
	session, err := observeProxy(s, r.Context(), entry, "touch_session", func(ctx context.Context) (api.WorkerSession, error) {
		return client.touchSession(ctx, id)
	})
	if err != nil {
		s.writeWorkerError(w, entry, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.project(entry, session))
}

// handleSessionWS bridges an automation client to the worker that hosts
// the session. The gauge tracks concurrently bridged channels per
// worker.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	entry, _, ok := s.dispatcher.lookup(chi.URLParam(r, "worker"))
	if !ok {
		api.WriteError(w, http.StatusNotFound, "Worker not found")
		return
	}
	id := chi.URLParam(r, "id")
	upstreamURL, err := workerWSEndpoint(entry.URL, id)
	if err != nil {
		s.logger.Error("invalid worker URL", "worker", entry.Name, "error", err)
		api.WriteError(w, http.StatusInternalServerError, "invalid worker URL")
		return
	}

	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	s.proxy.WebSocketOpened(entry.Name)
	defer s.proxy.WebSocketClosed(entry.Name)

	upstream, resp, err := s.dialer.DialContext(r.Context(), upstreamURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.logger.Warn("worker websocket dial failed", "worker", entry.Name, "session_id", id, "error", err)
		deadline := time.Now().Add(time.Second)
		client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "upstream_unreachable"), deadline)
		client.Close()
		return
	}

	bridge.Run(r.Context(), s.logger.With("worker", entry.Name, "session_id", id), client, upstream)
}

func (s *Server) writePickError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrWorkerNotFound):
		api.WriteError(w, http.StatusNotFound, "Worker not found")
	case errors.Is(err, ErrNoWorkers):
		api.WriteError(w, http.StatusServiceUnavailable, "No workers configured")
	default:
		api.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeWorkerError converts client errors into control responses.
// Worker error statuses pass through so rejections keep their meaning;
// transport failures become 502.
func (s *Server) writeWorkerError(w http.ResponseWriter, entry config.WorkerEntry, err error) {
	var upstream *UpstreamError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		api.WriteError(w, http.StatusNotFound, "Session not found")
	case errors.As(err, &upstream):
		api.WriteError(w, upstream.StatusCode, upstream.Detail)
	case errors.Is(err, ErrWorkerUnreachable):
		s.logger.Error("worker unreachable", "worker", entry.Name, "error", err)
		api.WriteError(w, http.StatusBadGateway, "Worker unreachable")
	default:
		s.logger.Error("worker request failed", "worker", entry.Name, "error", err)
		api.WriteError(w, http.StatusBadGateway, "Worker request failed")
	}
}

// project annotates a worker session with its worker and rewrites the
// endpoints for public consumption: ws_endpoint moves under the
// control-plane prefix and the VNC URLs pass through the worker's
// templates.
func (s *Server) project(entry config.WorkerEntry, session api.WorkerSession) api.ControlSession {
	session.WSEndpoint = s.publicWSEndpoint(entry.Name, session.ID)
	if session.Browser == "" {
		session.Browser = api.BrowserName
	}
	session.VNC = applyVNCOverrides(session.VNC, entry)
	if !session.VNCEnabled {
		session.VNCEnabled = hasEndpoint(session.VNC.HTTP) || hasEndpoint(session.VNC.WS)
	}
	return api.ControlSession{Worker: entry.Name, WorkerSession: session}
}

func hasEndpoint(value *string) bool {
	return value != nil && *value != ""
}

func (s *Server) publicWSEndpoint(workerName, sessionID string) string {
	return s.cfg.PublicPrefix() + "/sessions/" + workerName + "/" + sessionID + "/ws"
}

// workerWSEndpoint converts a worker's HTTP base URL into the WebSocket
// URL of a session's automation channel: http becomes ws, https becomes
// wss, any base path is kept.
func workerWSEndpoint(rawURL, sessionID string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/sessions/" + sessionID + "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
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
	s.logger.Info("control plane listening", "addr", s.cfg.Addr(), "version", s.version, "workers", len(s.cfg.Workers))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
