package control

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/camofleet/camofleet/internal/api"
	"github.com/camofleet/camofleet/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubWorker emulates a worker node over real HTTP, including the
// session WebSocket, so the control plane's client and bridge paths get
// exercised end to end.
type stubWorker struct {
	mu       sync.Mutex
	name     string
	sessions map[string]api.WorkerSession
	created  []api.CreateSessionRequest
	next     int

	healthy    bool
	failStatus int
	failDetail string
}

func newStubWorker(name string) *stubWorker {
	return &stubWorker{name: name, sessions: map[string]api.WorkerSession{}, healthy: true}
}

func (s *stubWorker) handler() http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := chi.NewRouter()
	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		healthy := s.healthy
		s.mu.Unlock()
		if !healthy {
			api.WriteError(w, http.StatusInternalServerError, "worker broken")
			return
		}
		api.WriteJSON(w, http.StatusOK, api.HealthResponse{
			Status:   "ok",
			Version:  "0.0.0",
			Checks:   map[string]string{"runner": "ok"},
			WorkerID: "stub-" + s.name,
		})
	})
	mux.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		out := make([]api.WorkerSession, 0, len(s.sessions))
		for _, sess := range s.sessions {
			out = append(out, sess)
		}
		s.mu.Unlock()
		api.WriteJSON(w, http.StatusOK, out)
	})
	mux.Post("/sessions", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.failStatus != 0 {
			status, detail := s.failStatus, s.failDetail
			s.mu.Unlock()
			api.WriteError(w, status, detail)
			return
		}
		var req api.CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.mu.Unlock()
			api.WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		s.created = append(s.created, req)
		s.next++
		sess := api.WorkerSession{
			ID:         fmt.Sprintf("sess-%d", s.next),
			Status:     api.StatusReady,
			CreatedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			LastSeenAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Browser:    api.BrowserName,
			Labels:     req.Labels,
			WorkerID:   "stub-" + s.name,
			VNCEnabled: req.VNC,
		}
		sess.WSEndpoint = "/sessions/" + sess.ID + "/ws"
		if req.VNC {
			ws := "ws://internal-host:6900/websockify?token=6901"
			httpURL := "http://internal-host:6900/vnc/6901"
			sess.VNC = api.VNCInfo{WS: &ws, HTTP: &httpURL}
		}
		s.sessions[sess.ID] = sess
		s.mu.Unlock()
		api.WriteJSON(w, http.StatusCreated, sess)
	})
	mux.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.writeSession(w, chi.URLParam(r, "id"))
	})
	mux.Delete("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s.mu.Lock()
		_, ok := s.sessions[id]
		delete(s.sessions, id)
		s.mu.Unlock()
		if !ok {
			api.WriteError(w, http.StatusNotFound, "Session not found")
			return
		}
		api.WriteJSON(w, http.StatusOK, api.DeleteResponse{ID: id, Status: api.StatusDead})
	})
	mux.Post("/sessions/{id}/touch", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s.mu.Lock()
		if sess, ok := s.sessions[id]; ok {
			sess.LastSeenAt = time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
			s.sessions[id] = sess
		}
		s.mu.Unlock()
		s.writeSession(w, id)
	})
	mux.Get("/sessions/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		_, ok := s.sessions[chi.URLParam(r, "id")]
		s.mu.Unlock()
		if !ok {
			api.WriteError(w, http.StatusNotFound, "Session not found")
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, payload); err != nil {
				return
			}
		}
	})
	return mux
}

func (s *stubWorker) writeSession(w http.ResponseWriter, id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		api.WriteError(w, http.StatusNotFound, "Session not found")
		return
	}
	api.WriteJSON(w, http.StatusOK, sess)
}

func (s *stubWorker) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

func (s *stubWorker) lastCreated(t *testing.T) api.CreateSessionRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.created) == 0 {
		t.Fatal("no create request reached the worker stub")
	}
	return s.created[len(s.created)-1]
}

// startWorkers launches one httptest server per stub and returns the
// matching config entries in order.
func startWorkers(t *testing.T, stubs ...*stubWorker) []config.WorkerEntry {
	t.Helper()
	entries := make([]config.WorkerEntry, 0, len(stubs))
	for _, stub := range stubs {
		ts := httptest.NewServer(stub.handler())
		t.Cleanup(ts.Close)
		entries = append(entries, config.WorkerEntry{Name: stub.name, URL: ts.URL})
	}
	return entries
}

func newTestControl(t *testing.T, entries []config.WorkerEntry, mutate func(cfg *config.Control)) *Server {
	t.Helper()
	cfg := config.DefaultControl()
	cfg.Workers = entries
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(&cfg, discardLogger(), "1.2.3")
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestControlCreateRoundRobin(t *testing.T) {
	alpha, beta := newStubWorker("alpha"), newStubWorker("beta")
	srv := newTestControl(t, startWorkers(t, alpha, beta), nil)

	var picked []string
	for i := 0; i < 3; i++ {
		rec := doRequest(t, srv.Handler(), http.MethodPost, "/sessions", `{}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create #%d status = %d, want 201: %s", i, rec.Code, rec.Body.String())
		}
		picked = append(picked, decodeJSON[api.ControlSession](t, rec).Worker)
	}
	want := []string{"alpha", "beta", "alpha"}
	for i := range want {
		if picked[i] != want[i] {
			t.Errorf("create #%d went to %q, want %q (full order %v)", i, picked[i], want[i], picked)
		}
	}
	if alpha.createdCount() != 2 || beta.createdCount() != 1 {
		t.Errorf("created counts = (%d, %d), want (2, 1)", alpha.createdCount(), beta.createdCount())
	}
}

func TestControlCreateProjection(t *testing.T) {
	alpha := newStubWorker("alpha")
	srv := newTestControl(t, startWorkers(t, alpha), nil)

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/sessions", `{"labels":{"team":"qa"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	sess := decodeJSON[api.ControlSession](t, rec)
	if sess.Worker != "alpha" {
		t.Errorf("worker = %q, want alpha", sess.Worker)
	}
	if sess.WSEndpoint != "/sessions/alpha/sess-1/ws" {
		t.Errorf("ws_endpoint = %q, want /sessions/alpha/sess-1/ws", sess.WSEndpoint)
	}
	if sess.Browser != api.BrowserName {
		t.Errorf("browser = %q, want %q", sess.Browser, api.BrowserName)
	}
	if got := alpha.lastCreated(t); got.Worker != "" {
		t.Errorf("forwarded worker hint = %q, want stripped", got.Worker)
	}
}

func TestControlCreatePreferredWorker(t *testing.T) {
	alpha, beta := newStubWorker("alpha"), newStubWorker("beta")
	srv := newTestControl(t, startWorkers(t, alpha, beta), nil)

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/sessions", `{"worker":"beta"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if got := decodeJSON[api.ControlSession](t, rec).Worker; got != "beta" {
		t.Errorf("worker = %q, want beta", got)
	}

	rec = doRequest(t, srv.Handler(), http.MethodPost, "/sessions", `{"worker":"ghost"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if detail := decodeJSON[api.ErrorResponse](t, rec).Detail; detail != "Worker not found" {
		t.Errorf("detail = %q, want Worker not found", detail)
	}
}

func TestControlCreateVNCRouting(t *testing.T) {
	t.Run("routes to a VNC worker", func(t *testing.T) {
		alpha, beta := newStubWorker("alpha"), newStubWorker("beta")
		entries := startWorkers(t, alpha, beta)
		entries[1].SupportsVNC = true
		srv := newTestControl(t, entries, nil)

		for i := 0; i < 2; i++ {
			rec := doRequest(t, srv.Handler(), http.MethodPost, "/sessions", `{"vnc":true}`)
			if rec.Code != http.StatusCreated {
				t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
			}
			if got := decodeJSON[api.ControlSession](t, rec).Worker; got != "beta" {
				t.Errorf("create #%d went to %q, want beta", i, got)
			}
		}
	})

	t.Run("no VNC capacity", func(t *testing.T) {
		alpha := newStubWorker("alpha")
		srv := newTestControl(t, startWorkers(t, alpha), nil)

		rec := doRequest(t, srv.Handler(), http.MethodPost, "/sessions", `{"vnc":true}`)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
		if detail := decodeJSON[api.ErrorResponse](t, rec).Detail; detail != "No workers configured" {
			t.Errorf("detail = %q, want No workers configured", detail)
		}
	})
}

func TestControlCreateRewritesVNCEndpoints(t *testing.T) {
	beta := newStubWorker("beta")
	entries := startWorkers(t, beta)
	entries[0].SupportsVNC = true
	entries[0].VNCWS = "wss://cf.example/vnc/{id}/websockify"
	entries[0].VNCHTTP = "https://cf.example/vnc/{id}"
	srv := newTestControl(t, entries, nil)

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/sessions", `{"vnc":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	sess := decodeJSON[api.ControlSession](t, rec)
	if sess.VNC.WS == nil || *sess.VNC.WS != "wss://cf.example/vnc/6901/websockify?token=6901" {
		t.Errorf("vnc.ws = %v, want rewritten public endpoint", sess.VNC.WS)
	}
	if sess.VNC.HTTP == nil || *sess.VNC.HTTP != "https://cf.example/vnc/6901" {
		t.Errorf("vnc.http = %v, want rewritten public endpoint", sess.VNC.HTTP)
	}
	if !sess.VNCEnabled {
		t.Errorf("vnc_enabled = false, want true")
	}
}

func TestControlListMergesWorkers(t *testing.T) {
	alpha, beta := newStubWorker("alpha"), newStubWorker("beta")
	srv := newTestControl(t, startWorkers(t, alpha, beta), nil)

	for i := 0; i < 2; i++ {
		if rec := doRequest(t, srv.Handler(), http.MethodPost, "/sessions", `{}`); rec.Code != http.StatusCreated {
			t.Fatalf("seed create #%d status = %d", i, rec.Code)
		}
	}

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	sessions := decodeJSON[[]api.ControlSession](t, rec)
	if len(sessions) != 2 {
		t.Fatalf("len(sessions) = %d, want 2: %+v", len(sessions), sessions)
	}
	if sessions[0].Worker != "alpha" || sessions[1].Worker != "beta" {
		t.Errorf("workers = (%q, %q), want config order (alpha, beta)", sessions[0].Worker, sessions[1].Worker)
	}
	for _, sess := range sessions {
		want := "/sessions/" + sess.Worker + "/" + sess.ID + "/ws"
		if sess.WSEndpoint != want {
			t.Errorf("ws_endpoint = %q, want %q", sess.WSEndpoint, want)
		}
	}
}

func TestControlListSkipsFailedWorkers(t *testing.T) {
	alpha, beta := newStubWorker("alpha"), newStubWorker("beta")
	entries := startWorkers(t, alpha)

	broken := httptest.NewServer(beta.handler())
	entries = append(entries, config.WorkerEntry{Name: "beta", URL: broken.URL})
	srv := newTestControl(t, entries, nil)

	if rec := doRequest(t, srv.Handler(), http.MethodPost, "/sessions", `{"worker":"alpha"}`); rec.Code != http.StatusCreated {
		t.Fatalf("seed create status = %d", rec.Code)
	}
	broken.Close()

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	sessions := decodeJSON[[]api.ControlSession](t, rec)
	if len(sessions) != 1 || sessions[0].Worker != "alpha" {
		t.Errorf("sessions = %+v, want only alpha's", sessions)
	}
}

func TestControlPublicPrefix(t *testing.T) {
	alpha := newStubWorker("alpha")
	srv := newTestControl(t, startWorkers(t, alpha), func(cfg *config.Control) {
		cfg.PublicAPIPrefix = "/api"
	})

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/sessions", `{}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if got := decodeJSON[api.ControlSession](t, rec).WSEndpoint; got != "/api/sessions/alpha/sess-1/ws" {
		t.Errorf("ws_endpoint = %q, want /api/sessions/alpha/sess-1/ws", got)
	}
}

func TestControlHealthAggregate(t *testing.T) {
	t.Run("all healthy", func(t *testing.T) {
		alpha, beta := newStubWorker("alpha"), newStubWorker("beta")
		srv := newTestControl(t, startWorkers(t, alpha, beta), nil)

		rec := doRequest(t, srv.Handler(), http.MethodGet, "/health", "")
		health := decodeJSON[api.ControlHealth](t, rec)
		if health.Status != "ok" {
			t.Errorf("status = %q, want ok", health.Status)
		}
		if len(health.Workers) != 2 {
			t.Fatalf("len(workers) = %d, want 2", len(health.Workers))
		}
		for _, status := range health.Workers {
			if !status.Healthy {
				t.Errorf("worker %q unhealthy: %s", status.Name, status.Detail)
			}
		}
	})

	t.Run("one broken worker degrades", func(t *testing.T) {
		alpha, beta := newStubWorker("alpha"), newStubWorker("beta")
		beta.healthy = false
		srv := newTestControl(t, startWorkers(t, alpha, beta), nil)

		rec := doRequest(t, srv.Handler(), http.MethodGet, "/health", "")
		health := decodeJSON[api.ControlHealth](t, rec)
		if health.Status != "degraded" {
			t.Errorf("status = %q, want degraded", health.Status)
		}
	})

	t.Run("empty fleet is degraded", func(t *testing.T) {
		srv := newTestControl(t, nil, nil)
		rec := doRequest(t, srv.Handler(), http.MethodGet, "/health", "")
		health := decodeJSON[api.ControlHealth](t, rec)
		if health.Status != "degraded" {
			t.Errorf("status = %q, want degraded", health.Status)
		}
		if len(health.Workers) != 0 {
			t.Errorf("workers = %+v, want empty", health.Workers)
		}
	})
}

func TestControlWorkersEndpoint(t *testing.T) {
	alpha, beta := newStubWorker("alpha"), newStubWorker("beta")
	entries := startWorkers(t, alpha, beta)
	entries[1].SupportsVNC = true
	srv := newTestControl(t, entries, nil)

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/workers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	statuses := decodeJSON[[]api.WorkerStatus](t, rec)
	if len(statuses) != 2 {
		t.Fatalf("len(statuses) = %d, want 2", len(statuses))
	}
	if statuses[0].Name != "alpha" || statuses[1].Name != "beta" {
		t.Errorf("names = (%q, %q), want config order", statuses[0].Name, statuses[1].Name)
	}
	if statuses[0].SupportsVNC || !statuses[1].SupportsVNC {
		t.Errorf("supports_vnc = (%v, %v), want (false, true)", statuses[0].SupportsVNC, statuses[1].SupportsVNC)
	}
}

func TestControlSessionOperations(t *testing.T) {
	alpha := newStubWorker("alpha")
	srv := newTestControl(t, startWorkers(t, alpha), nil)
	h := srv.Handler()

	if rec := doRequest(t, h, http.MethodPost, "/sessions", `{}`); rec.Code != http.StatusCreated {
		t.Fatalf("seed create status = %d", rec.Code)
	}

	t.Run("get", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/sessions/alpha/sess-1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		sess := decodeJSON[api.ControlSession](t, rec)
		if sess.Worker != "alpha" || sess.ID != "sess-1" {
			t.Errorf("session = %+v, want alpha/sess-1", sess)
		}
	})

	t.Run("unknown worker", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/sessions/ghost/sess-1", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		if detail := decodeJSON[api.ErrorResponse](t, rec).Detail; detail != "Worker not found" {
			t.Errorf("detail = %q, want Worker not found", detail)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/sessions/alpha/ghost", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		if detail := decodeJSON[api.ErrorResponse](t, rec).Detail; detail != "Session not found" {
			t.Errorf("detail = %q, want Session not found", detail)
		}
	})

	t.Run("touch", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/sessions/alpha/sess-1/touch", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		sess := decodeJSON[api.ControlSession](t, rec)
		if !sess.LastSeenAt.After(sess.CreatedAt) {
			t.Errorf("touch did not refresh last_seen_at: %v", sess.LastSeenAt)
		}
	})

	t.Run("delete", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodDelete, "/sessions/alpha/sess-1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		res := decodeJSON[api.DeleteResponse](t, rec)
		if res.ID != "sess-1" || res.Status != api.StatusDead {
			t.Errorf("delete = %+v, want sess-1 DEAD", res)
		}
	})
}

func TestControlUpstreamErrorPassthrough(t *testing.T) {
	alpha := newStubWorker("alpha")
	alpha.failStatus = http.StatusBadRequest
	alpha.failDetail = "VNC is not supported by this worker"
	srv := newTestControl(t, startWorkers(t, alpha), nil)

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/sessions", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if detail := decodeJSON[api.ErrorResponse](t, rec).Detail; detail != "VNC is not supported by this worker" {
		t.Errorf("detail = %q, want worker detail preserved", detail)
	}
}

func TestControlSessionWebSocket(t *testing.T) {
	t.Run("bridges to the worker", func(t *testing.T) {
		alpha := newStubWorker("alpha")
		srv := newTestControl(t, startWorkers(t, alpha), nil)

		front := httptest.NewServer(srv.Handler())
		t.Cleanup(front.Close)

		if rec := doRequest(t, srv.Handler(), http.MethodPost, "/sessions", `{}`); rec.Code != http.StatusCreated {
			t.Fatalf("seed create status = %d", rec.Code)
		}

		wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/sessions/alpha/sess-1/ws"
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dialing control ws: %v", err)
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
			t.Fatalf("writing message: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading echo: %v", err)
		}
		if mt != websocket.BinaryMessage || len(payload) != 2 {
			t.Errorf("echo = (%d, %v), want binary frame back", mt, payload)
		}
	})

	t.Run("unknown worker rejected before upgrade", func(t *testing.T) {
		srv := newTestControl(t, nil, nil)
		front := httptest.NewServer(srv.Handler())
		t.Cleanup(front.Close)

		wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/sessions/ghost/sess-1/ws"
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err == nil {
			conn.Close()
			t.Fatal("dial succeeded, want handshake rejection")
		}
		if resp == nil || resp.StatusCode != http.StatusNotFound {
			t.Fatalf("handshake response = %+v, want 404", resp)
		}
		resp.Body.Close()
	})
}
