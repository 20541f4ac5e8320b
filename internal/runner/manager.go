package runner

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/camofleet/camofleet/internal/api"
	"github.com/camofleet/camofleet/internal/config"
)

// preloadTimeout bounds one whole start-URL preload: dial, handshake,
// context, page and navigation.
const preloadTimeout = 60 * time.Second

// controllerConn is the slice of the automation protocol the preload
// needs; tests substitute fakes.
type controllerConn interface {
	preload(ctx context.Context, url, waitUntil string) error
	close()
}

// session is the in-memory record of one live browser session.
type session struct {
	id           string
	headless     bool
	idleTTL      int
	createdAt    time.Time
	lastSeenAt   time.Time
	labels       map[string]string
	vnc          bool
	startURL     string
	startURLWait api.WaitMode
	status       api.SessionStatus

	server *browserServer
	vncSes *vncSession

	// ctrlMu guards the controller handle, which the preload goroutine
	// attaches while teardown may be racing it.
	ctrlMu     sync.Mutex
	controller controllerConn
	closed     bool
}

// Manager owns every live session plus the resource pool, prewarm pool
// and idle reaper behind them.
type Manager struct {
	cfg     *config.Runner
	logger  *slog.Logger
	pool    *ResourcePool
	browser browserStarter
	display displayStarter
	prewarm *prewarmPool
	connect func(ctx context.Context, endpoint string) (controllerConn, error)

	vncAvailable bool

	mu       sync.Mutex
	sessions map[string]*session

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	preloadCtx    context.Context
	preloadCancel context.CancelFunc
	preloadWG     sync.WaitGroup
}

// NewManager wires a manager from the runner settings.
func NewManager(cfg *config.Runner, logger *slog.Logger) *Manager {
	pool := NewResourcePool(
		cfg.VNCDisplayMin, cfg.VNCDisplayMax,
		cfg.VNCPortMin, cfg.VNCPortMax,
		cfg.VNCWSPortMin, cfg.VNCWSPortMax,
	)
	launcher := newBrowserLauncher(cfg, logger)
	supervisor := newVNCSupervisor(cfg, pool, logger)
	return newManager(cfg, logger, pool, launcher, supervisor, toolsAvailable())
}

func newManager(cfg *config.Runner, logger *slog.Logger, pool *ResourcePool, browser browserStarter, display displayStarter, vncAvailable bool) *Manager {
	log := logger.With("component", "session_manager")
	vncTarget := cfg.PrewarmVNC
	if !vncAvailable {
		if vncTarget > 0 {
			log.Info("VNC tooling not available; disabling VNC prewarm")
		}
		vncTarget = 0
	}
	preloadCtx, preloadCancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		logger:  log,
		pool:    pool,
		browser: browser,
		display: display,
		prewarm: newPrewarmPool(logger, browser, display, cfg.PrewarmHeadless, vncTarget, cfg.PrewarmCheckInterval),
		connect: func(ctx context.Context, endpoint string) (controllerConn, error) {
			return connectAutomation(ctx, endpoint)
		},
		vncAvailable:  vncAvailable,
		sessions:      make(map[string]*session),
		done:          make(chan struct{}),
		preloadCtx:    preloadCtx,
		preloadCancel: preloadCancel,
	}
}

// Start launches the background maintenance loops.
func (m *Manager) Start() {
	m.startReaper()
	m.prewarm.start()
}

// Close stops background work, cancels pending preloads and tears down
// every warm entry and live session.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.preloadCancel()
	})
	m.wg.Wait()
	m.preloadWG.Wait()
	m.prewarm.close()

	m.mu.Lock()
	handles := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		handles = append(handles, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()
	for _, s := range handles {
		m.shutdownSession(s)
	}
}

// DriverAvailable reports whether the automation driver is usable.
func (m *Manager) DriverAvailable() bool { return m.browser.available() }

// VNCAvailable reports whether interactive sessions can be created.
func (m *Manager) VNCAvailable() bool { return m.vncAvailable }

// Create builds a new session, preferring prewarmed resources when the
// request carries no proxy override.
func (m *Manager) Create(ctx context.Context, req api.CreateSessionRequest) (api.RunnerSession, error) {
	headless := m.cfg.SessionHeadless
	if req.Headless != nil {
		headless = *req.Headless
	}
	if req.VNC {
		// An interactive session needs a visible browser on a display.
		headless = false
		if !m.vncAvailable {
			return api.RunnerSession{}, ErrVNCUnavailable
		}
	}

	var warm *prewarmed
	if req.Proxy == nil {
		warm = m.prewarm.acquire(req.VNC, headless)
	}

	idleTTL := m.cfg.SessionIdleTTL
	if req.IdleTTL != nil {
		idleTTL = *req.IdleTTL
	}
	labels := req.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	startURL := req.StartURL
	if startURL == "" {
		startURL = m.cfg.SessionStartURL
	}
	wait := api.WaitMode(m.cfg.StartURLWait)
	if req.StartURLWait != nil {
		wait = *req.StartURLWait
	}

	var server *browserServer
	var vncSes *vncSession
	if warm != nil {
		server, vncSes = warm.server, warm.vnc
	} else {
		var err error
		if req.VNC {
			vncSes, err = m.display.start(ctx)
			if err != nil {
				return api.RunnerSession{}, err
			}
		}
		displayName := ""
		if vncSes != nil {
			displayName = vncSes.display
		}
		server, err = m.browser.launch(ctx, headless, displayName, req.Proxy)
		if err != nil {
			m.display.stop(vncSes)
			return api.RunnerSession{}, err
		}
	}

	now := time.Now().UTC()
	s := &session{
		id:           uuid.NewString(),
		headless:     headless,
		idleTTL:      idleTTL,
		createdAt:    now,
		lastSeenAt:   now,
		labels:       labels,
		vnc:          req.VNC,
		startURL:     startURL,
		startURLWait: wait,
		status:       api.StatusReady,
		server:       server,
		vncSes:       vncSes,
	}
	m.scheduleBootstrap(s)
	m.mu.Lock()
	m.sessions[s.id] = s
	desc := m.describe(s)
	m.mu.Unlock()
	m.prewarm.scheduleTopUp()
	return desc, nil
}

// Get returns the descriptor for a live session.
func (m *Manager) Get(id string) (api.RunnerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return api.RunnerSession{}, ErrNotFound
	}
	return m.describe(s), nil
}

// Touch refreshes a session's idle deadline.
func (m *Manager) Touch(id string) (api.RunnerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return api.RunnerSession{}, ErrNotFound
	}
	s.lastSeenAt = time.Now().UTC()
	return m.describe(s), nil
}

// Delete removes a session and shuts its processes down.
func (m *Manager) Delete(id string) (api.DeleteResponse, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return api.DeleteResponse{}, ErrNotFound
	}
	s.status = api.StatusTerminating
	m.shutdownSession(s)
	return api.DeleteResponse{ID: s.id, Status: s.status}, nil
}

// List returns descriptors for every live session in creation order.
func (m *Manager) List() []api.RunnerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]api.RunnerSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.describe(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// describe must be called with m.mu held.
func (m *Manager) describe(s *session) api.RunnerSession {
	return api.RunnerSession{
		ID:           s.id,
		Status:       s.status,
		CreatedAt:    s.createdAt,
		LastSeenAt:   s.lastSeenAt,
		Headless:     s.headless,
		IdleTTL:      s.idleTTL,
		Labels:       s.labels,
		VNC:          s.vnc,
		StartURLWait: s.startURLWait,
		WSEndpoint:   s.server.wsEndpoint,
		VNCInfo:      s.vncInfo(),
	}
}

func (s *session) vncInfo() api.VNCInfo {
	info := api.VNCInfo{}
	if !s.vnc || s.vncSes == nil {
		return info
	}
	if s.vncSes.wsURL != "" {
		ws := s.vncSes.wsURL
		info.WS = &ws
	}
	if s.vncSes.httpURL != "" {
		http := s.vncSes.httpURL
		info.HTTP = &http
	}
	return info
}

// shutdownSession releases everything a session owns: controller,
// browser server, then display chain and slot.
func (m *Manager) shutdownSession(s *session) {
	s.ctrlMu.Lock()
	ctrl := s.controller
	s.controller = nil
	s.closed = true
	s.ctrlMu.Unlock()
	if ctrl != nil {
		ctrl.close()
	}

	s.server.close(m.logger)
	m.display.stop(s.vncSes)
	s.vncSes = nil
	s.status = api.StatusDead
}

// scheduleBootstrap fires the start-URL preload without awaiting it.
func (m *Manager) scheduleBootstrap(s *session) {
	if s.startURL == "" || s.startURLWait == api.WaitNone {
		return
	}
	m.preloadWG.Add(1)
	go func() {
		defer m.preloadWG.Done()
		m.bootstrapSession(m.preloadCtx, s)
	}()
}

// bootstrapSession warms a session by opening its start URL. Failures
// are logged and leave the session state untouched.
func (m *Manager) bootstrapSession(ctx context.Context, s *session) {
	ctx, cancel := context.WithTimeout(ctx, preloadTimeout)
	defer cancel()
	ctrl, err := m.connect(ctx, s.server.wsEndpoint)
	if err != nil {
		m.logger.Warn("failed to open start URL", "session_id", s.id, "url", s.startURL, "error", err)
		return
	}
	if err := ctrl.preload(ctx, navigableStartURL(s.startURL), string(s.startURLWait)); err != nil {
		m.logger.Warn("failed to open start URL", "session_id", s.id, "url", s.startURL, "error", err)
		ctrl.close()
		return
	}
	s.ctrlMu.Lock()
	if s.closed {
		s.ctrlMu.Unlock()
		ctrl.close()
		return
	}
	s.controller = ctrl
	s.ctrlMu.Unlock()
}
