package vncgateway

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Close reasons surfaced to viewers. Kept short and machine readable so
// clients can present the disconnect cause.
const (
	reasonMissingID           = "missing_id"
	reasonInvalidPort         = "invalid_port"
	reasonUpstreamUnreachable = "upstream_unreachable"
	reasonUpstreamClosed      = "upstream_closed"
	reasonIdleTimeout         = "idle_timeout"
	reasonSessionLimit        = "session_limit"
	reasonShuttingDown        = "shutting_down"
)

// tcpReadBuffer is the chunk size for upstream reads; framebuffer
// updates arrive in bursts well above a single MTU.
const tcpReadBuffer = 32 << 10

// controlWriteTimeout bounds control-frame writes so a stuck peer
// cannot block teardown.
const controlWriteTimeout = 5 * time.Second

// handleWebsockify relays one viewer WebSocket to the RFB stream behind
// target_port. The TCP dial happens before the upgrade; handshake
// failures after a successful dial only cost an idle connection.
func (s *Server) handleWebsockify(w http.ResponseWriter, r *http.Request) {
	port, _, err := resolveTargetPort(r, s.cfg.MinPort, s.cfg.MaxPort)
	if err != nil {
		reason := reasonInvalidPort
		if errors.Is(err, errPortMissing) {
			reason = reasonMissingID
		}
		s.rejectWS(w, r, websocket.ClosePolicyViolation, reason)
		return
	}
	if s.draining.Load() {
		s.rejectWS(w, r, websocket.CloseTryAgainLater, reasonShuttingDown)
		return
	}
	if !s.acquireSlot() {
		s.rejectWS(w, r, websocket.CloseTryAgainLater, reasonSessionLimit)
		return
	}
	defer s.releaseSlot()

	dialer := net.Dialer{Timeout: s.cfg.TCPConnectTimeout, KeepAlive: 30 * time.Second}
	addr := net.JoinHostPort(s.cfg.RunnerHost, strconv.Itoa(port))
	upstream, err := dialer.DialContext(r.Context(), "tcp", addr)
	if err != nil {
		s.logger.Warn("vnc upstream dial failed", "addr", addr, "error", err)
		s.rejectWS(w, r, websocket.CloseInternalServerErr, reasonUpstreamUnreachable)
		return
	}

	responseHeader := http.Header{}
	if protocols := websocket.Subprotocols(r); len(protocols) > 0 {
		responseHeader.Set("Sec-WebSocket-Protocol", protocols[0])
	}
	client, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		upstream.Close()
		return
	}

	sess := &wsSession{
		logger:       s.logger.With("target_port", port),
		client:       client,
		upstream:     upstream,
		readTimeout:  s.cfg.WSReadTimeout,
		writeTimeout: s.cfg.WSWriteTimeout,
		idleTimeout:  s.cfg.TCPIdleTimeout,
		pingInterval: s.cfg.WSPingInterval,
		done:         make(chan struct{}),
	}
	if !s.trackSession(sess) {
		s.sessionsTotal.WithLabelValues(reasonShuttingDown).Inc()
		writeClose(client, websocket.CloseTryAgainLater, reasonShuttingDown)
		client.Close()
		upstream.Close()
		return
	}
	sess.run()
	s.untrackSession(sess)
	s.sessionsTotal.WithLabelValues(sess.outcome()).Inc()
}

// rejectWS completes the WebSocket handshake only to deliver a close
// frame; rejecting at the HTTP layer would leave viewers without a
// close code.
func (s *Server) rejectWS(w http.ResponseWriter, r *http.Request, code int, reason string) {
	s.sessionsTotal.WithLabelValues(reason).Inc()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	writeClose(conn, code, reason)
	conn.Close()
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(controlWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// wsSession couples one accepted viewer WebSocket with one upstream TCP
// connection and supervises the relays between them.
type wsSession struct {
	logger   *slog.Logger
	client   *websocket.Conn
	upstream net.Conn

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
	pingInterval time.Duration

	lastActivity atomic.Int64
	done         chan struct{}

	closeOnce   sync.Once
	closeReason string
}

// run blocks until the session terminates. Any goroutine may end the
// session through terminate; closing both connections unblocks the
// others.
func (sess *wsSession) run() {
	sess.touch()
	sess.extendReadDeadline()
	sess.client.SetPongHandler(func(string) error {
		sess.extendReadDeadline()
		return nil
	})
	sess.client.SetPingHandler(func(appData string) error {
		sess.extendReadDeadline()
		return sess.client.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWriteTimeout))
	})

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); sess.clientToUpstream() }()
	go func() { defer wg.Done(); sess.upstreamToClient() }()
	go func() { defer wg.Done(); sess.ping() }()
	go func() { defer wg.Done(); sess.watchdog() }()
	wg.Wait()
}

// terminate ends the session exactly once. A positive code sends a
// close frame to the viewer first; zero tears down quietly (viewer
// already gone or closed normally).
func (sess *wsSession) terminate(code int, reason string) {
	sess.closeOnce.Do(func() {
		sess.closeReason = reason
		if code > 0 {
			writeClose(sess.client, code, reason)
		}
		close(sess.done)
		sess.client.Close()
		sess.upstream.Close()
	})
}

// outcome reports why the session ended, for metrics.
func (sess *wsSession) outcome() string {
	if sess.closeReason == "" {
		return "closed"
	}
	return sess.closeReason
}

func (sess *wsSession) touch() {
	sess.lastActivity.Store(time.Now().UnixNano())
}

func (sess *wsSession) extendReadDeadline() {
	_ = sess.client.SetReadDeadline(time.Now().Add(sess.readTimeout))
}

// clientToUpstream copies viewer frames onto the TCP stream. Text
// frames are forwarded as bytes; control frames are handled by the
// connection handlers.
func (sess *wsSession) clientToUpstream() {
	for {
		_, data, err := sess.client.ReadMessage()
		if err != nil {
			sess.terminate(0, "")
			return
		}
		sess.touch()
		sess.extendReadDeadline()
		_ = sess.upstream.SetWriteDeadline(time.Now().Add(sess.writeTimeout))
		if _, err := sess.upstream.Write(data); err != nil {
			sess.terminate(websocket.CloseInternalServerErr, reasonUpstreamClosed)
			return
		}
	}
}

// upstreamToClient copies TCP reads to the viewer as binary frames. A
// read deadline bounds each blocking read; expiry re-arms the read so
// the idle watchdog owns the liveness decision.
func (sess *wsSession) upstreamToClient() {
	buf := make([]byte, tcpReadBuffer)
	for {
		_ = sess.upstream.SetReadDeadline(time.Now().Add(sess.readTimeout))
		n, err := sess.upstream.Read(buf)
		if n > 0 {
			sess.touch()
			_ = sess.client.SetWriteDeadline(time.Now().Add(sess.writeTimeout))
			if werr := sess.client.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				sess.terminate(0, "")
				return
			}
		}
		switch {
		case err == nil:
		case isTimeout(err):
			select {
			case <-sess.done:
				return
			default:
			}
		case errors.Is(err, io.EOF):
			sess.terminate(websocket.CloseInternalServerErr, reasonUpstreamClosed)
			return
		case errors.Is(err, net.ErrClosed):
			sess.terminate(0, "")
			return
		default:
			sess.logger.Warn("vnc upstream read failed", "error", err)
			sess.terminate(websocket.CloseInternalServerErr, reasonUpstreamClosed)
			return
		}
	}
}

// ping keeps intermediaries from dropping the viewer connection; the
// viewer's pongs extend the read deadline.
func (sess *wsSession) ping() {
	ticker := time.NewTicker(sess.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if err := sess.client.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteTimeout)); err != nil {
				sess.terminate(0, "")
				return
			}
		}
	}
}

// watchdog closes the session when no payload moved in either direction
// for idleTimeout. Pings and pongs do not count as activity.
func (sess *wsSession) watchdog() {
	interval := sess.idleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, sess.lastActivity.Load()))
			if idle >= sess.idleTimeout {
				sess.terminate(websocket.CloseInternalServerErr, reasonIdleTimeout)
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
