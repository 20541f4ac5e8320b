// Package api defines the wire types shared by the fleet services. The
// runner produces them, the worker re-projects them and the control
// plane aggregates them, so they live in one place to keep the JSON
// contract identical across tiers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// SessionStatus is the lifecycle state of a browser session.
type SessionStatus string

const (
	StatusInit        SessionStatus = "INIT"
	StatusReady       SessionStatus = "READY"
	StatusTerminating SessionStatus = "TERMINATING"
	StatusDead        SessionStatus = "DEAD"
)

// WaitMode selects the readiness condition the start-URL preload waits
// for. WaitNone disables the preload entirely.
type WaitMode string

const (
	WaitNone             WaitMode = "none"
	WaitDOMContentLoaded WaitMode = "domcontentloaded"
	WaitLoad             WaitMode = "load"
)

// Valid reports whether m is one of the accepted wait modes.
func (m WaitMode) Valid() bool {
	switch m {
	case WaitNone, WaitDOMContentLoaded, WaitLoad:
		return true
	}
	return false
}

// BrowserName is the engine every descriptor reports. Only one engine
// ships with the fleet; the request field exists for API compatibility.
const BrowserName = "camoufox"

const (
	MinIdleTTLSeconds = 30
	MaxIdleTTLSeconds = 3600
	MaxStartURLLength = 1024
)

var (
	ErrInvalidRequest = errors.New("api: invalid request")

	browserPattern = regexp.MustCompile(`^(chromium|firefox|webkit)$`)
)

// ProxyConfig is a per-session upstream proxy override passed straight
// to the browser launch configuration.
type ProxyConfig struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Bypass   string `json:"bypass,omitempty"`
}

// VNCInfo describes the remote-display endpoints of a session. WS and
// HTTP are nil when the session runs without a virtual display or when
// no public base is configured.
type VNCInfo struct {
	WS                *string `json:"ws"`
	HTTP              *string `json:"http"`
	PasswordProtected bool    `json:"password_protected"`
}

// CreateSessionRequest is the create payload accepted by every tier.
// The control plane consumes Worker and strips it before forwarding;
// the worker consumes Browser and VNC; the runner consumes the rest.
type CreateSessionRequest struct {
	Worker       string            `json:"worker,omitempty"`
	Browser      string            `json:"browser,omitempty"`
	Headless     *bool             `json:"headless,omitempty"`
	IdleTTL      *int              `json:"idle_ttl_seconds,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	StartURL     string            `json:"start_url,omitempty"`
	StartURLWait *WaitMode         `json:"start_url_wait,omitempty"`
	VNC          bool              `json:"vnc,omitempty"`
	Proxy        *ProxyConfig      `json:"proxy,omitempty"`
}

// Validate checks field constraints. It does not apply defaults; each
// tier fills those from its own configuration.
func (r *CreateSessionRequest) Validate() error {
	if r.Browser != "" && !browserPattern.MatchString(r.Browser) {
		return fmt.Errorf("%w: browser %q must match %s", ErrInvalidRequest, r.Browser, browserPattern)
	}
	if r.IdleTTL != nil && (*r.IdleTTL < MinIdleTTLSeconds || *r.IdleTTL > MaxIdleTTLSeconds) {
		return fmt.Errorf("%w: idle_ttl_seconds %d outside [%d,%d]", ErrInvalidRequest, *r.IdleTTL, MinIdleTTLSeconds, MaxIdleTTLSeconds)
	}
	if len(r.StartURL) > MaxStartURLLength {
		return fmt.Errorf("%w: start_url longer than %d characters", ErrInvalidRequest, MaxStartURLLength)
	}
	if r.StartURLWait != nil && !r.StartURLWait.Valid() {
		return fmt.Errorf("%w: start_url_wait %q must be one of none, domcontentloaded, load", ErrInvalidRequest, *r.StartURLWait)
	}
	if r.Proxy != nil && r.Proxy.Server == "" {
		return fmt.Errorf("%w: proxy.server must not be empty", ErrInvalidRequest)
	}
	return nil
}

// RunnerSession is the runner's full session representation.
type RunnerSession struct {
	ID           string            `json:"id"`
	Status       SessionStatus     `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	LastSeenAt   time.Time         `json:"last_seen_at"`
	Headless     bool              `json:"headless"`
	IdleTTL      int               `json:"idle_ttl_seconds"`
	Labels       map[string]string `json:"labels"`
	VNC          bool              `json:"vnc"`
	StartURLWait WaitMode          `json:"start_url_wait"`
	WSEndpoint   string            `json:"ws_endpoint"`
	VNCInfo      VNCInfo           `json:"vnc_info"`
}

// WorkerSession is the worker's re-projection of a runner session:
// ws_endpoint points at the worker, vnc_info becomes vnc, the engine
// name and the worker identity are stamped on.
type WorkerSession struct {
	ID           string            `json:"id"`
	Status       SessionStatus     `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	LastSeenAt   time.Time         `json:"last_seen_at"`
	Browser      string            `json:"browser"`
	Headless     bool              `json:"headless"`
	IdleTTL      int               `json:"idle_ttl_seconds"`
	Labels       map[string]string `json:"labels"`
	WorkerID     string            `json:"worker_id"`
	StartURLWait WaitMode          `json:"start_url_wait"`
	VNCEnabled   bool              `json:"vnc_enabled"`
	WSEndpoint   string            `json:"ws_endpoint"`
	VNC          VNCInfo           `json:"vnc"`
}

// ControlSession is a worker session annotated with the worker that
// hosts it, as served by the control plane.
type ControlSession struct {
	Worker string `json:"worker"`
	WorkerSession
}

// WorkerStatus is one worker's health as observed by the control plane.
// Detail carries the worker's health payload verbatim, or an error
// object when the worker could not be reached.
type WorkerStatus struct {
	Name        string          `json:"name"`
	Healthy     bool            `json:"healthy"`
	Detail      json.RawMessage `json:"detail"`
	SupportsVNC bool            `json:"supports_vnc"`
}

// ControlHealth is the control plane's aggregate health view.
type ControlHealth struct {
	Status  string         `json:"status"`
	Workers []WorkerStatus `json:"workers"`
}

// DeleteResponse is returned after a deletion has been carried out.
type DeleteResponse struct {
	ID     string        `json:"id"`
	Status SessionStatus `json:"status"`
}

// HealthResponse is the health payload served by runner and worker.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Checks   map[string]string `json:"checks"`
	WorkerID string            `json:"worker_id,omitempty"`
	VNC      *bool             `json:"supports_vnc,omitempty"`
}

// ErrorResponse is the error body used by all HTTP handlers.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
