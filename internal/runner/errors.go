package runner

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the session manager. Handlers translate
// these into HTTP statuses (404, 409, 503).
var (
	// ErrNotFound is returned when a session id has no live entry.
	ErrNotFound = errors.New("runner: session not found")

	// ErrNoCapacity is returned when the VNC resource pool is exhausted.
	ErrNoCapacity = errors.New("runner: no available VNC slots")

	// ErrVNCUnavailable is returned when a VNC session is requested but the
	// display tooling (Xvfb, x11vnc, websockify) is not installed.
	ErrVNCUnavailable = errors.New("runner: VNC is not supported on this runner")
)

// BrowserLaunchError describes a browser server that failed to produce a
// WebSocket endpoint. Code is the process exit code (-1 when the process
// was killed before exiting on its own) and Stderr holds its collected
// error output. The message doubles as the HTTP error detail.
type BrowserLaunchError struct {
	Code   int
	Stderr string
}

func (e *BrowserLaunchError) Error() string {
	msg := e.Stderr
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Sprintf("failed to launch camoufox server (code %d): %s", e.Code, msg)
}
