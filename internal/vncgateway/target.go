package vncgateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// targetCookie carries the resolved port between viewer requests that
// lack the query parameter (asset loads triggered by the viewer page).
const targetCookie = "vnc-target-port"

var (
	errPortMissing = errors.New("target_port is required (query parameter, referer or cookie)")
	errPortNotInt  = errors.New("target_port must be an integer")
)

// portSource records where a resolved port came from. Only query
// resolution refreshes the sticky cookie.
type portSource int

const (
	fromQuery portSource = iota
	fromReferer
	fromCookie
)

// resolveTargetPort extracts the backend port for a request, in strict
// priority order: the target_port query parameter, then target_port in
// the Referer URL's query, then the vnc-target-port cookie.
func resolveTargetPort(r *http.Request, minPort, maxPort int) (int, portSource, error) {
	if raw := r.URL.Query().Get("target_port"); raw != "" {
		port, err := parseTargetPort(raw, minPort, maxPort)
		return port, fromQuery, err
	}
	if referer := r.Header.Get("Referer"); referer != "" {
		if ref, err := url.Parse(referer); err == nil {
			if raw := ref.Query().Get("target_port"); raw != "" {
				port, err := parseTargetPort(raw, minPort, maxPort)
				return port, fromReferer, err
			}
		}
	}
	if cookie, err := r.Cookie(targetCookie); err == nil && cookie.Value != "" {
		port, err := parseTargetPort(cookie.Value, minPort, maxPort)
		return port, fromCookie, err
	}
	return 0, fromQuery, errPortMissing
}

func parseTargetPort(raw string, minPort, maxPort int) (int, error) {
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errPortNotInt
	}
	if port < minPort || port > maxPort {
		return 0, fmt.Errorf("target_port %d outside of the allowed range [%d, %d]", port, minPort, maxPort)
	}
	return port, nil
}
