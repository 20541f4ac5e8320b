// Package config loads and validates per-service settings from the
// environment. Each service reads its own prefix (RUNNER_, WORKER_,
// CONTROL_, VNCGATEWAY_) so several services can share one process
// environment, e.g. under docker compose.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// ErrInvalid marks a fatal configuration problem. Services exit
// non-zero when Load* returns an error wrapping it.
var ErrInvalid = errors.New("config: invalid value")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func processWithPrefix(ctx context.Context, prefix string, target any) error {
	lookuper := envconfig.PrefixLookuper(prefix, envconfig.OsLookuper())
	if err := envconfig.ProcessWith(ctx, target, lookuper); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	return nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return invalidf("%s %d outside [1,65535]", name, port)
	}
	return nil
}

// validateRange checks an inclusive resource range against its bounds.
func validateRange(name string, min, max, low, high int) error {
	if min < low || min > high {
		return invalidf("%s_min %d outside [%d,%d]", name, min, low, high)
	}
	if max < low || max > high {
		return invalidf("%s_max %d outside [%d,%d]", name, max, low, high)
	}
	if min > max {
		return invalidf("%s_min %d greater than %s_max %d", name, min, name, max)
	}
	return nil
}

func validateBaseURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return invalidf("%s %q: %v", name, raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return invalidf("%s %q must include scheme and host", name, raw)
	}
	return nil
}

// WorkerEntry describes one worker node the control plane dispatches
// to. VNCWS and VNCHTTP are optional public endpoint templates; when
// empty the runner-provided endpoints pass through unchanged.
type WorkerEntry struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	VNCWS       string `json:"vnc_ws,omitempty"`
	VNCHTTP     string `json:"vnc_http,omitempty"`
	SupportsVNC bool   `json:"supports_vnc,omitempty"`
}

// WorkerList decodes a JSON array from a single environment variable.
type WorkerList []WorkerEntry

// EnvDecode implements envconfig.Decoder.
func (w *WorkerList) EnvDecode(val string) error {
	val = strings.TrimSpace(val)
	if val == "" {
		*w = nil
		return nil
	}
	var entries []WorkerEntry
	if err := json.Unmarshal([]byte(val), &entries); err != nil {
		return fmt.Errorf("workers must be a JSON array: %w", err)
	}
	*w = entries
	return nil
}

func (w WorkerList) validate() error {
	seen := make(map[string]bool, len(w))
	for i, entry := range w {
		if entry.Name == "" {
			return invalidf("workers[%d].name must not be empty", i)
		}
		if seen[entry.Name] {
			return invalidf("workers[%d].name %q duplicated", i, entry.Name)
		}
		seen[entry.Name] = true
		if err := validateBaseURL(fmt.Sprintf("workers[%d].url", i), entry.URL); err != nil {
			return err
		}
	}
	return nil
}
