package config

import (
	"context"
	"strings"
	"time"
)

// Gateway holds the VNC gateway settings (prefix VNCGATEWAY_).
type Gateway struct {
	Host        string   `env:"HOST,default=0.0.0.0"`
	Port        int      `env:"PORT,default=6080"`
	CORSOrigins []string `env:"CORS_ORIGINS,default=*"`

	// RunnerHost is the node the websockify listeners run on; the
	// session's target port selects the listener.
	RunnerHost       string `env:"RUNNER_HOST,default=runner-vnc"`
	RunnerHTTPScheme string `env:"RUNNER_HTTP_SCHEME,default=http"`
	RunnerPathPrefix string `env:"RUNNER_PATH_PREFIX"`

	MinPort int `env:"MIN_PORT,default=6900"`
	MaxPort int `env:"MAX_PORT,default=6999"`

	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT,default=10s"`
	WSReadTimeout     time.Duration `env:"WS_READ_TIMEOUT,default=120s"`
	WSWriteTimeout    time.Duration `env:"WS_WRITE_TIMEOUT,default=120s"`
	TCPConnectTimeout time.Duration `env:"TCP_CONNECT_TIMEOUT,default=5s"`
	TCPIdleTimeout    time.Duration `env:"TCP_IDLE_TIMEOUT,default=300s"`
	WSPingInterval    time.Duration `env:"WS_PING_INTERVAL,default=25s"`

	MaxConcurrentSessions int           `env:"MAX_CONCURRENT_SESSIONS,default=1000"`
	ShutdownGrace         time.Duration `env:"SHUTDOWN_GRACE,default=30s"`
}

// DefaultGateway returns the settings used when no environment
// overrides are present.
func DefaultGateway() Gateway {
	return Gateway{
		Host:                  "0.0.0.0",
		Port:                  6080,
		CORSOrigins:           []string{"*"},
		RunnerHost:            "runner-vnc",
		RunnerHTTPScheme:      "http",
		MinPort:               6900,
		MaxPort:               6999,
		RequestTimeout:        10 * time.Second,
		WSReadTimeout:         120 * time.Second,
		WSWriteTimeout:        120 * time.Second,
		TCPConnectTimeout:     5 * time.Second,
		TCPIdleTimeout:        300 * time.Second,
		WSPingInterval:        25 * time.Second,
		MaxConcurrentSessions: 1000,
		ShutdownGrace:         30 * time.Second,
	}
}

// LoadGateway reads VNCGATEWAY_* variables and validates the result.
func LoadGateway(ctx context.Context) (*Gateway, error) {
	var cfg Gateway
	if err := processWithPrefix(ctx, "VNCGATEWAY_", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first fatal problem with the settings.
func (c *Gateway) Validate() error {
	if err := validatePort("port", c.Port); err != nil {
		return err
	}
	if c.RunnerHost == "" {
		return invalidf("runner_host must not be empty")
	}
	if c.RunnerHTTPScheme != "http" && c.RunnerHTTPScheme != "https" {
		return invalidf("runner_http_scheme %q must be http or https", c.RunnerHTTPScheme)
	}
	if err := validateRange("port", c.MinPort, c.MaxPort, 1, 65535); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"request_timeout":     c.RequestTimeout,
		"ws_read_timeout":     c.WSReadTimeout,
		"ws_write_timeout":    c.WSWriteTimeout,
		"tcp_connect_timeout": c.TCPConnectTimeout,
		"tcp_idle_timeout":    c.TCPIdleTimeout,
		"ws_ping_interval":    c.WSPingInterval,
	} {
		if d <= 0 {
			return invalidf("%s %s must be positive", name, d)
		}
	}
	if c.MaxConcurrentSessions < 1 {
		return invalidf("max_concurrent_sessions %d must be at least 1", c.MaxConcurrentSessions)
	}
	if c.ShutdownGrace < 0 {
		return invalidf("shutdown_grace %s must not be negative", c.ShutdownGrace)
	}
	return nil
}

// Warnings returns non-fatal findings worth logging at startup.
func (c *Gateway) Warnings() []string {
	var warnings []string
	if c.WSPingInterval >= c.TCPIdleTimeout {
		warnings = append(warnings, "ws_ping_interval is not shorter than tcp_idle_timeout; idle connections may outlive the watchdog")
	}
	return warnings
}

// PathPrefix returns the runner path prefix with a leading slash and no
// trailing slash, or "" when unset.
func (c *Gateway) PathPrefix() string {
	value := strings.Trim(strings.TrimSpace(c.RunnerPathPrefix), "/")
	if value == "" {
		return ""
	}
	return "/" + value
}

// Addr returns the listen address.
func (c *Gateway) Addr() string { return joinHostPort(c.Host, c.Port) }
