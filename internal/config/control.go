package config

import (
	"context"
	"strings"
	"time"
)

// Control holds the control-plane settings (prefix CONTROL_).
type Control struct {
	Host            string   `env:"HOST,default=0.0.0.0"`
	Port            int      `env:"PORT,default=9000"`
	MetricsEndpoint string   `env:"METRICS_ENDPOINT,default=/metrics"`
	CORSOrigins     []string `env:"CORS_ORIGINS,default=*"`

	// Workers is a JSON array of worker entries. The default points at
	// the docker-compose worker so a plain `docker compose up` works.
	Workers WorkerList `env:"WORKERS"`

	RequestTimeout          time.Duration `env:"REQUEST_TIMEOUT,default=10s"`
	PublicAPIPrefix         string        `env:"PUBLIC_API_PREFIX,default=/"`
	ListSessionsConcurrency int           `env:"LIST_SESSIONS_CONCURRENCY,default=8"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// DefaultControl returns the settings used when no environment
// overrides are present.
func DefaultControl() Control {
	return Control{
		Host:            "0.0.0.0",
		Port:            9000,
		MetricsEndpoint: "/metrics",
		CORSOrigins:     []string{"*"},
		Workers: WorkerList{
			{Name: "local", URL: "http://worker:8080"},
		},
		RequestTimeout:          10 * time.Second,
		PublicAPIPrefix:         "/",
		ListSessionsConcurrency: 8,
		ShutdownTimeout:         10 * time.Second,
	}
}

// LoadControl reads CONTROL_* variables and validates the result.
func LoadControl(ctx context.Context) (*Control, error) {
	var cfg Control
	if err := processWithPrefix(ctx, "CONTROL_", &cfg); err != nil {
		return nil, err
	}
	if cfg.Workers == nil {
		cfg.Workers = DefaultControl().Workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first fatal problem with the settings.
func (c *Control) Validate() error {
	if err := validatePort("port", c.Port); err != nil {
		return err
	}
	if err := c.Workers.validate(); err != nil {
		return err
	}
	if c.RequestTimeout <= 0 {
		return invalidf("request_timeout %s must be positive", c.RequestTimeout)
	}
	if c.ListSessionsConcurrency < 1 {
		return invalidf("list_sessions_concurrency %d must be at least 1", c.ListSessionsConcurrency)
	}
	return nil
}

// Warnings returns non-fatal findings worth logging at startup.
func (c *Control) Warnings() []string {
	var warnings []string
	if len(c.Workers) == 0 {
		warnings = append(warnings, "no workers configured; session creation will return 503")
	}
	for _, w := range c.Workers {
		if w.SupportsVNC && w.VNCWS == "" && w.VNCHTTP == "" {
			warnings = append(warnings, "worker "+w.Name+" supports VNC but has no public endpoint overrides")
		}
	}
	return warnings
}

// PublicPrefix returns the normalised public API prefix: no trailing
// slash, a leading one, and "" for the root prefix.
func (c *Control) PublicPrefix() string {
	value := strings.TrimSpace(c.PublicAPIPrefix)
	if value == "" || value == "/" {
		return ""
	}
	if !strings.HasPrefix(value, "/") {
		value = "/" + value
	}
	return strings.TrimRight(value, "/")
}

// Addr returns the listen address.
func (c *Control) Addr() string { return joinHostPort(c.Host, c.Port) }
