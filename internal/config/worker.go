package config

import (
	"context"
	"time"

	"github.com/camofleet/camofleet/internal/api"
)

// Worker holds the worker service settings (prefix WORKER_).
type Worker struct {
	Host            string   `env:"HOST,default=0.0.0.0"`
	Port            int      `env:"PORT,default=8080"`
	MetricsEndpoint string   `env:"METRICS_ENDPOINT,default=/metrics"`
	CORSOrigins     []string `env:"CORS_ORIGINS,default=*"`

	SessionIdleTTL  int  `env:"SESSION_IDLE_TTL,default=300"`
	SessionHeadless bool `env:"SESSION_HEADLESS,default=false"`
	CleanupInterval int  `env:"CLEANUP_INTERVAL,default=15"`

	RunnerBaseURL  string        `env:"RUNNER_BASE_URL,default=http://127.0.0.1:8070"`
	SupportsVNC    bool          `env:"SUPPORTS_VNC,default=false"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT,default=30s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// DefaultWorker returns the settings used when no environment overrides
// are present.
func DefaultWorker() Worker {
	return Worker{
		Host:            "0.0.0.0",
		Port:            8080,
		MetricsEndpoint: "/metrics",
		CORSOrigins:     []string{"*"},
		SessionIdleTTL:  300,
		CleanupInterval: 15,
		RunnerBaseURL:   "http://127.0.0.1:8070",
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadWorker reads WORKER_* variables and validates the result.
func LoadWorker(ctx context.Context) (*Worker, error) {
	var cfg Worker
	if err := processWithPrefix(ctx, "WORKER_", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first fatal problem with the settings.
func (c *Worker) Validate() error {
	if err := validatePort("port", c.Port); err != nil {
		return err
	}
	if c.SessionIdleTTL < api.MinIdleTTLSeconds || c.SessionIdleTTL > api.MaxIdleTTLSeconds {
		return invalidf("session_idle_ttl %d outside [%d,%d]", c.SessionIdleTTL, api.MinIdleTTLSeconds, api.MaxIdleTTLSeconds)
	}
	if c.CleanupInterval <= 0 || c.CleanupInterval > 3600 {
		return invalidf("cleanup_interval %d outside (0,3600]", c.CleanupInterval)
	}
	if err := validateBaseURL("runner_base_url", c.RunnerBaseURL); err != nil {
		return err
	}
	if c.RequestTimeout <= 0 {
		return invalidf("request_timeout %s must be positive", c.RequestTimeout)
	}
	return nil
}

// Warnings returns non-fatal findings worth logging at startup.
func (c *Worker) Warnings() []string {
	var warnings []string
	if !c.SupportsVNC {
		warnings = append(warnings, "supports_vnc=false; create requests with vnc=true will be rejected")
	}
	return warnings
}

// Addr returns the listen address.
func (c *Worker) Addr() string { return joinHostPort(c.Host, c.Port) }
