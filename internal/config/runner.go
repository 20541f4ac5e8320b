package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/camofleet/camofleet/internal/api"
)

// Runner holds the runner service settings (prefix RUNNER_).
type Runner struct {
	Host            string   `env:"HOST,default=0.0.0.0"`
	Port            int      `env:"PORT,default=8070"`
	MetricsEndpoint string   `env:"METRICS_ENDPOINT,default=/metrics"`
	CORSOrigins     []string `env:"CORS_ORIGINS,default=*"`

	// CleanupInterval is the idle-reaper tick, in seconds.
	CleanupInterval int `env:"CLEANUP_INTERVAL,default=15"`

	SessionIdleTTL  int    `env:"SESSION_IDLE_TTL,default=300"`
	SessionHeadless bool   `env:"SESSION_HEADLESS,default=false"`
	SessionStartURL string `env:"SESSION_START_URL"`
	StartURLWait    string `env:"START_URL_WAIT,default=load"`

	// Public VNC endpoint bases. Empty bases leave the session's
	// vnc_info endpoints null.
	VNCWSBase   string `env:"VNC_WS_BASE"`
	VNCHTTPBase string `env:"VNC_HTTP_BASE"`

	VNCDisplayMin     int           `env:"VNC_DISPLAY_MIN,default=100"`
	VNCDisplayMax     int           `env:"VNC_DISPLAY_MAX,default=199"`
	VNCPortMin        int           `env:"VNC_PORT_MIN,default=5900"`
	VNCPortMax        int           `env:"VNC_PORT_MAX,default=5999"`
	VNCWSPortMin      int           `env:"VNC_WS_PORT_MIN,default=6900"`
	VNCWSPortMax      int           `env:"VNC_WS_PORT_MAX,default=6999"`
	VNCResolution     string        `env:"VNC_RESOLUTION,default=1920x1080x24"`
	VNCWebAssetsPath  string        `env:"VNC_WEB_ASSETS_PATH,default=/usr/share/novnc"`
	VNCStartupTimeout time.Duration `env:"VNC_STARTUP_TIMEOUT,default=5s"`

	DisableIPv6   bool `env:"DISABLE_IPV6,default=true"`
	DisableHTTP3  bool `env:"DISABLE_HTTP3,default=true"`
	DisableWebRTC bool `env:"DISABLE_WEBRTC,default=true"`

	NetworkDiagnostics []string      `env:"NETWORK_DIAGNOSTICS,default=https://bot.sannysoft.com"`
	DiagnosticsTimeout time.Duration `env:"DIAGNOSTICS_TIMEOUT,default=8s"`

	PrewarmHeadless      int           `env:"PREWARM_HEADLESS,default=1"`
	PrewarmVNC           int           `env:"PREWARM_VNC,default=1"`
	PrewarmCheckInterval time.Duration `env:"PREWARM_CHECK_INTERVAL,default=2s"`

	// DriverNode and DriverCLI locate the automation driver that
	// launches the browser: `<node> <cli> launch-server ...`.
	DriverNode        string `env:"DRIVER_NODE,default=node"`
	DriverCLI         string `env:"DRIVER_CLI"`
	BrowserExecutable string `env:"BROWSER_EXECUTABLE"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// DefaultRunner returns the settings used when no environment overrides
// are present.
func DefaultRunner() Runner {
	return Runner{
		Host:                 "0.0.0.0",
		Port:                 8070,
		MetricsEndpoint:      "/metrics",
		CORSOrigins:          []string{"*"},
		CleanupInterval:      15,
		SessionIdleTTL:       300,
		StartURLWait:         "load",
		VNCDisplayMin:        100,
		VNCDisplayMax:        199,
		VNCPortMin:           5900,
		VNCPortMax:           5999,
		VNCWSPortMin:         6900,
		VNCWSPortMax:         6999,
		VNCResolution:        "1920x1080x24",
		VNCWebAssetsPath:     "/usr/share/novnc",
		VNCStartupTimeout:    5 * time.Second,
		DisableIPv6:          true,
		DisableHTTP3:         true,
		DisableWebRTC:        true,
		NetworkDiagnostics:   []string{"https://bot.sannysoft.com"},
		DiagnosticsTimeout:   8 * time.Second,
		PrewarmHeadless:      1,
		PrewarmVNC:           1,
		PrewarmCheckInterval: 2 * time.Second,
		DriverNode:           "node",
		ShutdownTimeout:      10 * time.Second,
	}
}

// LoadRunner reads RUNNER_* variables and validates the result.
func LoadRunner(ctx context.Context) (*Runner, error) {
	var cfg Runner
	if err := processWithPrefix(ctx, "RUNNER_", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first fatal problem with the settings.
func (c *Runner) Validate() error {
	if err := validatePort("port", c.Port); err != nil {
		return err
	}
	if c.CleanupInterval <= 0 || c.CleanupInterval > 3600 {
		return invalidf("cleanup_interval %d outside (0,3600]", c.CleanupInterval)
	}
	if c.SessionIdleTTL < api.MinIdleTTLSeconds || c.SessionIdleTTL > api.MaxIdleTTLSeconds {
		return invalidf("session_idle_ttl %d outside [%d,%d]", c.SessionIdleTTL, api.MinIdleTTLSeconds, api.MaxIdleTTLSeconds)
	}
	if !api.WaitMode(c.StartURLWait).Valid() {
		return invalidf("start_url_wait %q must be one of none, domcontentloaded, load", c.StartURLWait)
	}
	if err := validateRange("vnc_display", c.VNCDisplayMin, c.VNCDisplayMax, 1, 1024); err != nil {
		return err
	}
	if err := validateRange("vnc_port", c.VNCPortMin, c.VNCPortMax, 1024, 65535); err != nil {
		return err
	}
	if err := validateRange("vnc_ws_port", c.VNCWSPortMin, c.VNCWSPortMax, 1024, 65535); err != nil {
		return err
	}
	if c.VNCCapacity() < 1 {
		return invalidf("vnc resource ranges must contain at least one value")
	}
	if _, _, _, err := ParseResolution(c.VNCResolution); err != nil {
		return err
	}
	if c.VNCStartupTimeout <= 0 || c.VNCStartupTimeout > 30*time.Second {
		return invalidf("vnc_startup_timeout %s outside (0,30s]", c.VNCStartupTimeout)
	}
	if c.DiagnosticsTimeout <= 0 || c.DiagnosticsTimeout > 60*time.Second {
		return invalidf("diagnostics_timeout %s outside (0,60s]", c.DiagnosticsTimeout)
	}
	if c.PrewarmHeadless < 0 || c.PrewarmHeadless > 64 {
		return invalidf("prewarm_headless %d outside [0,64]", c.PrewarmHeadless)
	}
	if c.PrewarmVNC < 0 || c.PrewarmVNC > 64 {
		return invalidf("prewarm_vnc %d outside [0,64]", c.PrewarmVNC)
	}
	if c.PrewarmCheckInterval <= 100*time.Millisecond || c.PrewarmCheckInterval > time.Minute {
		return invalidf("prewarm_check_interval %s outside (100ms,60s]", c.PrewarmCheckInterval)
	}
	return nil
}

// Warnings returns non-fatal findings worth logging at startup.
func (c *Runner) Warnings() []string {
	var warnings []string
	if c.VNCWSBase == "" && c.VNCHTTPBase == "" {
		warnings = append(warnings, "no VNC public bases configured; vnc_info endpoints will be null")
	}
	if c.SessionStartURL != "" && api.WaitMode(c.StartURLWait) == api.WaitNone {
		warnings = append(warnings, "session_start_url is set but start_url_wait=none disables the preload")
	}
	if c.VNCWebAssetsPath != "" {
		if info, err := os.Stat(c.VNCWebAssetsPath); err != nil || !info.IsDir() {
			warnings = append(warnings, fmt.Sprintf("vnc_web_assets_path %q is not a directory; the viewer will not be served", c.VNCWebAssetsPath))
		}
	}
	if c.DriverCLI == "" {
		warnings = append(warnings, "driver_cli is not set; session creation will fail until it is configured")
	}
	return warnings
}

// VNCCapacity is the number of concurrent VNC sessions the configured
// ranges can sustain.
func (c *Runner) VNCCapacity() int {
	displaySpan := c.VNCDisplayMax - c.VNCDisplayMin + 1
	rfbSpan := c.VNCPortMax - c.VNCPortMin + 1
	wsSpan := c.VNCWSPortMax - c.VNCWSPortMin + 1
	capacity := displaySpan
	if rfbSpan < capacity {
		capacity = rfbSpan
	}
	if wsSpan < capacity {
		capacity = wsSpan
	}
	return capacity
}

// Addr returns the listen address.
func (c *Runner) Addr() string { return joinHostPort(c.Host, c.Port) }

// ParseResolution splits a WxHxD string such as 1920x1080x24.
func ParseResolution(resolution string) (width, height, depth int, err error) {
	n, err := fmt.Sscanf(resolution, "%dx%dx%d", &width, &height, &depth)
	if err != nil || n != 3 || width <= 0 || height <= 0 || depth <= 0 {
		return 0, 0, 0, invalidf("vnc_resolution %q must look like 1920x1080x24", resolution)
	}
	return width, height, depth, nil
}
