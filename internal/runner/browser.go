package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/camofleet/camofleet/internal/api"
	"github.com/camofleet/camofleet/internal/config"
)

// browserLaunchTimeout bounds how long the driver may take to print its
// WebSocket endpoint.
const browserLaunchTimeout = 45 * time.Second

var errLaunchTimeout = errors.New("timed out launching camoufox server")

// launchConfig is the JSON document handed to the automation driver.
// Field names follow the driver's launch-server contract.
type launchConfig struct {
	Headless          bool              `json:"headless"`
	Args              []string          `json:"args"`
	Env               map[string]string `json:"env"`
	ExecutablePath    string            `json:"executablePath,omitempty"`
	FirefoxUserPrefs  map[string]any    `json:"firefoxUserPrefs,omitempty"`
	Proxy             *api.ProxyConfig  `json:"proxy,omitempty"`
	IgnoreDefaultArgs []string          `json:"ignoreDefaultArgs,omitempty"`
}

// browserServer is a running browser process reachable over its
// WebSocket endpoint.
type browserServer struct {
	wsEndpoint string
	proc       *childProcess
}

func (b *browserServer) close(logger *slog.Logger) {
	if b == nil || b.proc == nil {
		return
	}
	b.proc.stop(logger)
}

// browserLauncher spawns browser-server processes via the driver CLI.
type browserLauncher struct {
	cfg    *config.Runner
	logger *slog.Logger
}

func newBrowserLauncher(cfg *config.Runner, logger *slog.Logger) *browserLauncher {
	return &browserLauncher{cfg: cfg, logger: logger.With("component", "browser_launcher")}
}

// available reports whether the driver CLI is configured and present.
func (l *browserLauncher) available() bool {
	if l.cfg.DriverCLI == "" {
		return false
	}
	if _, err := os.Stat(l.cfg.DriverCLI); err != nil {
		return false
	}
	if _, err := exec.LookPath(l.cfg.DriverNode); err != nil {
		return false
	}
	return true
}

func (l *browserLauncher) buildConfig(headless bool, display string, proxy *api.ProxyConfig) launchConfig {
	lc := launchConfig{
		Headless: headless,
		Args:     []string{},
		Env:      map[string]string{},
	}
	prefs := map[string]any{}
	if l.cfg.DisableIPv6 {
		prefs["network.dns.disableIPv6"] = true
	}
	if l.cfg.DisableHTTP3 {
		prefs["network.http.http3.enabled"] = false
		prefs["network.http.http3.enable_0rtt"] = false
		prefs["network.http.http3.enable_alt_svc"] = false
		lc.Env["MOZ_DISABLE_HTTP3"] = "1"
	}
	if l.cfg.DisableWebRTC {
		prefs["media.peerconnection.enabled"] = false
	}
	if len(prefs) > 0 {
		lc.FirefoxUserPrefs = prefs
	}
	if display != "" {
		lc.Env["DISPLAY"] = display
	}
	if l.cfg.BrowserExecutable != "" {
		lc.ExecutablePath = l.cfg.BrowserExecutable
	}
	if proxy != nil {
		lc.Proxy = proxy
	}
	return lc
}

// launch starts a browser server and returns once the driver has
// printed the WebSocket endpoint on stdout. The config file exists only
// for the duration of the call.
func (l *browserLauncher) launch(ctx context.Context, headless bool, display string, proxy *api.ProxyConfig) (*browserServer, error) {
	configPath, err := writeLaunchConfig(l.buildConfig(headless, display, proxy))
	if err != nil {
		return nil, err
	}
	defer os.Remove(configPath)

	cmd := exec.Command(l.cfg.DriverNode, l.cfg.DriverCLI, "launch-server", "--browser=firefox", "--config="+configPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	l.logger.Debug("launching browser server", "headless", headless, "display", display, "proxy", proxy != nil)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(stdout)
	type firstLine struct {
		line string
		err  error
	}
	lineCh := make(chan firstLine, 1)
	go func() {
		line, err := reader.ReadString('\n')
		lineCh <- firstLine{line, err}
	}()

	select {
	case <-ctx.Done():
		terminateCmd(l.logger, cmd, "camoufox-server")
		return nil, ctx.Err()
	case <-time.After(browserLaunchTimeout):
		terminateCmd(l.logger, cmd, "camoufox-server")
		return nil, errLaunchTimeout
	case res := <-lineCh:
		endpoint := strings.TrimSpace(res.line)
		if endpoint == "" {
			// The driver closed stdout without an endpoint; surface
			// its stderr and exit code.
			raw, _ := io.ReadAll(stderr)
			code := 0
			if err := cmd.Wait(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					code = exitErr.ExitCode()
				} else {
					code = -1
				}
			}
			return nil, &BrowserLaunchError{Code: code, Stderr: strings.TrimSpace(string(raw))}
		}

		proc := &childProcess{name: "camoufox-server", cmd: cmd, done: make(chan struct{})}
		var drains sync.WaitGroup
		drains.Add(2)
		go func() {
			defer drains.Done()
			drainStream(l.logger, "camoufox-stdout", reader)
		}()
		go func() {
			defer drains.Done()
			drainStream(l.logger, "camoufox-stderr", stderr)
		}()
		go func() {
			drains.Wait()
			if err := cmd.Wait(); err != nil {
				l.logger.Debug("browser server exited", "error", err)
			}
			close(proc.done)
		}()
		return &browserServer{wsEndpoint: endpoint, proc: proc}, nil
	}
}

func writeLaunchConfig(lc launchConfig) (string, error) {
	f, err := os.CreateTemp("", "camofleet-launch-*.json")
	if err != nil {
		return "", err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(lc); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// terminateCmd stops a process whose reaper goroutine has not been set
// up yet: SIGTERM, a short grace, then SIGKILL.
func terminateCmd(logger *slog.Logger, cmd *exec.Cmd, name string) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
		return
	case <-time.After(terminateGrace):
		logger.Warn("process did not exit after terminate; killing", "name", name)
	}
	_ = cmd.Process.Kill()
	<-done
}
