package config

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoadRunnerDefaults(t *testing.T) {
	cfg, err := LoadRunner(context.Background())
	if err != nil {
		t.Fatalf("LoadRunner() error = %v", err)
	}
	want := DefaultRunner()
	if cfg.Port != want.Port {
		t.Errorf("Port = %d, want %d", cfg.Port, want.Port)
	}
	if cfg.VNCDisplayMin != 100 || cfg.VNCDisplayMax != 199 {
		t.Errorf("display range = [%d,%d], want [100,199]", cfg.VNCDisplayMin, cfg.VNCDisplayMax)
	}
	if cfg.VNCStartupTimeout != 5*time.Second {
		t.Errorf("VNCStartupTimeout = %s, want 5s", cfg.VNCStartupTimeout)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v, want [*]", cfg.CORSOrigins)
	}
	if len(cfg.NetworkDiagnostics) != 1 || cfg.NetworkDiagnostics[0] != "https://bot.sannysoft.com" {
		t.Errorf("NetworkDiagnostics = %v", cfg.NetworkDiagnostics)
	}
	if cfg.VNCCapacity() != 100 {
		t.Errorf("VNCCapacity() = %d, want 100", cfg.VNCCapacity())
	}
}

func TestLoadRunnerEnvOverrides(t *testing.T) {
	t.Setenv("RUNNER_PORT", "9090")
	t.Setenv("RUNNER_VNC_DISPLAY_MIN", "10")
	t.Setenv("RUNNER_VNC_DISPLAY_MAX", "12")
	t.Setenv("RUNNER_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := LoadRunner(context.Background())
	if err != nil {
		t.Fatalf("LoadRunner() error = %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.VNCCapacity() != 3 {
		t.Errorf("VNCCapacity() = %d, want 3", cfg.VNCCapacity())
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("CORSOrigins = %v, want two entries", cfg.CORSOrigins)
	}
}

func TestRunnerValidateRejectsInvertedRanges(t *testing.T) {
	cfg := DefaultRunner()
	cfg.VNCDisplayMin = 200
	cfg.VNCDisplayMax = 100
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Validate() = %v, want ErrInvalid", err)
	}
}

func TestRunnerValidateRejectsBadResolution(t *testing.T) {
	cfg := DefaultRunner()
	cfg.VNCResolution = "fullhd"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Validate() = %v, want ErrInvalid", err)
	}
}

func TestRunnerValidateRejectsBadWaitMode(t *testing.T) {
	cfg := DefaultRunner()
	cfg.StartURLWait = "soon"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Validate() = %v, want ErrInvalid", err)
	}
}

func TestRunnerWarnings(t *testing.T) {
	cfg := DefaultRunner()
	cfg.SessionStartURL = "https://example.org"
	cfg.StartURLWait = "none"
	cfg.VNCWebAssetsPath = ""
	warnings := cfg.Warnings()
	found := false
	for _, w := range warnings {
		if w == "session_start_url is set but start_url_wait=none disables the preload" {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings() = %v, want preload warning", warnings)
	}
}

func TestParseResolution(t *testing.T) {
	w, h, d, err := ParseResolution("1920x1080x24")
	if err != nil {
		t.Fatalf("ParseResolution() error = %v", err)
	}
	if w != 1920 || h != 1080 || d != 24 {
		t.Errorf("ParseResolution() = %dx%dx%d, want 1920x1080x24", w, h, d)
	}
	if _, _, _, err := ParseResolution("1920x1080"); err == nil {
		t.Error("ParseResolution(1920x1080) = nil, want error")
	}
}

func TestLoadWorkerDefaults(t *testing.T) {
	cfg, err := LoadWorker(context.Background())
	if err != nil {
		t.Fatalf("LoadWorker() error = %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.RunnerBaseURL != "http://127.0.0.1:8070" {
		t.Errorf("RunnerBaseURL = %q", cfg.RunnerBaseURL)
	}
	if cfg.SupportsVNC {
		t.Error("SupportsVNC = true, want false")
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %s, want 30s", cfg.RequestTimeout)
	}
}

func TestWorkerValidateRejectsBadRunnerURL(t *testing.T) {
	cfg := DefaultWorker()
	cfg.RunnerBaseURL = "not a url"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Validate() = %v, want ErrInvalid", err)
	}
}

func TestLoadControlDefaults(t *testing.T) {
	cfg, err := LoadControl(context.Background())
	if err != nil {
		t.Fatalf("LoadControl() error = %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if len(cfg.Workers) != 1 || cfg.Workers[0].Name != "local" {
		t.Errorf("Workers = %v, want the default local worker", cfg.Workers)
	}
}

func TestLoadControlWorkersJSON(t *testing.T) {
	t.Setenv("CONTROL_WORKERS", `[{"name":"a","url":"http://a:8080"},{"name":"b","url":"http://b:8080","supports_vnc":true,"vnc_ws":"wss://edge-{id}.example"}]`)

	cfg, err := LoadControl(context.Background())
	if err != nil {
		t.Fatalf("LoadControl() error = %v", err)
	}
	if len(cfg.Workers) != 2 {
		t.Fatalf("len(Workers) = %d, want 2", len(cfg.Workers))
	}
	if !cfg.Workers[1].SupportsVNC {
		t.Error("Workers[1].SupportsVNC = false, want true")
	}
	if cfg.Workers[1].VNCWS != "wss://edge-{id}.example" {
		t.Errorf("Workers[1].VNCWS = %q", cfg.Workers[1].VNCWS)
	}
}

func TestLoadControlRejectsMalformedWorkers(t *testing.T) {
	t.Setenv("CONTROL_WORKERS", `{"name":"a"}`)

	if _, err := LoadControl(context.Background()); err == nil {
		t.Error("LoadControl() = nil, want error for non-array workers")
	}
}

func TestControlValidateRejectsDuplicateWorkerNames(t *testing.T) {
	cfg := DefaultControl()
	cfg.Workers = WorkerList{
		{Name: "a", URL: "http://a:8080"},
		{Name: "a", URL: "http://b:8080"},
	}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Validate() = %v, want ErrInvalid", err)
	}
}

func TestControlPublicPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"/", ""},
		{"", ""},
		{"  ", ""},
		{"/api", "/api"},
		{"/api/", "/api"},
		{"api", "/api"},
		{"/api/v1/", "/api/v1"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			cfg := DefaultControl()
			cfg.PublicAPIPrefix = tt.prefix
			if got := cfg.PublicPrefix(); got != tt.want {
				t.Errorf("PublicPrefix(%q) = %q, want %q", tt.prefix, got, tt.want)
			}
		})
	}
}

func TestLoadGatewayDefaults(t *testing.T) {
	cfg, err := LoadGateway(context.Background())
	if err != nil {
		t.Fatalf("LoadGateway() error = %v", err)
	}
	if cfg.Port != 6080 {
		t.Errorf("Port = %d, want 6080", cfg.Port)
	}
	if cfg.MinPort != 6900 || cfg.MaxPort != 6999 {
		t.Errorf("port range = [%d,%d], want [6900,6999]", cfg.MinPort, cfg.MaxPort)
	}
	if cfg.WSPingInterval != 25*time.Second {
		t.Errorf("WSPingInterval = %s, want 25s", cfg.WSPingInterval)
	}
	if cfg.TCPIdleTimeout != 300*time.Second {
		t.Errorf("TCPIdleTimeout = %s, want 300s", cfg.TCPIdleTimeout)
	}
}

func TestGatewayValidateRejectsInvertedPortRange(t *testing.T) {
	cfg := DefaultGateway()
	cfg.MinPort = 7000
	cfg.MaxPort = 6900
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Validate() = %v, want ErrInvalid", err)
	}
}

func TestGatewayPathPrefix(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"vnc", "/vnc"},
		{"/vnc/", "/vnc"},
	}
	for _, tt := range tests {
		cfg := DefaultGateway()
		cfg.RunnerPathPrefix = tt.raw
		if got := cfg.PathPrefix(); got != tt.want {
			t.Errorf("PathPrefix(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
