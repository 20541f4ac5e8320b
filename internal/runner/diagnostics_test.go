package runner

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestRunNetworkDiagnosticsEmptyTargets(t *testing.T) {
	report := runNetworkDiagnostics(context.Background(), discardLogger(), nil, time.Second)
	if len(report) != 0 {
		t.Errorf("report = %v, want empty", report)
	}
}

func TestRunNetworkDiagnosticsUnreachableTarget(t *testing.T) {
	// Grab a port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	target := "https://127.0.0.1:" + strconv.Itoa(port)

	report := runNetworkDiagnostics(context.Background(), discardLogger(), []string{target}, time.Second)
	outcomes, ok := report[target]
	if !ok {
		t.Fatalf("report %v missing target %s", report, target)
	}
	if outcomes["http2"].Status != ProbeError {
		t.Errorf("http2 status = %q, want error", outcomes["http2"].Status)
	}
	if outcomes["http2"].Detail == "" {
		t.Error("http2 detail is empty")
	}
	if outcomes["http3"].Status != ProbeSkipped {
		t.Errorf("http3 status = %q, want skipped", outcomes["http3"].Status)
	}
}

func TestProbeHTTP3Skipped(t *testing.T) {
	got := probeHTTP3("https://example.com")
	if got.Status != ProbeSkipped || got.Detail == "" {
		t.Errorf("probeHTTP3() = %+v, want skipped with detail", got)
	}
}
