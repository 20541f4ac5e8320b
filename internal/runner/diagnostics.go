package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// Diagnostics statuses reported per probe.
const (
	ProbeOK      = "ok"
	ProbeError   = "error"
	ProbeSkipped = "skipped"
)

// ProbeOutcome is the result of one protocol probe.
type ProbeOutcome struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// DiagnosticsReport maps target URL to per-protocol outcomes.
type DiagnosticsReport map[string]map[string]ProbeOutcome

// probeHTTP2 performs a GET forced onto HTTP/2. Targets must speak TLS;
// anything else is reported as an error, which is the point of the
// probe.
func probeHTTP2(ctx context.Context, target string, timeout time.Duration) ProbeOutcome {
	client := &http.Client{
		Transport: &http2.Transport{},
		Timeout:   timeout,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ProbeOutcome{Status: ProbeError, Detail: err.Error()}
	}
	req.Header.Set("User-Agent", "CamofleetDiagnostics/1.0")
	resp, err := client.Do(req)
	if err != nil {
		return ProbeOutcome{Status: ProbeError, Detail: err.Error()}
	}
	resp.Body.Close()
	return ProbeOutcome{Status: ProbeOK, Detail: fmt.Sprintf("%s %d", resp.Proto, resp.StatusCode)}
}

// probeHTTP3 is a placeholder until a QUIC client is wired in.
func probeHTTP3(string) ProbeOutcome {
	return ProbeOutcome{Status: ProbeSkipped, Detail: "HTTP/3 probing is not supported in this build"}
}

// runNetworkDiagnostics probes every target concurrently and returns
// the combined report.
func runNetworkDiagnostics(ctx context.Context, logger *slog.Logger, targets []string, timeout time.Duration) DiagnosticsReport {
	report := make(DiagnosticsReport, len(targets))
	if len(targets) == 0 {
		return report
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			logger.Debug("running network diagnostics", "url", target)
			http2Result := probeHTTP2(ctx, target, timeout)
			http3Result := probeHTTP3(target)
			logger.Info("network diagnostics",
				"url", target, "http2", http2Result.Status, "http3", http3Result.Status)
			mu.Lock()
			report[target] = map[string]ProbeOutcome{
				"http2": http2Result,
				"http3": http3Result,
			}
			mu.Unlock()
		}(target)
	}
	wg.Wait()
	return report
}
