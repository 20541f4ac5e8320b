// Package worker exposes the public session API by forwarding to a
// colocated runner and re-projecting its responses.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/camofleet/camofleet/internal/api"
)

var (
	// ErrNotFound translates a runner 404 into the worker's own 404.
	ErrNotFound = errors.New("worker: session not found")
	// ErrUnreachable marks transport-level failures talking to the runner.
	ErrUnreachable = errors.New("worker: runner unreachable")
)

// UpstreamError carries a non-404 error status returned by the runner;
// handlers re-raise it with the original status and detail.
type UpstreamError struct {
	StatusCode int
	Detail     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("runner returned status %d: %s", e.StatusCode, e.Detail)
}

// runnerClient wraps the runner REST API so handlers never deal with
// raw HTTP. One instance is shared across requests; the underlying
// http.Client pools connections.
type runnerClient struct {
	base string
	http *http.Client
}

func newRunnerClient(base string, timeout time.Duration) *runnerClient {
	return &runnerClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *runnerClient) close() {
	c.http.CloseIdleConnections()
}

func (c *runnerClient) health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

func (c *runnerClient) listSessions(ctx context.Context) ([]api.RunnerSession, error) {
	var out []api.RunnerSession
	err := c.do(ctx, http.MethodGet, "/sessions", nil, &out)
	return out, err
}

func (c *runnerClient) createSession(ctx context.Context, req api.CreateSessionRequest) (api.RunnerSession, error) {
	var out api.RunnerSession
	err := c.do(ctx, http.MethodPost, "/sessions", &req, &out)
	return out, err
}

func (c *runnerClient) getSession(ctx context.Context, id string) (api.RunnerSession, error) {
	var out api.RunnerSession
	err := c.do(ctx, http.MethodGet, "/sessions/"+id, nil, &out)
	return out, err
}

func (c *runnerClient) deleteSession(ctx context.Context, id string) (api.DeleteResponse, error) {
	var out api.DeleteResponse
	err := c.do(ctx, http.MethodDelete, "/sessions/"+id, nil, &out)
	return out, err
}

func (c *runnerClient) touchSession(ctx context.Context, id string) (api.RunnerSession, error) {
	var out api.RunnerSession
	err := c.do(ctx, http.MethodPost, "/sessions/"+id+"/touch", nil, &out)
	return out, err
}

func (c *runnerClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return &UpstreamError{StatusCode: resp.StatusCode, Detail: readErrorDetail(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding runner response: %w", err)
	}
	return nil
}

// readErrorDetail extracts the detail string from an error body,
// falling back to the raw text.
func readErrorDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return ""
	}
	var body api.ErrorResponse
	if json.Unmarshal(raw, &body) == nil && body.Detail != "" {
		return body.Detail
	}
	return strings.TrimSpace(string(raw))
}
