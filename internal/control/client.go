package control

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
	"github.com/camofleet/camofleet/internal/config"
)

var (
	// ErrSessionNotFound translates a worker 404 into the control
	// plane's own 404.
	ErrSessionNotFound = errors.New("control: session not found")
	// ErrWorkerUnreachable marks transport-level failures talking to a
	// worker.
	ErrWorkerUnreachable = errors.New("control: worker unreachable")
)

// UpstreamError carries a non-404 error status returned by a worker;
// handlers re-raise it with the original status and detail.
type UpstreamError struct {
	StatusCode int
	Detail     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("worker returned status %d: %s", e.StatusCode, e.Detail)
}

// workerClient wraps one worker's REST API. One instance per configured
// worker lives for the process lifetime; the underlying http.Client
// pools connections.
type workerClient struct {
	entry config.WorkerEntry
	base  string
	http  *http.Client
}

func newWorkerClient(entry config.WorkerEntry, timeout time.Duration) *workerClient {
	return &workerClient{
		entry: entry,
		base:  strings.TrimRight(entry.URL, "/"),
		http:  &http.Client{Timeout: timeout},
	}
}

func (c *workerClient) close() {
	c.http.CloseIdleConnections()
}

// health returns the worker's health payload verbatim so it can be
// embedded into the control plane's aggregate view.
func (c *workerClient) health(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

func (c *workerClient) listSessions(ctx context.Context) ([]api.WorkerSession, error) {
	var out []api.WorkerSession
	err := c.do(ctx, http.MethodGet, "/sessions", nil, &out)
	return out, err
}

func (c *workerClient) createSession(ctx context.Context, req api.CreateSessionRequest) (api.WorkerSession, error) {
	var out api.WorkerSession
	err := c.do(ctx, http.MethodPost, "/sessions", &req, &out)
	return out, err
}

func (c *workerClient) getSession(ctx context.Context, id string) (api.WorkerSession, error) {
	var out api.WorkerSession
	err := c.do(ctx, http.MethodGet, "/sessions/"+id, nil, &out)
	return out, err
}

func (c *workerClient) deleteSession(ctx context.Context, id string) (api.DeleteResponse, error) {
	var out api.DeleteResponse
	err := c.do(ctx, http.MethodDelete, "/sessions/"+id, nil, &out)
	return out, err
}

func (c *workerClient) touchSession(ctx context.Context, id string) (api.WorkerSession, error) {
	var out api.WorkerSession
	err := c.do(ctx, http.MethodPost, "/sessions/"+id+"/touch", nil, &out)
	return out, err
}

func (c *workerClient) do(ctx context.Context, method, path string, body, out any) error {
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
		return fmt.Errorf("%w: %v", ErrWorkerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSessionNotFound
	}
	if resp.StatusCode >= 400 {
		return &UpstreamError{StatusCode: resp.StatusCode, Detail: readErrorDetail(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding worker response: %w", err)
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
