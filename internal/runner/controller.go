package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// controllerCloseTimeout bounds the best-effort teardown calls.
const controllerCloseTimeout = 2 * time.Second

// wireMessage is the driver protocol envelope. Requests carry id, guid,
// method and params; responses echo the id with result or error; server
// events arrive with a method and no id.
type wireMessage struct {
	ID     int             `json:"id,omitempty"`
	GUID   string          `json:"guid,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

type wireRequest struct {
	ID       int      `json:"id"`
	GUID     string   `json:"guid"`
	Method   string   `json:"method"`
	Params   any      `json:"params"`
	Metadata struct{} `json:"metadata"`
}

type guidRef struct {
	GUID string `json:"guid"`
}

// automationController drives a browser server over its WebSocket
// protocol just enough to preload a page: one context, one page, one
// navigation. The handles stay open so the warmed page survives until
// the session is torn down.
type automationController struct {
	conn    *websocket.Conn
	seq     int
	browser string // guid of the pre-launched browser
	context string
	page    string
}

// connectAutomation dials a browser server endpoint and performs the
// protocol handshake, locating the pre-launched browser.
func connectAutomation(ctx context.Context, wsEndpoint string) (*automationController, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("runner: dialing browser server: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &automationController{conn: conn}
	browserGUID := ""
	_, err = c.call(ctx, "", "initialize", map[string]any{"sdkLanguage": "javascript"}, func(msg wireMessage) {
		if msg.Method != "__create__" {
			return
		}
		var created struct {
			Type        string `json:"type"`
			GUID        string `json:"guid"`
			Initializer struct {
				PreLaunchedBrowser guidRef `json:"preLaunchedBrowser"`
			} `json:"initializer"`
		}
		if json.Unmarshal(msg.Params, &created) != nil {
			return
		}
		if created.Type == "Playwright" && created.Initializer.PreLaunchedBrowser.GUID != "" {
			browserGUID = created.Initializer.PreLaunchedBrowser.GUID
		}
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if browserGUID == "" {
		conn.Close()
		return nil, errors.New("runner: browser server did not announce a pre-launched browser")
	}
	c.browser = browserGUID
	return c, nil
}

// preload opens a context and page on the pre-launched browser and
// navigates to url with the given wait condition.
func (c *automationController) preload(ctx context.Context, url, waitUntil string) error {
	res, err := c.call(ctx, c.browser, "newContext", map[string]any{}, nil)
	if err != nil {
		return err
	}
	var newContext struct {
		Context guidRef `json:"context"`
	}
	if err := json.Unmarshal(res, &newContext); err != nil || newContext.Context.GUID == "" {
		return errors.New("runner: newContext returned no context")
	}
	c.context = newContext.Context.GUID

	res, err = c.call(ctx, c.context, "newPage", map[string]any{}, nil)
	if err != nil {
		return err
	}
	var newPage struct {
		Page guidRef `json:"page"`
	}
	if err := json.Unmarshal(res, &newPage); err != nil || newPage.Page.GUID == "" {
		return errors.New("runner: newPage returned no page")
	}
	c.page = newPage.Page.GUID

	_, err = c.call(ctx, c.page, "goto", map[string]any{"url": url, "waitUntil": waitUntil}, nil)
	return err
}

// call sends one request and reads frames until its response arrives.
// Server events seen along the way are handed to onEvent.
func (c *automationController) call(ctx context.Context, guid, method string, params any, onEvent func(wireMessage)) (json.RawMessage, error) {
	c.seq++
	id := c.seq
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(wireRequest{ID: id, GUID: guid, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("runner: automation call %s: %w", method, err)
	}
	for {
		_ = c.conn.SetReadDeadline(deadline)
		var msg wireMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return nil, fmt.Errorf("runner: automation call %s: %w", method, err)
		}
		if msg.ID == 0 {
			if onEvent != nil {
				onEvent(msg)
			}
			continue
		}
		if msg.ID != id {
			continue
		}
		if len(msg.Error) > 0 {
			return nil, fmt.Errorf("runner: automation call %s failed: %s", method, msg.Error)
		}
		return msg.Result, nil
	}
}

// close tears the controller objects down best-effort and drops the
// connection.
func (c *automationController) close() {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), controllerCloseTimeout)
	defer cancel()
	if c.page != "" {
		_, _ = c.call(ctx, c.page, "close", map[string]any{}, nil)
	}
	if c.context != "" {
		_, _ = c.call(ctx, c.context, "close", map[string]any{}, nil)
	}
	if c.browser != "" {
		_, _ = c.call(ctx, c.browser, "close", map[string]any{}, nil)
	}
	_ = c.conn.Close()
}
