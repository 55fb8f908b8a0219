// Copyright 2026 Hatago Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hatago-dev/hatago/internal/config"
	"github.com/hatago-dev/hatago/internal/jsonrpc"
	"github.com/hatago-dev/hatago/internal/logging"
)

// sessionHeader is the session id header of the streamable HTTP transport.
const sessionHeader = "Mcp-Session-Id"

// headerRoundTripper stamps authentication headers onto every outbound
// request so call sites never handle credentials.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
	basic   *config.AuthConfig
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range rt.headers {
		clone.Header.Set(k, v)
	}
	if rt.basic != nil {
		clone.SetBasicAuth(rt.basic.Username, rt.basic.Password)
	}
	return rt.base.RoundTrip(clone)
}

// newAuthTransport builds the RoundTripper for an upstream's auth config.
func newAuthTransport(auth *config.AuthConfig) (http.RoundTripper, error) {
	base := http.DefaultTransport
	if auth == nil {
		return base, nil
	}
	switch auth.Type {
	case "bearer":
		return &headerRoundTripper{
			base:    base,
			headers: map[string]string{"Authorization": "Bearer " + auth.SubstitutedToken()},
		}, nil
	case "basic":
		return &headerRoundTripper{base: base, basic: auth}, nil
	case "custom":
		return &headerRoundTripper{base: base, headers: auth.SubstitutedHeaders()}, nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", auth.Type)
	}
}

// HTTPClient talks JSON-RPC to one streamable HTTP upstream.
type HTTPClient struct {
	cfg            *config.UpstreamConfig
	gatewayName    string
	gatewayVersion string
	client         *http.Client
	logger         *logging.Logger

	nextID    atomic.Int64
	sessionID atomic.Value // string, assigned by the upstream on initialize
}

var _ Caller = (*HTTPClient)(nil)

// NewHTTPClient builds a client for one upstream. The per-request timeout
// comes from the upstream config.
func NewHTTPClient(cfg *config.UpstreamConfig, gatewayName, gatewayVersion string, logger *logging.Logger) (*HTTPClient, error) {
	transport, err := newAuthTransport(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", cfg.ID, err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &HTTPClient{
		cfg:            cfg,
		gatewayName:    gatewayName,
		gatewayVersion: gatewayVersion,
		client:         &http.Client{Transport: transport},
		logger:         logger,
	}, nil
}

// classify maps low-level transport failures onto the typed error set.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// call performs one request/response exchange. SSE responses are drained
// until the message answering our id arrives; progress notifications seen
// along the way go to onProgress.
func (c *HTTPClient) call(ctx context.Context, method string, params any, onProgress ProgressFunc) (*jsonrpc.Message, error) {
	id := c.nextID.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	body, err := jsonrpc.Encode(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if sid, ok := c.sessionID.Load().(string); ok && sid != "" {
		httpReq.Header.Set(sessionHeader, sid)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &HTTPStatusError{Status: resp.StatusCode}
	}

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		c.sessionID.Store(sid)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return c.readStream(ctx, resp, id, onProgress)
	}

	var msg jsonrpc.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrProtocol, err)
	}
	return c.finish(&msg)
}

// readStream consumes an SSE response body. Each data: line carries one
// JSON-RPC message; the exchange completes when the response matching our
// request id arrives.
func (c *HTTPClient) readStream(ctx context.Context, resp *http.Response, id int64, onProgress ProgressFunc) (*jsonrpc.Message, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var msg jsonrpc.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			c.logger.Log(logging.LevelWarn, "discarding malformed stream frame", map[string]any{
				"upstream": c.cfg.ID,
			})
			continue
		}

		if msg.IsNotification() {
			if msg.Method == "notifications/progress" && onProgress != nil {
				var p ProgressParams
				if err := json.Unmarshal(msg.Params, &p); err == nil {
					onProgress(p)
				}
			}
			continue
		}
		if matchesID(msg.ID, id) {
			return c.finish(&msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, classify(err)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
	return nil, fmt.Errorf("%w: stream ended before response", ErrProtocol)
}

// finish converts a JSON-RPC error payload into a Go error.
func (c *HTTPClient) finish(msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	if msg.Error != nil {
		return nil, fmt.Errorf("upstream %s: %w", c.cfg.ID, msg.Error)
	}
	return msg, nil
}

// matchesID compares a decoded JSON-RPC id with the request's int64 id.
// JSON numbers decode as float64.
func matchesID(got any, want int64) bool {
	switch v := got.(type) {
	case float64:
		return int64(v) == want
	case string:
		return v == fmt.Sprintf("%d", want)
	case json.Number:
		n, err := v.Int64()
		return err == nil && n == want
	default:
		return false
	}
}

// Initialize performs the handshake and sends the initialized
// notification.
func (c *HTTPClient) Initialize(ctx context.Context) (*InitializeResult, error) {
	msg, err := c.call(ctx, "initialize", newInitializeParams(c.gatewayName, c.gatewayVersion), nil)
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed initialize result: %v", ErrProtocol, err)
	}
	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Log(logging.LevelWarn, "initialized notification failed", map[string]any{
			"upstream": c.cfg.ID,
			"error":    err.Error(),
		})
	}
	return &result, nil
}

// notify sends a fire-and-forget notification.
func (c *HTTPClient) notify(ctx context.Context, method string, params any) error {
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	body, err := jsonrpc.Encode(note)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if sid, ok := c.sessionID.Load().(string); ok && sid != "" {
		httpReq.Header.Set(sessionHeader, sid)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classify(err)
	}
	_ = resp.Body.Close()
	return nil
}

// ListTools enumerates the upstream catalog, following nextCursor pages.
func (c *HTTPClient) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	var tools []*mcp.Tool
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		msg, err := c.call(ctx, "tools/list", params, nil)
		if err != nil {
			return nil, err
		}
		var page listToolsResult
		if err := json.Unmarshal(msg.Result, &page); err != nil {
			return nil, fmt.Errorf("%w: malformed tools/list result: %v", ErrProtocol, err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a tool by its upstream-local name.
func (c *HTTPClient) CallTool(ctx context.Context, name string, args map[string]any, onProgress ProgressFunc) (*mcp.CallToolResult, error) {
	msg, err := c.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, onProgress)
	if err != nil {
		return nil, err
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed tools/call result: %v", ErrProtocol, err)
	}
	return &result, nil
}

// HealthCheck probes the upstream with a fresh handshake.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	_, err := c.Initialize(ctx)
	return err
}

// Close is a no-op for the stateless HTTP client.
func (c *HTTPClient) Close() error { return nil }
