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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hatago-dev/hatago/internal/config"
	"github.com/hatago-dev/hatago/internal/jsonrpc"
	"github.com/hatago-dev/hatago/internal/logging"
)

// StdioClient talks newline-delimited JSON-RPC to a subprocess upstream
// over its stdin/stdout pipes. A single reader goroutine demultiplexes
// responses to pending calls by id.
type StdioClient struct {
	cfg            *config.UpstreamConfig
	gatewayName    string
	gatewayVersion string
	logger         *logging.Logger

	stdin  io.WriteCloser
	stdout io.ReadCloser

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan *jsonrpc.Message
	progress map[int64]ProgressFunc
	closed   bool
}

var _ Caller = (*StdioClient)(nil)

// NewStdioClient wires a client onto the pipes of a running subprocess.
// The caller keeps ownership of the process itself.
func NewStdioClient(cfg *config.UpstreamConfig, stdin io.WriteCloser, stdout io.ReadCloser, gatewayName, gatewayVersion string, logger *logging.Logger) *StdioClient {
	if logger == nil {
		logger = logging.Default()
	}
	c := &StdioClient{
		cfg:            cfg,
		gatewayName:    gatewayName,
		gatewayVersion: gatewayVersion,
		logger:         logger,
		stdin:          stdin,
		stdout:         stdout,
		pending:        make(map[int64]chan *jsonrpc.Message),
		progress:       make(map[int64]ProgressFunc),
	}
	go c.readLoop()
	return c
}

// readLoop consumes stdout lines until EOF, routing responses to their
// waiting calls and progress notifications to registered observers.
func (c *StdioClient) readLoop() {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg jsonrpc.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Log(logging.LevelWarn, "discarding malformed line from subprocess", map[string]any{
				"upstream": c.cfg.ID,
			})
			continue
		}

		if msg.IsNotification() {
			if msg.Method == "notifications/progress" {
				c.dispatchProgress(msg.Params)
			}
			continue
		}

		id, ok := asInt64(msg.ID)
		if !ok {
			continue
		}
		c.mu.Lock()
		ch, waiting := c.pending[id]
		if waiting {
			delete(c.pending, id)
			delete(c.progress, id)
		}
		c.mu.Unlock()
		if waiting {
			ch <- &msg
		}
	}

	// EOF: the subprocess is gone. Fail every outstanding call.
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		delete(c.progress, id)
		close(ch)
	}
	c.mu.Unlock()
}

// dispatchProgress fans a progress notification out to every in-flight
// call's observer. The payload's progressToken identifies the call on the
// wire, but subprocess servers commonly omit it, so each observer sees
// the notification and filters by token itself.
func (c *StdioClient) dispatchProgress(params json.RawMessage) {
	var p ProgressParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	c.mu.Lock()
	observers := make([]ProgressFunc, 0, len(c.progress))
	for _, fn := range c.progress {
		if fn != nil {
			observers = append(observers, fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range observers {
		fn(p)
	}
}

func asInt64(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// call performs one request/response exchange over the pipes.
func (c *StdioClient) call(ctx context.Context, method string, params any, onProgress ProgressFunc) (*jsonrpc.Message, error) {
	id := c.nextID.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := jsonrpc.Encode(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *jsonrpc.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	if onProgress != nil {
		c.progress[id] = onProgress
	}
	c.mu.Unlock()

	abandon := func() {
		c.mu.Lock()
		delete(c.pending, id)
		delete(c.progress, id)
		c.mu.Unlock()
	}

	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		abandon()
		return nil, fmt.Errorf("%w: write failed: %v", ErrClosed, err)
	}

	timeout := time.NewTimer(c.cfg.Timeout())
	defer timeout.Stop()

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("upstream %s: %w", c.cfg.ID, msg.Error)
		}
		return msg, nil
	case <-timeout.C:
		abandon()
		return nil, fmt.Errorf("%w: no response after %s", ErrTimeout, c.cfg.Timeout())
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// notify sends a fire-and-forget notification.
func (c *StdioClient) notify(method string, params any) error {
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := jsonrpc.Encode(note)
	if err != nil {
		return err
	}
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

// Initialize performs the handshake and sends the initialized
// notification.
func (c *StdioClient) Initialize(ctx context.Context) (*InitializeResult, error) {
	msg, err := c.call(ctx, "initialize", newInitializeParams(c.gatewayName, c.gatewayVersion), nil)
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed initialize result: %v", ErrProtocol, err)
	}
	if err := c.notify("notifications/initialized", nil); err != nil {
		c.logger.Log(logging.LevelWarn, "initialized notification failed", map[string]any{
			"upstream": c.cfg.ID,
			"error":    err.Error(),
		})
	}
	return &result, nil
}

// ListTools enumerates the catalog, following nextCursor pages.
func (c *StdioClient) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
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
func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]any, onProgress ProgressFunc) (*mcp.CallToolResult, error) {
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

// HealthCheck probes the subprocess with a fresh handshake.
func (c *StdioClient) HealthCheck(ctx context.Context) error {
	_, err := c.Initialize(ctx)
	return err
}

// Close shuts the write side, prompting the subprocess to exit on EOF.
func (c *StdioClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.stdin.Close()
}
