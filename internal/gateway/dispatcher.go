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

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hatago-dev/hatago/internal/jsonrpc"
	"github.com/hatago-dev/hatago/internal/logging"
	"github.com/hatago-dev/hatago/internal/namespace"
	"github.com/hatago-dev/hatago/internal/transport"
	"github.com/hatago-dev/hatago/internal/upstream"
)

// dispatcher routes parsed client messages to the gateway's handlers. It
// converts every failure into a JSON-RPC error response so the transport
// layer never sees Go errors.
type dispatcher struct {
	g *Gateway
}

var _ transport.Dispatcher = (*dispatcher)(nil)

func (d *dispatcher) Dispatch(ctx context.Context, sessionID string, msg *jsonrpc.Message, emit func(*jsonrpc.Message) error) *jsonrpc.Message {
	if d.g.traffic != nil {
		_ = d.g.traffic.LogRequest(fmt.Sprintf("%v", msg.ID), sessionID, msg.Method, "")
	}

	if msg.IsNotification() {
		// notifications/initialized and cancellations need no reply.
		return nil
	}

	var resp *jsonrpc.Message
	switch msg.Method {
	case "initialize":
		resp = d.initialize(msg)
	case "tools/list":
		resp = d.listTools(msg)
	case "tools/call":
		resp = d.callTool(ctx, sessionID, msg, emit)
	default:
		resp = jsonrpc.NewError(msg.ID, jsonrpc.CodeMethodNotFound, "Method not found")
	}

	if d.g.traffic != nil {
		success := resp != nil && resp.Error == nil
		errMsg := ""
		if resp != nil && resp.Error != nil {
			errMsg = resp.Error.Message
		}
		_ = d.g.traffic.LogResponse(fmt.Sprintf("%v", msg.ID), sessionID, msg.Method, "", "", "", success, errMsg)
	}
	return resp
}

// initializeResult is the handshake response payload.
type initializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    map[string]any      `json:"capabilities"`
	ServerInfo      upstream.ServerInfo `json:"serverInfo"`
}

func (d *dispatcher) initialize(msg *jsonrpc.Message) *jsonrpc.Message {
	result := initializeResult{
		ProtocolVersion: upstream.ProtocolVersion,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		ServerInfo: upstream.ServerInfo{Name: d.g.cfg.Name, Version: d.g.cfg.Version},
	}
	resp, err := jsonrpc.NewResponse(msg.ID, result)
	if err != nil {
		return jsonrpc.NewError(msg.ID, jsonrpc.CodeInternalError, "Internal error")
	}
	return resp
}

func (d *dispatcher) listTools(msg *jsonrpc.Message) *jsonrpc.Message {
	mappings := d.g.names.Mappings()
	tools := make([]*mcp.Tool, 0, len(mappings))
	for _, m := range mappings {
		t := *m.Tool
		t.Name = m.MappedName
		tools = append(tools, &t)
	}
	resp, err := jsonrpc.NewResponse(msg.ID, map[string]any{"tools": tools})
	if err != nil {
		return jsonrpc.NewError(msg.ID, jsonrpc.CodeInternalError, "Internal error")
	}
	return resp
}

// callToolParams is the inbound tools/call payload.
type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Meta      struct {
		ProgressToken any `json:"progressToken"`
	} `json:"_meta"`
}

func (d *dispatcher) callTool(ctx context.Context, sessionID string, msg *jsonrpc.Message, emit func(*jsonrpc.Message) error) *jsonrpc.Message {
	var params callToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewError(msg.ID, jsonrpc.CodeInvalidParams, "Invalid params")
	}

	mapping, ok := d.g.names.Resolve(params.Name)
	if !ok {
		return jsonrpc.NewError(msg.ID, jsonrpc.CodeInvalidParams, fmt.Sprintf("Unknown tool: %s", params.Name))
	}

	var result *mcp.CallToolResult
	var err error
	if strings.HasPrefix(mapping.ServerID, "plugin:") {
		result, err = d.g.host.Call(ctx, mapping.MappedName, sessionID, params.Arguments)
	} else {
		caller, live := d.g.upstreamFor(mapping.ServerID)
		if !live {
			return jsonrpc.NewError(msg.ID, jsonrpc.CodeMethodNotAllowed, fmt.Sprintf("Upstream %s is unavailable", mapping.ServerID))
		}
		onProgress := d.progressRelay(params.Meta.ProgressToken, emit)
		result, err = caller.CallTool(ctx, mapping.OriginalName, params.Arguments, onProgress)
	}
	if err != nil {
		return d.toolError(msg.ID, mapping, err)
	}

	resp, respErr := jsonrpc.NewResponse(msg.ID, result)
	if respErr != nil {
		return jsonrpc.NewError(msg.ID, jsonrpc.CodeInternalError, "Internal error")
	}
	return resp
}

// progressRelay forwards upstream progress notifications to the calling
// client's stream, preserving upstream order.
func (d *dispatcher) progressRelay(token any, emit func(*jsonrpc.Message) error) upstream.ProgressFunc {
	if emit == nil {
		return nil
	}
	return func(p upstream.ProgressParams) {
		if token != nil {
			p.ProgressToken = token
		}
		note, err := jsonrpc.NewNotification("notifications/progress", p)
		if err != nil {
			return
		}
		if err := emit(note); err != nil {
			d.g.logger.Log(logging.LevelDebug, "failed to relay progress", map[string]any{
				"error": err.Error(),
			})
		}
	}
}

// toolError maps an execution failure onto a JSON-RPC error, preserving
// the upstream's own code and message when it sent one.
func (d *dispatcher) toolError(id any, mapping *namespace.ToolMapping, err error) *jsonrpc.Message {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return jsonrpc.NewError(id, rpcErr.Code, rpcErr.Message)
	}
	var statusErr *upstream.HTTPStatusError
	switch {
	case errors.Is(err, upstream.ErrTimeout):
		return jsonrpc.NewError(id, jsonrpc.CodeMethodNotAllowed, fmt.Sprintf("Upstream %s timed out", mapping.ServerID))
	case errors.Is(err, upstream.ErrAuth):
		return jsonrpc.NewError(id, jsonrpc.CodeMethodNotAllowed, fmt.Sprintf("Upstream %s rejected credentials", mapping.ServerID))
	case errors.As(err, &statusErr):
		return jsonrpc.NewError(id, jsonrpc.CodeMethodNotAllowed, fmt.Sprintf("Upstream %s returned HTTP %d", mapping.ServerID, statusErr.Status))
	default:
		return jsonrpc.NewError(id, jsonrpc.CodeInternalError, err.Error())
	}
}
