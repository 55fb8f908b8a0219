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

// Package upstream speaks JSON-RPC to upstream servers over streamable
// HTTP and stdio, presenting both behind one Caller interface.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ProtocolVersion is the protocol revision the gateway negotiates.
const ProtocolVersion = "2025-06-18"

// Typed failure classes. Callers branch on these with errors.Is.
var (
	ErrTimeout  = errors.New("upstream_timeout")
	ErrAuth     = errors.New("upstream_auth")
	ErrProtocol = errors.New("upstream_protocol_error")
	ErrClosed   = errors.New("upstream_closed")
)

// HTTPStatusError carries a non-2xx upstream status.
type HTTPStatusError struct {
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("upstream_http_%d", e.Status)
}

// ProgressParams mirrors the notifications/progress payload.
type ProgressParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// ProgressFunc observes progress notifications emitted while a call is in
// flight.
type ProgressFunc func(p ProgressParams)

// ServerInfo identifies an upstream implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult is the handshake response.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// listToolsResult is the tools/list response shape.
type listToolsResult struct {
	Tools      []*mcp.Tool `json:"tools"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

// callToolParams is the tools/call request shape.
type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Caller is the client-side view of one upstream server.
type Caller interface {
	// Initialize performs the protocol handshake.
	Initialize(ctx context.Context) (*InitializeResult, error)
	// ListTools enumerates the upstream catalog, following pagination.
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	// CallTool invokes a tool by its upstream name. onProgress may be nil.
	CallTool(ctx context.Context, name string, args map[string]any, onProgress ProgressFunc) (*mcp.CallToolResult, error)
	// HealthCheck probes liveness with an initialize round-trip.
	HealthCheck(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// initializeParams is the handshake request shape.
type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ClientInfo      ServerInfo      `json:"clientInfo"`
}

func newInitializeParams(gatewayName, gatewayVersion string) initializeParams {
	return initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    json.RawMessage(`{}`),
		ClientInfo:      ServerInfo{Name: gatewayName, Version: gatewayVersion},
	}
}
