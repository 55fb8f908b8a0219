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

// End-to-end coverage: a real gateway in front of a fake upstream MCP
// server, exercised through the streamable HTTP surface the way a client
// would use it.
package integrationtests

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gotest.tools/assert"

	"github.com/hatago-dev/hatago/internal/config"
	"github.com/hatago-dev/hatago/internal/gateway"
	"github.com/hatago-dev/hatago/internal/transport"
)

// fakeUpstream is a minimal MCP server over plain JSON responses.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg struct {
			ID     any             `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		assert.NilError(t, json.NewDecoder(r.Body).Decode(&msg))

		reply := func(result any) {
			raw, err := json.Marshal(result)
			assert.NilError(t, err)
			w.Header().Set("Content-Type", "application/json")
			assert.NilError(t, json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": msg.ID, "result": json.RawMessage(raw),
			}))
		}

		switch msg.Method {
		case "initialize":
			reply(map[string]any{
				"protocolVersion": "2025-06-18",
				"capabilities":    map[string]any{},
				"serverInfo":      map[string]any{"name": "fake-calc", "version": "1.0.0"},
			})
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
		case "tools/list":
			reply(map[string]any{"tools": []map[string]any{
				{"name": "add", "description": "Add two numbers"},
			}})
		case "tools/call":
			var params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			assert.NilError(t, json.Unmarshal(msg.Params, &params))
			assert.Equal(t, params.Name, "add")
			sum := params.Arguments["a"].(float64) + params.Arguments["b"].(float64)
			reply(map[string]any{"content": []map[string]any{
				{"type": "text", "text": fmt.Sprintf("%g", sum)},
			}})
		default:
			t.Fatalf("unexpected upstream method %s", msg.Method)
		}
	}))
}

// startGateway builds a gateway against the fake upstream and serves it.
func startGateway(t *testing.T) *httptest.Server {
	t.Helper()
	up := fakeUpstream(t)
	t.Cleanup(up.Close)

	cfg := config.Default()
	cfg.Name = "hatago-it"
	cfg.Upstreams = []*config.UpstreamConfig{
		{ID: "calc", URL: up.URL},
	}

	g := gateway.New(cfg, nil, nil)
	g.Startup(context.Background())
	t.Cleanup(g.Teardown)

	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return srv
}

// post sends one JSON-RPC request and returns the response payload parsed
// from the SSE body plus the HTTP response itself.
func post(t *testing.T, srv *httptest.Server, sessionID string, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", bytes.NewReader([]byte(body)))
	assert.NilError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(transport.SessionHeader, sessionID)
	}
	resp, err := srv.Client().Do(req)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	// The response rides in the last data: frame of the SSE body.
	var last map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]any
		assert.NilError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		if _, ok := frame["result"]; ok {
			last = frame
		}
		if _, ok := frame["error"]; ok {
			last = frame
		}
	}
	return resp, last
}

func initializeBody() string {
	return `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{
		"protocolVersion":"2025-06-18","capabilities":{},
		"clientInfo":{"name":"it-client","version":"0"}}}`
}

func TestFullClientFlow(t *testing.T) {
	srv := startGateway(t)

	// initialize opens a session.
	resp, reply := post(t, srv, "", initializeBody())
	sessionID := resp.Header.Get(transport.SessionHeader)
	assert.Equal(t, len(sessionID), 64)
	result := reply["result"].(map[string]any)
	serverInfo := result["serverInfo"].(map[string]any)
	assert.Equal(t, serverInfo["name"], "hatago-it")

	// tools/list shows the namespaced upstream tool next to the builtins.
	_, reply = post(t, srv, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	tools := reply["result"].(map[string]any)["tools"].([]any)
	names := map[string]bool{}
	for _, raw := range tools {
		names[raw.(map[string]any)["name"].(string)] = true
	}
	assert.Assert(t, names["calc:add"])
	assert.Assert(t, names["hatago_ping"])

	// tools/call fans out to the upstream under its original name.
	_, reply = post(t, srv, sessionID, `{"jsonrpc":"2.0","id":3,"method":"tools/call",
		"params":{"name":"calc:add","arguments":{"a":19,"b":23}}}`)
	content := reply["result"].(map[string]any)["content"].([]any)
	text := content[0].(map[string]any)
	assert.Equal(t, text["text"], "42")

	// Unknown tools come back as protocol errors, not transport failures.
	_, reply = post(t, srv, sessionID, `{"jsonrpc":"2.0","id":4,"method":"tools/call",
		"params":{"name":"calc:divide"}}`)
	rpcErr := reply["error"].(map[string]any)
	assert.Equal(t, rpcErr["message"], "Unknown tool: calc:divide")
}

func TestRequestWithoutSessionIsRejected(t *testing.T) {
	srv := startGateway(t)
	resp, _ := post(t, srv, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)
}

func TestHealthEndpointsServeAlongsideMCP(t *testing.T) {
	srv := startGateway(t)

	resp, err := srv.Client().Get(srv.URL + "/health/live")
	assert.NilError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	resp, err = srv.Client().Get(srv.URL + "/health/ready")
	assert.NilError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&ready))
	assert.Equal(t, ready.Status, "pass")
	assert.Equal(t, ready.Checks["upstream:calc"], "pass")
}

func TestDrainStopsNewSessions(t *testing.T) {
	srv := startGateway(t)

	// An established session first.
	resp, _ := post(t, srv, "", initializeBody())
	sessionID := resp.Header.Get(transport.SessionHeader)
	assert.Assert(t, sessionID != "")

	// Drain.
	drainResp, err := srv.Client().Post(srv.URL+"/drain", "application/json", nil)
	assert.NilError(t, err)
	defer func() { _ = drainResp.Body.Close() }()
	assert.Equal(t, drainResp.StatusCode, http.StatusOK)

	// New sessions are refused, the old one keeps working.
	resp, _ = post(t, srv, "", initializeBody())
	assert.Equal(t, resp.StatusCode, http.StatusServiceUnavailable)

	resp, reply := post(t, srv, sessionID, `{"jsonrpc":"2.0","id":5,"method":"tools/list"}`)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Assert(t, reply["result"] != nil)
}
