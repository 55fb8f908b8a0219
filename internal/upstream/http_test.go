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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gotest.tools/assert"

	"github.com/hatago-dev/hatago/internal/config"
	"github.com/hatago-dev/hatago/internal/jsonrpc"
)

func decodeRequest(t *testing.T, r *http.Request) *jsonrpc.Message {
	t.Helper()
	var msg jsonrpc.Message
	assert.NilError(t, json.NewDecoder(r.Body).Decode(&msg))
	return &msg
}

func writeResult(t *testing.T, w http.ResponseWriter, id any, result any) {
	t.Helper()
	raw, err := json.Marshal(result)
	assert.NilError(t, err)
	resp := map[string]any{"jsonrpc": "2.0", "id": id, "result": json.RawMessage(raw)}
	w.Header().Set("Content-Type", "application/json")
	assert.NilError(t, json.NewEncoder(w).Encode(resp))
}

func initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"serverInfo":      map[string]any{"name": "fake-upstream", "version": "0.1.0"},
	}
}

func newClient(t *testing.T, url string, auth *config.AuthConfig) *HTTPClient {
	t.Helper()
	client, err := NewHTTPClient(&config.UpstreamConfig{
		ID:   "fake",
		URL:  url,
		Auth: auth,
	}, "hatago", "test", nil)
	assert.NilError(t, err)
	return client
}

func TestInitializeHandshake(t *testing.T) {
	// Given: an upstream that answers initialize and accepts the
	// initialized notification
	var sawInitialized bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := decodeRequest(t, r)
		switch msg.Method {
		case "initialize":
			var params initializeParams
			assert.NilError(t, json.Unmarshal(msg.Params, &params))
			assert.Equal(t, params.ProtocolVersion, ProtocolVersion)
			assert.Equal(t, params.ClientInfo.Name, "hatago")
			writeResult(t, w, msg.ID, initializeResult())
		case "notifications/initialized":
			sawInitialized = true
			w.WriteHeader(http.StatusAccepted)
		default:
			t.Fatalf("unexpected method %s", msg.Method)
		}
	}))
	defer srv.Close()

	// When: initializing
	result, err := newClient(t, srv.URL, nil).Initialize(context.Background())

	// Then: the handshake completes and the follow-up notification lands
	assert.NilError(t, err)
	assert.Equal(t, result.ServerInfo.Name, "fake-upstream")
	assert.Assert(t, sawInitialized)
}

func TestBearerAuthHeaderIsStamped(t *testing.T) {
	t.Setenv("FAKE_TOKEN", "s3cret")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.Header.Get("Authorization"), "Bearer s3cret")
		msg := decodeRequest(t, r)
		if msg.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeResult(t, w, msg.ID, initializeResult())
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, &config.AuthConfig{Type: "bearer", Token: "${FAKE_TOKEN}"})
	_, err := client.Initialize(context.Background())
	assert.NilError(t, err)
}

func TestBasicAuthIsApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.Assert(t, ok)
		assert.Equal(t, user, "alice")
		assert.Equal(t, pass, "wonder")
		msg := decodeRequest(t, r)
		if msg.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeResult(t, w, msg.ID, initializeResult())
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, &config.AuthConfig{Type: "basic", Username: "alice", Password: "wonder"})
	_, err := client.Initialize(context.Background())
	assert.NilError(t, err)
}

func TestCustomHeadersAreApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.Header.Get("X-Api-Key"), "key-123")
		msg := decodeRequest(t, r)
		if msg.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeResult(t, w, msg.ID, initializeResult())
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, &config.AuthConfig{
		Type:    "custom",
		Headers: map[string]string{"X-Api-Key": "key-123"},
	})
	_, err := client.Initialize(context.Background())
	assert.NilError(t, err)
}

func TestUnsupportedAuthType(t *testing.T) {
	_, err := NewHTTPClient(&config.UpstreamConfig{
		ID:   "fake",
		URL:  "http://localhost:1",
		Auth: &config.AuthConfig{Type: "kerberos"},
	}, "hatago", "test", nil)
	assert.ErrorContains(t, err, "unsupported auth type")
}

func TestSessionIDIsEchoedBack(t *testing.T) {
	// Given: an upstream that assigns a session id on initialize
	var gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := decodeRequest(t, r)
		switch msg.Method {
		case "initialize":
			w.Header().Set("Mcp-Session-Id", "upstream-session-1")
			writeResult(t, w, msg.ID, initializeResult())
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
		case "tools/list":
			gotSession = r.Header.Get("Mcp-Session-Id")
			writeResult(t, w, msg.ID, map[string]any{"tools": []any{}})
		}
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, nil)
	_, err := client.Initialize(context.Background())
	assert.NilError(t, err)

	// When: making a follow-up call
	_, err = client.ListTools(context.Background())
	assert.NilError(t, err)

	// Then: the assigned id rides along
	assert.Equal(t, gotSession, "upstream-session-1")
}

func TestListToolsFollowsPagination(t *testing.T) {
	// Given: a catalog split across two pages
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := decodeRequest(t, r)
		var params struct {
			Cursor string `json:"cursor"`
		}
		if len(msg.Params) > 0 {
			assert.NilError(t, json.Unmarshal(msg.Params, &params))
		}
		if params.Cursor == "" {
			writeResult(t, w, msg.ID, map[string]any{
				"tools":      []map[string]any{{"name": "alpha"}},
				"nextCursor": "page-2",
			})
			return
		}
		assert.Equal(t, params.Cursor, "page-2")
		writeResult(t, w, msg.ID, map[string]any{
			"tools": []map[string]any{{"name": "beta"}},
		})
	}))
	defer srv.Close()

	// When: listing
	tools, err := newClient(t, srv.URL, nil).ListTools(context.Background())

	// Then: both pages are stitched together in order
	assert.NilError(t, err)
	assert.Equal(t, len(tools), 2)
	assert.Equal(t, tools[0].Name, "alpha")
	assert.Equal(t, tools[1].Name, "beta")
}

func TestCallToolOverEventStream(t *testing.T) {
	// Given: an upstream that streams progress before the final response
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := decodeRequest(t, r)
		var params callToolParams
		assert.NilError(t, json.Unmarshal(msg.Params, &params))
		assert.Equal(t, params.Name, "slow_tool")

		w.Header().Set("Content-Type", "text/event-stream")
		id, err := json.Marshal(msg.ID)
		assert.NilError(t, err)
		fmt.Fprint(w, "event: message\n")
		fmt.Fprint(w, `data: {"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"tok","progress":1,"total":2}}`+"\n\n")
		fmt.Fprint(w, "event: message\n")
		fmt.Fprint(w, `data: {"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"tok","progress":2,"total":2}}`+"\n\n")
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%s,\"result\":{\"content\":[{\"type\":\"text\",\"text\":\"done\"}]}}\n\n", id)
	}))
	defer srv.Close()

	// When: calling with a progress observer
	var progress []float64
	result, err := newClient(t, srv.URL, nil).CallTool(context.Background(), "slow_tool", nil, func(p ProgressParams) {
		progress = append(progress, p.Progress)
	})

	// Then: progress arrived in order and the final result decoded
	assert.NilError(t, err)
	assert.DeepEqual(t, progress, []float64{1, 2})
	text := result.Content[0].(*mcp.TextContent)
	assert.Equal(t, text.Text, "done")
}

func TestAuthFailureIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, nil).Initialize(context.Background())
	assert.Assert(t, errors.Is(err, ErrAuth))
}

func TestServerErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, nil).Initialize(context.Background())
	var statusErr *HTTPStatusError
	assert.Assert(t, errors.As(err, &statusErr))
	assert.Equal(t, statusErr.Status, http.StatusBadGateway)
	assert.Equal(t, statusErr.Error(), "upstream_http_502")
}

func TestUpstreamErrorResponseSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := decodeRequest(t, r)
		resp := map[string]any{
			"jsonrpc": "2.0",
			"id":      msg.ID,
			"error":   map[string]any{"code": -32602, "message": "no such tool"},
		}
		w.Header().Set("Content-Type", "application/json")
		assert.NilError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, nil).CallTool(context.Background(), "missing", nil, nil)
	var rpcErr *jsonrpc.Error
	assert.Assert(t, errors.As(err, &rpcErr))
	assert.Equal(t, rpcErr.Code, jsonrpc.CodeInvalidParams)
	assert.ErrorContains(t, err, "no such tool")
}

func TestMatchesID(t *testing.T) {
	assert.Assert(t, matchesID(float64(7), 7))
	assert.Assert(t, matchesID("7", 7))
	assert.Assert(t, matchesID(json.Number("7"), 7))
	assert.Assert(t, !matchesID(float64(8), 7))
	assert.Assert(t, !matchesID(nil, 7))
	assert.Assert(t, !matchesID(true, 7))
}
