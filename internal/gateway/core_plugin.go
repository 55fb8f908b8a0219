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
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hatago-dev/hatago/internal/plugin"
)

// coreFactoryName is the entry the builtin manifest points at.
const coreFactoryName = "hatago.core"

// coreManifest describes the plugin every gateway ships with.
func coreManifest() *plugin.Manifest {
	return &plugin.Manifest{
		Name:         "hatago-core",
		Version:      "1.0.0",
		Description:  "Builtin gateway tools",
		Engines:      plugin.Engines{Hatago: ">=1.0.0"},
		Capabilities: []string{"crypto", "kv"},
		Entry:        plugin.Entry{Default: coreFactoryName},
	}
}

// corePlugin provides the gateway's own tools: a liveness ping and a
// per-session memo store.
type corePlugin struct{}

func (corePlugin) Stop(ctx context.Context) error { return nil }

func newCorePlugin(hctx *plugin.Context) (plugin.Instance, error) {
	crypto, err := hctx.Caps().Crypto()
	if err != nil {
		return nil, err
	}

	ping := &mcp.Tool{
		Name:        "hatago_ping",
		Description: "Check gateway liveness",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}
	err = hctx.RegisterTool(ping, func(ctx context.Context, store plugin.SessionStore, args map[string]any) (*mcp.CallToolResult, error) {
		payload, err := json.Marshal(map[string]any{
			"pong": true,
			"time": time.Now().UTC().Format(time.RFC3339),
			"id":   crypto.RandomUUID(),
		})
		if err != nil {
			return nil, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	memo := &mcp.Tool{
		Name:        "hatago_memo",
		Description: "Store and recall short notes scoped to the current session",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"action": {Type: "string", Enum: []any{"set", "get", "delete"}},
				"key":    {Type: "string"},
				"value":  {Type: "string"},
			},
			Required: []string{"action", "key"},
		},
	}
	err = hctx.RegisterTool(memo, func(ctx context.Context, store plugin.SessionStore, args map[string]any) (*mcp.CallToolResult, error) {
		action, _ := args["action"].(string)
		key, _ := args["key"].(string)
		if key == "" {
			return nil, fmt.Errorf("key is required")
		}
		switch action {
		case "set":
			value, _ := args["value"].(string)
			if err := store.Set(key, value); err != nil {
				return nil, err
			}
			return textResult("stored"), nil
		case "get":
			value, ok, err := store.Get(key)
			if err != nil {
				return nil, err
			}
			if !ok {
				return textResult(""), nil
			}
			s, _ := value.(string)
			return textResult(s), nil
		case "delete":
			if err := store.Delete(key); err != nil {
				return nil, err
			}
			return textResult("deleted"), nil
		default:
			return nil, fmt.Errorf("unknown action %q", action)
		}
	})
	if err != nil {
		return nil, err
	}

	return corePlugin{}, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
