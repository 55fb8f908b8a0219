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

package discovery

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hatago-dev/hatago/internal/config"
)

// serverEntry is the union of the per-server shapes the known clients
// use. Claude-style files omit type and url; VS Code-style files carry a
// type discriminator.
type serverEntry struct {
	Type    string            `json:"type"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// configFile covers both top-level layouts: mcpServers (Claude Desktop,
// Claude Code, Cursor) and servers (VS Code).
type configFile struct {
	MCPServers map[string]serverEntry `json:"mcpServers"`
	Servers    map[string]serverEntry `json:"servers"`
}

// ParseFile reads one client config file and extracts its servers.
func ParseFile(path, source string) ([]Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, path, source)
}

// Parse extracts server candidates from raw config file content.
func Parse(data []byte, path, source string) ([]Candidate, error) {
	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("not a recognized config format: %w", err)
	}

	servers := file.MCPServers
	if len(servers) == 0 {
		servers = file.Servers
	}

	var candidates []Candidate
	for name, entry := range servers {
		upstream, ok := toUpstream(entry)
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{
			Name:       name,
			Source:     source,
			SourcePath: path,
			Upstream:   upstream,
		})
	}
	return candidates, nil
}

// toUpstream translates one client server entry into gateway upstream
// configuration. Entries with neither a command nor a URL are dropped;
// so are entries whose explicit type contradicts their fields.
func toUpstream(entry serverEntry) (*config.UpstreamConfig, bool) {
	switch entry.Type {
	case "", "stdio", "http":
	default:
		return nil, false
	}

	u := &config.UpstreamConfig{}
	switch {
	case entry.URL != "" && entry.Type != "stdio":
		u.URL = entry.URL
		if len(entry.Headers) > 0 {
			u.Auth = &config.AuthConfig{Type: "custom", Headers: entry.Headers}
		}
	case entry.Command != "" && entry.Type != "http":
		u.Command = entry.Command
		u.Args = entry.Args
		u.Env = entry.Env
	default:
		return nil, false
	}
	return u, true
}
