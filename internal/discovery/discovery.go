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

// Package discovery finds MCP servers already configured for other
// clients (Claude Desktop, VS Code, Cursor and the like) so they can be
// imported as gateway upstreams.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hatago-dev/hatago/internal/config"
	"github.com/hatago-dev/hatago/internal/logging"
)

// Candidate is one server found in a client configuration file.
type Candidate struct {
	// Name is the server's name in the source file.
	Name string

	// Source labels the client the config belongs to.
	Source string

	// SourcePath is the absolute path of the file the server came from.
	SourcePath string

	// Upstream is the server translated into gateway configuration.
	Upstream *config.UpstreamConfig
}

// knownFiles maps config file locations, relative to a scan root, to the
// client they belong to. Scanning checks these paths directly instead of
// walking the whole tree.
var knownFiles = []struct {
	relPath string
	source  string
}{
	{".mcp.json", "claude-code"},
	{"claude_desktop_config.json", "claude-desktop"},
	{filepath.Join("Claude", "claude_desktop_config.json"), "claude-desktop"},
	{filepath.Join(".vscode", "mcp.json"), "vscode"},
	{filepath.Join(".cursor", "mcp.json"), "cursor"},
	{filepath.Join(".continue", "config.json"), "continue"},
	{"mcp.json", "generic"},
}

// Scanner locates and parses client configuration files.
type Scanner struct {
	logger *logging.Logger
}

// NewScanner creates a scanner.
func NewScanner(logger *logging.Logger) *Scanner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scanner{logger: logger}
}

// Scan checks every known config location under each root and collects
// the servers found there. Unreadable or malformed files are logged and
// skipped; a Scan over readable roots never fails.
func (s *Scanner) Scan(roots []string) []Candidate {
	var candidates []Candidate
	seen := map[string]bool{} // absolute file paths already parsed

	for _, root := range roots {
		for _, known := range knownFiles {
			path := filepath.Join(root, known.relPath)
			abs, err := filepath.Abs(path)
			if err != nil || seen[abs] {
				continue
			}
			if _, err := os.Stat(abs); err != nil {
				continue
			}
			seen[abs] = true

			found, err := ParseFile(abs, known.source)
			if err != nil {
				s.logger.Log(logging.LevelDebug, "skipping unparsable config", map[string]any{
					"path":  abs,
					"error": err.Error(),
				})
				continue
			}
			candidates = append(candidates, found...)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Name < candidates[j].Name
	})
	return candidates
}

// DefaultRoots returns the locations scanned when the caller names none:
// the working directory plus the per-user config dirs of known clients.
func DefaultRoots() []string {
	roots := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots,
			home,
			filepath.Join(home, ".config"),
			filepath.Join(home, "Library", "Application Support"),
		)
	}
	return roots
}

// Merge adds candidates to a gateway config, skipping ids that already
// exist. Returns the upstreams actually added.
func Merge(cfg *config.Config, candidates []Candidate) []*config.UpstreamConfig {
	existing := map[string]bool{}
	for _, u := range cfg.Upstreams {
		existing[u.ID] = true
	}

	var added []*config.UpstreamConfig
	for _, c := range candidates {
		id := upstreamID(c)
		if existing[id] {
			continue
		}
		existing[id] = true
		u := *c.Upstream
		u.ID = id
		cfg.Upstreams = append(cfg.Upstreams, &u)
		added = append(added, &u)
	}
	return added
}

// upstreamID derives a config id from a candidate name. Characters the
// namespace layer would reject are folded to underscores.
func upstreamID(c Candidate) string {
	var b strings.Builder
	for _, r := range c.Name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return fmt.Sprintf("%s-import", c.Source)
	}
	return b.String()
}
