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

// Package namespace maps upstream tool catalogs onto the gateway's unified,
// collision-free tool surface.
package namespace

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hatago-dev/hatago/internal/config"
	"github.com/hatago-dev/hatago/internal/logging"
)

// Registration failure kinds. Excluded and skipped tools are expected
// outcomes of filtering; conflict and validity failures indicate a
// configuration problem.
var (
	ErrExcluded    = errors.New("excluded")
	ErrSkipped     = errors.New("skipped")
	ErrConflict    = errors.New("conflict")
	ErrNameInvalid = errors.New("name_invalid")
	ErrNameTooLong = errors.New("name_too_long")
)

// validName matches the characters permitted in a mapped tool name.
var validName = regexp.MustCompile(`^[A-Za-z0-9_:.\-]+$`)

// maxRenameAttempts bounds the numbered-suffix collision search.
const maxRenameAttempts = 100

// ToolMapping records one admitted tool. Unique by MappedName under the
// active case policy.
type ToolMapping struct {
	OriginalName string
	MappedName   string
	Namespace    string
	ServerID     string
	Tool         *mcp.Tool
}

// Conflict records a collision observed during registration, regardless of
// how it was resolved.
type Conflict struct {
	ServerID     string
	OriginalName string
	Candidate    string
	Resolution   string
}

// Stats summarizes the mapping table.
type Stats struct {
	Total     int
	Conflicts int
	PerServer map[string]int
}

// Manager owns the tool mapping table. Mutations are serialized; lookups
// take a read lock so the hot path stays cheap once startup enumeration is
// done.
type Manager struct {
	mu        sync.RWMutex
	opts      config.NamespaceSettings
	mappings  map[string]*ToolMapping // key: case-folded mapped name
	order     []string                // insertion order of keys
	conflicts []Conflict
	logger    *logging.Logger
}

// NewManager creates a namespace manager with the given settings.
func NewManager(opts config.NamespaceSettings, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		opts:     opts,
		mappings: make(map[string]*ToolMapping),
		logger:   logger,
	}
}

// key folds a mapped name according to the case policy. The same flag
// governs glob matching and collision detection.
func (m *Manager) key(name string) string {
	if m.opts.CaseSensitive {
		return name
	}
	return strings.ToLower(name)
}

// Register admits one upstream tool. The pipeline is: filter, rename,
// namespace, validate, resolve collision, insert. Failures return one of
// the package sentinel errors, wrapped with context.
func (m *Manager) Register(upstream *config.UpstreamConfig, tool *mcp.Tool) (*ToolMapping, error) {
	if tool == nil || tool.Name == "" {
		return nil, fmt.Errorf("%w: empty tool name", ErrNameInvalid)
	}

	// 1. Filter.
	if matchAny(upstream.Exclude, tool.Name, m.opts.CaseSensitive) {
		return nil, fmt.Errorf("%w: tool %q matches an exclude pattern", ErrExcluded, tool.Name)
	}
	if len(upstream.Include) > 0 && !matchAny(upstream.Include, tool.Name, m.opts.CaseSensitive) {
		return nil, fmt.Errorf("%w: tool %q matches no include pattern", ErrExcluded, tool.Name)
	}

	// 2. Rename.
	base := tool.Name
	if renamed, ok := upstream.Rename[tool.Name]; ok && renamed != "" {
		base = renamed
	}

	// 3. Namespace strategy.
	ns := upstream.EffectiveNamespace()
	candidate := m.compose(ns, base)

	// 4. Validate.
	if !validName.MatchString(candidate) {
		return nil, fmt.Errorf("%w: %q contains characters outside [A-Za-z0-9_:.-]", ErrNameInvalid, candidate)
	}
	if len(candidate) > m.opts.MaxLength {
		return nil, fmt.Errorf("%w: %q exceeds %d characters", ErrNameTooLong, candidate, m.opts.MaxLength)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 5. Resolve collision.
	final := candidate
	if _, taken := m.mappings[m.key(candidate)]; taken {
		resolved, err := m.resolveCollision(upstream, base, candidate)
		if err != nil {
			return nil, err
		}
		final = resolved
	}

	// 6. Register.
	mapping := &ToolMapping{
		OriginalName: tool.Name,
		MappedName:   final,
		Namespace:    ns,
		ServerID:     upstream.ID,
		Tool:         tool,
	}
	m.mappings[m.key(final)] = mapping
	m.order = append(m.order, m.key(final))
	m.logger.Log(logging.LevelDebug, "registered tool mapping", map[string]any{
		"server":   upstream.ID,
		"original": tool.Name,
		"mapped":   final,
	})
	return mapping, nil
}

func (m *Manager) compose(ns, base string) string {
	sep := m.opts.Separator
	switch m.opts.Strategy {
	case "suffix":
		return base + sep + ns
	case "none":
		return base
	default: // prefix
		return ns + sep + base
	}
}

// resolveCollision applies the configured policy. Callers hold m.mu.
func (m *Manager) resolveCollision(upstream *config.UpstreamConfig, base, candidate string) (string, error) {
	record := func(resolution string) {
		m.conflicts = append(m.conflicts, Conflict{
			ServerID:     upstream.ID,
			OriginalName: base,
			Candidate:    candidate,
			Resolution:   resolution,
		})
	}

	switch m.opts.ConflictResolution {
	case "skip":
		record("skip")
		return "", fmt.Errorf("%w: %q already registered", ErrSkipped, candidate)
	case "rename":
		if m.opts.PrefixFormat != "" {
			prefixed := m.applyPrefixFormat(upstream, base)
			if _, taken := m.mappings[m.key(prefixed)]; !taken && len(prefixed) <= m.opts.MaxLength {
				record("rename")
				return prefixed, nil
			}
		}
		for n := 2; n <= maxRenameAttempts; n++ {
			renamed := fmt.Sprintf("%s%s%d", candidate, m.opts.Separator, n)
			if len(renamed) > m.opts.MaxLength {
				break
			}
			if _, taken := m.mappings[m.key(renamed)]; !taken {
				record("rename")
				return renamed, nil
			}
		}
		record("rename_failed")
		return "", fmt.Errorf("%w: could not find a free name for %q after %d attempts", ErrConflict, candidate, maxRenameAttempts)
	default: // error
		record("error")
		return "", fmt.Errorf("%w: %q already registered", ErrConflict, candidate)
	}
}

func (m *Manager) applyPrefixFormat(upstream *config.UpstreamConfig, base string) string {
	prefix := strings.NewReplacer(
		"{server}", upstream.ID,
		"{index}", fmt.Sprintf("%d", len(m.mappings)),
	).Replace(m.opts.PrefixFormat)
	return prefix + m.opts.Separator + base
}

// RegisterDirect admits a tool under its exact name, bypassing filtering
// and the namespace strategy. Used for gateway-local tools, which still
// share the collision domain with upstream mappings.
func (m *Manager) RegisterDirect(serverID string, tool *mcp.Tool) (*ToolMapping, error) {
	if tool == nil || tool.Name == "" {
		return nil, fmt.Errorf("%w: empty tool name", ErrNameInvalid)
	}
	if !validName.MatchString(tool.Name) {
		return nil, fmt.Errorf("%w: %q contains characters outside [A-Za-z0-9_:.-]", ErrNameInvalid, tool.Name)
	}
	if len(tool.Name) > m.opts.MaxLength {
		return nil, fmt.Errorf("%w: %q exceeds %d characters", ErrNameTooLong, tool.Name, m.opts.MaxLength)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.mappings[m.key(tool.Name)]; taken {
		return nil, fmt.Errorf("%w: %q already registered", ErrConflict, tool.Name)
	}
	mapping := &ToolMapping{
		OriginalName: tool.Name,
		MappedName:   tool.Name,
		ServerID:     serverID,
		Tool:         tool,
	}
	m.mappings[m.key(tool.Name)] = mapping
	m.order = append(m.order, m.key(tool.Name))
	return mapping, nil
}

// Resolve looks up a mapping by its client-visible name.
func (m *Manager) Resolve(mappedName string) (*ToolMapping, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mapping, ok := m.mappings[m.key(mappedName)]
	return mapping, ok
}

// Mappings returns all mappings in registration order.
func (m *Manager) Mappings() []*ToolMapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*ToolMapping, 0, len(m.order))
	for _, k := range m.order {
		if mapping, ok := m.mappings[k]; ok {
			result = append(result, mapping)
		}
	}
	return result
}

// RemoveServer invalidates every mapping owned by the given upstream.
// Returns the number of removed mappings.
func (m *Manager) RemoveServer(serverID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	kept := m.order[:0]
	for _, k := range m.order {
		mapping, ok := m.mappings[k]
		if !ok {
			continue
		}
		if mapping.ServerID == serverID {
			delete(m.mappings, k)
			removed++
			continue
		}
		kept = append(kept, k)
	}
	m.order = kept
	return removed
}

// Clear drops every mapping and recorded conflict.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings = make(map[string]*ToolMapping)
	m.order = nil
	m.conflicts = nil
}

// Stats reports totals, conflicts and per-server counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		Total:     len(m.mappings),
		Conflicts: len(m.conflicts),
		PerServer: make(map[string]int),
	}
	for _, mapping := range m.mappings {
		stats.PerServer[mapping.ServerID]++
	}
	return stats
}

// Conflicts returns the recorded collisions.
func (m *Manager) Conflicts() []Conflict {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Conflict(nil), m.conflicts...)
}

// matchAny reports whether name matches any of the glob patterns.
// `*` matches any run of characters and `?` a single character. Patterns
// are not anchored, so `debug.*` also hits `calc.debug.dump`.
func matchAny(patterns []string, name string, caseSensitive bool) bool {
	for _, p := range patterns {
		if globMatch(p, name, caseSensitive) {
			return true
		}
	}
	return false
}

func globMatch(pattern, name string, caseSensitive bool) bool {
	var b strings.Builder
	if !caseSensitive {
		b.WriteString("(?i)")
	}
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(name)
}
