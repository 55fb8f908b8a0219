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

// Package plugin hosts in-process extensions. Plugins declare their needs
// in a manifest, receive a capability set scoped to that manifest and
// register tools and HTTP handlers through the host context.
package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hatago-dev/hatago/internal/capability"
)

// Failure classes for plugin loading and execution.
var (
	ErrManifestInvalid       = errors.New("manifest_invalid")
	ErrCapabilityUnavailable = errors.New("capability_unavailable")
	ErrEntryLoadFailed       = errors.New("entry_load_failed")
	ErrRuntime               = errors.New("plugin_runtime")
)

// Engines pins the host version range a plugin supports.
type Engines struct {
	Hatago string `json:"hatago"`
}

// Entry names the factory that constructs the plugin.
type Entry struct {
	Default string `json:"default"`
}

// Manifest describes one plugin.
type Manifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Engines      Engines  `json:"engines"`
	Capabilities []string `json:"capabilities"`
	Entry        Entry    `json:"entry"`
}

// rawManifest defers capabilities decoding so a non-array value gets its
// own validation error instead of a generic JSON one.
type rawManifest struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Description  string          `json:"description"`
	Engines      Engines         `json:"engines"`
	Capabilities json.RawMessage `json:"capabilities"`
	Entry        Entry           `json:"entry"`
}

// ParseManifest decodes and validates manifest JSON. Each defect produces
// a specific error wrapping ErrManifestInvalid or
// ErrCapabilityUnavailable.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrManifestInvalid)
	}
	if raw.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrManifestInvalid)
	}
	if raw.Description == "" {
		return nil, fmt.Errorf("%w: missing description", ErrManifestInvalid)
	}
	if raw.Engines.Hatago == "" {
		return nil, fmt.Errorf("%w: missing engines.hatago", ErrManifestInvalid)
	}

	m := &Manifest{
		Name:        raw.Name,
		Version:     raw.Version,
		Description: raw.Description,
		Engines:     raw.Engines,
		Entry:       raw.Entry,
	}
	if len(raw.Capabilities) > 0 {
		trimmed := bytes.TrimSpace(raw.Capabilities)
		if len(trimmed) == 0 || trimmed[0] != '[' {
			return nil, fmt.Errorf("%w: capabilities must be an array", ErrManifestInvalid)
		}
		if err := json.Unmarshal(trimmed, &m.Capabilities); err != nil {
			return nil, fmt.Errorf("%w: capabilities must be an array of strings", ErrManifestInvalid)
		}
	}
	if m.Entry.Default == "" {
		return nil, fmt.Errorf("%w: missing entry.default", ErrManifestInvalid)
	}
	for _, name := range m.Capabilities {
		if !capability.Known(name) {
			return nil, fmt.Errorf("%w: unavailable capability: %s", ErrCapabilityUnavailable, name)
		}
	}
	return m, nil
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	return ParseManifest(data)
}
