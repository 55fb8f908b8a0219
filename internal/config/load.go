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

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, parses, normalizes and validates a configuration file. JSON
// and YAML are supported, selected by file extension (.yaml/.yml → YAML,
// anything else → JSON). Environment overrides are applied last.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found at %s", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv()
	cfg.Normalize()
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from the environment variables recognized by
// the core: HATAGO_TRANSPORT, PORT, HOSTNAME and GRACEFUL_TIMEOUT_MS.
// LOG_LEVEL and friends are consumed by the logging package directly.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("HATAGO_TRANSPORT"); v != "" {
		c.Transport = TransportMode(strings.ToLower(v))
	}
	if v := os.Getenv("PORT"); v != "" {
		c.HTTP.Port = v
	}
	if v := os.Getenv("HOSTNAME"); v != "" {
		c.HTTP.Host = v
	}
	if v := os.Getenv("GRACEFUL_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.GracefulTimeoutMS = ms
		}
	}
}

// Save writes the configuration as formatted JSON. Used by the scaffolder
// and by tests.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is required")
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
