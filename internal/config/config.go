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

// Package config defines the gateway configuration value. The gateway core
// receives an already-validated *Config; parsing and validation happen once
// in Load.
package config

import (
	"fmt"
	"os"
	"time"
)

// Defaults applied by Normalize when a field is unset.
const (
	DefaultName            = "hatago"
	DefaultVersion         = "1.0.0"
	DefaultHost            = "127.0.0.1"
	DefaultPort            = "3000"
	DefaultSessionTTL      = 30 * time.Minute
	DefaultMaxSessions     = 1000
	DefaultCleanupInterval = 1 * time.Minute
	DefaultMaxMessageSize  = 4 * 1024 * 1024
	DefaultMaxQueueSize    = 256
	DefaultEventBufferSize = 512
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultGracefulTimeout = 10 * time.Second
	DefaultMaxRestarts     = 3
	DefaultRestartCooldown = 1 * time.Second
	DefaultStopGracePeriod = 5 * time.Second
)

// TransportMode selects how the gateway talks to its client.
type TransportMode string

const (
	// TransportHTTP serves the streamable HTTP endpoint.
	TransportHTTP TransportMode = "http"
	// TransportStdio frames the same protocol over stdin/stdout.
	TransportStdio TransportMode = "stdio"
)

// Config is the root configuration object.
type Config struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Transport selects http or stdio mode. Overridden by HATAGO_TRANSPORT.
	Transport TransportMode `json:"transport,omitempty" yaml:"transport,omitempty"`

	HTTP      HTTPSettings      `json:"http,omitempty" yaml:"http,omitempty"`
	Session   SessionSettings   `json:"session,omitempty" yaml:"session,omitempty"`
	Namespace NamespaceSettings `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	// Upstreams lists the MCP servers the gateway fans out to, in
	// enumeration order.
	Upstreams []*UpstreamConfig `json:"upstreams,omitempty" yaml:"upstreams,omitempty"`

	// Plugins lists the plugins the host loads at startup.
	Plugins []*PluginConfig `json:"plugins,omitempty" yaml:"plugins,omitempty"`

	// GracefulTimeoutMS bounds shutdown; overridden by GRACEFUL_TIMEOUT_MS.
	GracefulTimeoutMS int `json:"gracefulTimeoutMs,omitempty" yaml:"gracefulTimeoutMs,omitempty"`
}

// HTTPSettings configure the streamable HTTP listener.
type HTTPSettings struct {
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port string `json:"port,omitempty" yaml:"port,omitempty"`

	// MaxMessageSize bounds the accepted POST body, in bytes.
	MaxMessageSize int64 `json:"maxMessageSize,omitempty" yaml:"maxMessageSize,omitempty"`

	// MaxQueueSize bounds the per-session outbound event queue.
	MaxQueueSize int `json:"maxQueueSize,omitempty" yaml:"maxQueueSize,omitempty"`

	// EventBufferSize bounds the per-stream replay ring.
	EventBufferSize int `json:"eventBufferSize,omitempty" yaml:"eventBufferSize,omitempty"`

	// EnableDNSRebindingProtection turns on Host/Origin validation.
	EnableDNSRebindingProtection bool `json:"enableDnsRebindingProtection,omitempty" yaml:"enableDnsRebindingProtection,omitempty"`

	// AdminKeyFile points at the admin key file guarding management
	// endpoints. Empty leaves them open.
	AdminKeyFile string `json:"adminKeyFile,omitempty" yaml:"adminKeyFile,omitempty"`

	// AllowedHosts and AllowedOrigins feed the DNS-rebinding guard.
	AllowedHosts   []string `json:"allowedHosts,omitempty" yaml:"allowedHosts,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
}

// SessionSettings configure the session manager.
type SessionSettings struct {
	// TTLSeconds is the idle lifetime of a session.
	TTLSeconds int `json:"ttlSeconds,omitempty" yaml:"ttlSeconds,omitempty"`

	// MaxSessions caps concurrent sessions. Zero means "use default";
	// an explicit negative value rejects all sessions (useful in tests).
	MaxSessions int `json:"maxSessions,omitempty" yaml:"maxSessions,omitempty"`

	// CleanupIntervalSeconds is the sweep period for expired sessions.
	CleanupIntervalSeconds int `json:"cleanupIntervalSeconds,omitempty" yaml:"cleanupIntervalSeconds,omitempty"`
}

// TTL returns the session TTL as a duration.
func (s SessionSettings) TTL() time.Duration {
	if s.TTLSeconds <= 0 {
		return DefaultSessionTTL
	}
	return time.Duration(s.TTLSeconds) * time.Second
}

// CleanupInterval returns the sweep period as a duration.
func (s SessionSettings) CleanupInterval() time.Duration {
	if s.CleanupIntervalSeconds <= 0 {
		return DefaultCleanupInterval
	}
	return time.Duration(s.CleanupIntervalSeconds) * time.Second
}

// NamespaceSettings configure tool name composition and collision handling.
type NamespaceSettings struct {
	// Strategy is "prefix" (default), "suffix" or "none".
	Strategy string `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	// Separator joins namespace and base name. Defaults to ":".
	Separator string `json:"separator,omitempty" yaml:"separator,omitempty"`

	// ConflictResolution is "error" (default), "skip" or "rename".
	ConflictResolution string `json:"conflictResolution,omitempty" yaml:"conflictResolution,omitempty"`

	// CaseSensitive governs both glob matching and collision detection.
	CaseSensitive bool `json:"caseSensitive,omitempty" yaml:"caseSensitive,omitempty"`

	// MaxLength caps mapped tool names. Defaults to 64.
	MaxLength int `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`

	// PrefixFormat is an optional rename template; {server} and {index}
	// are substituted.
	PrefixFormat string `json:"prefixFormat,omitempty" yaml:"prefixFormat,omitempty"`
}

// AuthConfig describes how to authenticate against an upstream.
type AuthConfig struct {
	// Type is "bearer", "basic" or "custom".
	Type string `json:"type" yaml:"type"`

	// Token is the bearer token. Supports ${ENV_VAR} substitution.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`

	// Username and Password feed basic auth.
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// Headers are merged verbatim for custom auth.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// UpstreamConfig describes one upstream MCP server. Exactly one of URL or
// Command must be set.
type UpstreamConfig struct {
	// ID is unique per gateway instance.
	ID string `json:"id" yaml:"id"`

	// URL is the full endpoint of a remote upstream, including its MCP
	// path (for example http://localhost:3000/mcp). Requests are posted
	// to it verbatim.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Command plus Args launch the upstream as a supervised child process.
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	Auth *AuthConfig `json:"auth,omitempty" yaml:"auth,omitempty"`

	// TimeoutMS bounds each upstream call. Defaults to 30000.
	TimeoutMS int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`

	// Include, Exclude and Rename filter the upstream's tool catalog.
	// Patterns are globs; rename maps original name to a new base name.
	Include []string          `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string          `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Rename  map[string]string `json:"rename,omitempty" yaml:"rename,omitempty"`

	// Namespace overrides the default namespace (the upstream id).
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	// HealthCheck enables a periodic initialize probe.
	HealthCheck bool `json:"healthCheck,omitempty" yaml:"healthCheck,omitempty"`

	// RestartOnFailure and MaxRestarts bound subprocess supervision.
	RestartOnFailure bool `json:"restartOnFailure,omitempty" yaml:"restartOnFailure,omitempty"`
	MaxRestarts      int  `json:"maxRestarts,omitempty" yaml:"maxRestarts,omitempty"`
}

// Timeout returns the per-call timeout as a duration.
func (u *UpstreamConfig) Timeout() time.Duration {
	if u.TimeoutMS <= 0 {
		return DefaultUpstreamTimeout
	}
	return time.Duration(u.TimeoutMS) * time.Millisecond
}

// EffectiveNamespace returns the namespace for this upstream's tools.
func (u *UpstreamConfig) EffectiveNamespace() string {
	if u.Namespace != "" {
		return u.Namespace
	}
	return u.ID
}

// IsSubprocess reports whether the upstream is launched as a child process.
func (u *UpstreamConfig) IsSubprocess() bool {
	return u.Command != ""
}

// SubstitutedToken returns Auth.Token with ${ENV_VAR} expanded.
func (a *AuthConfig) SubstitutedToken() string {
	return os.Expand(a.Token, os.Getenv)
}

// SubstitutedHeaders returns Auth.Headers with ${ENV_VAR} expanded.
func (a *AuthConfig) SubstitutedHeaders() map[string]string {
	result := make(map[string]string, len(a.Headers))
	for k, v := range a.Headers {
		result[k] = os.Expand(v, os.Getenv)
	}
	return result
}

// PluginConfig names a plugin to load plus its manifest location.
type PluginConfig struct {
	// Name must match the manifest name.
	Name string `json:"name" yaml:"name"`

	// Manifest is the path to the plugin manifest file. When empty, the
	// manifest is looked up from the built-in plugin table.
	Manifest string `json:"manifest,omitempty" yaml:"manifest,omitempty"`

	Enabled bool `json:"enabled" yaml:"enabled"`
}

// GracefulTimeout returns the shutdown deadline as a duration.
func (c *Config) GracefulTimeout() time.Duration {
	if c.GracefulTimeoutMS <= 0 {
		return DefaultGracefulTimeout
	}
	return time.Duration(c.GracefulTimeoutMS) * time.Millisecond
}

// MaxSessions resolves the session cap, honoring the negative-means-zero
// convention documented on SessionSettings.
func (c *Config) MaxSessions() int {
	switch {
	case c.Session.MaxSessions < 0:
		return 0
	case c.Session.MaxSessions == 0:
		return DefaultMaxSessions
	default:
		return c.Session.MaxSessions
	}
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	return &Config{
		Name:      DefaultName,
		Version:   DefaultVersion,
		Transport: TransportHTTP,
		HTTP: HTTPSettings{
			Host:            DefaultHost,
			Port:            DefaultPort,
			MaxMessageSize:  DefaultMaxMessageSize,
			MaxQueueSize:    DefaultMaxQueueSize,
			EventBufferSize: DefaultEventBufferSize,
		},
		Namespace: NamespaceSettings{
			Strategy:           "prefix",
			Separator:          ":",
			ConflictResolution: "error",
			MaxLength:          64,
		},
	}
}

// Normalize fills unset fields with defaults. Called by Load; exposed for
// tests and embedders that build a Config in code.
func (c *Config) Normalize() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Transport == "" {
		c.Transport = TransportHTTP
	}
	if c.HTTP.Host == "" {
		c.HTTP.Host = DefaultHost
	}
	if c.HTTP.Port == "" {
		c.HTTP.Port = DefaultPort
	}
	if c.HTTP.MaxMessageSize <= 0 {
		c.HTTP.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.HTTP.MaxQueueSize <= 0 {
		c.HTTP.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.HTTP.EventBufferSize <= 0 {
		c.HTTP.EventBufferSize = DefaultEventBufferSize
	}
	if c.Namespace.Strategy == "" {
		c.Namespace.Strategy = "prefix"
	}
	if c.Namespace.Separator == "" {
		c.Namespace.Separator = ":"
	}
	if c.Namespace.ConflictResolution == "" {
		c.Namespace.ConflictResolution = "error"
	}
	if c.Namespace.MaxLength <= 0 {
		c.Namespace.MaxLength = 64
	}
	for _, u := range c.Upstreams {
		if u.IsSubprocess() && u.MaxRestarts == 0 {
			u.MaxRestarts = DefaultMaxRestarts
		}
	}
}

// Validate checks the configuration for structural errors. It must be
// called before the Config is handed to the gateway.
func Validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("configuration is required")
	}
	switch c.Transport {
	case TransportHTTP, TransportStdio:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", TransportHTTP, TransportStdio, c.Transport)
	}

	switch c.Namespace.Strategy {
	case "prefix", "suffix", "none":
	default:
		return fmt.Errorf("namespace.strategy must be prefix, suffix or none, got %q", c.Namespace.Strategy)
	}
	switch c.Namespace.ConflictResolution {
	case "error", "skip", "rename":
	default:
		return fmt.Errorf("namespace.conflictResolution must be error, skip or rename, got %q", c.Namespace.ConflictResolution)
	}

	seen := make(map[string]bool)
	for i, u := range c.Upstreams {
		if err := validateUpstream(i, u, seen); err != nil {
			return err
		}
	}

	pluginNames := make(map[string]bool)
	for _, p := range c.Plugins {
		if p.Name == "" {
			return fmt.Errorf("plugin name is required")
		}
		if pluginNames[p.Name] {
			return fmt.Errorf("plugin %q: duplicate plugin name", p.Name)
		}
		pluginNames[p.Name] = true
	}
	return nil
}

func validateUpstream(index int, u *UpstreamConfig, seen map[string]bool) error {
	if u == nil {
		return fmt.Errorf("upstream[%d]: empty entry", index)
	}
	if u.ID == "" {
		return fmt.Errorf("upstream[%d]: id is required", index)
	}
	if seen[u.ID] {
		return fmt.Errorf("upstream %q: duplicate id", u.ID)
	}
	seen[u.ID] = true

	if u.URL == "" && u.Command == "" {
		return fmt.Errorf("upstream %q: either url or command is required", u.ID)
	}
	if u.URL != "" && u.Command != "" {
		return fmt.Errorf("upstream %q: url and command are mutually exclusive", u.ID)
	}
	if u.Auth != nil {
		switch u.Auth.Type {
		case "bearer":
			if u.Auth.Token == "" {
				return fmt.Errorf("upstream %q: bearer auth requires a token", u.ID)
			}
		case "basic":
			if u.Auth.Username == "" {
				return fmt.Errorf("upstream %q: basic auth requires a username", u.ID)
			}
		case "custom":
			if len(u.Auth.Headers) == 0 {
				return fmt.Errorf("upstream %q: custom auth requires headers", u.ID)
			}
		default:
			return fmt.Errorf("upstream %q: auth type must be bearer, basic or custom, got %q", u.ID, u.Auth.Type)
		}
	}
	if u.MaxRestarts < 0 {
		return fmt.Errorf("upstream %q: maxRestarts must not be negative", u.ID)
	}
	return nil
}
