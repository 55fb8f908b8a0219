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

package plugin

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hatago-dev/hatago/internal/capability"
	"github.com/hatago-dev/hatago/internal/logging"
	"github.com/hatago-dev/hatago/internal/session"
)

// SessionStore is a plugin's view of one session's key/value data. Keys
// are namespaced per plugin, so two plugins never observe each other's
// values.
type SessionStore interface {
	Get(key string) (any, bool, error)
	Set(key string, value any) error
	Delete(key string) error
}

// ToolHandler executes one local tool call.
type ToolHandler func(ctx context.Context, store SessionStore, args map[string]any) (*mcp.CallToolResult, error)

// Instance is a constructed plugin. Stop releases its resources.
type Instance interface {
	Stop(ctx context.Context) error
}

// Factory constructs a plugin from the context the host hands it. The
// manifest's entry.default names a registered factory.
type Factory func(hctx *Context) (Instance, error)

// LocalTool pairs a tool definition with its handler.
type LocalTool struct {
	PluginName string
	Tool       *mcp.Tool
	Handler    ToolHandler
}

// Context is passed to a factory at construction. It exposes exactly the
// capability set the manifest declared plus the registration surface.
type Context struct {
	manifest *Manifest
	caps     *capability.Set
	host     *Host
}

// Manifest returns the plugin's validated manifest.
func (c *Context) Manifest() *Manifest { return c.manifest }

// Caps returns the plugin's capability set.
func (c *Context) Caps() *capability.Set { return c.caps }

// RegisterTool exposes a tool on the gateway's unified surface.
func (c *Context) RegisterTool(tool *mcp.Tool, handler ToolHandler) error {
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("%w: tool requires a name", ErrRuntime)
	}
	if handler == nil {
		return fmt.Errorf("%w: tool %q requires a handler", ErrRuntime, tool.Name)
	}
	return c.host.addTool(&LocalTool{PluginName: c.manifest.Name, Tool: tool, Handler: handler})
}

// RegisterHTTP mounts a handler under /plugins/<plugin>/<pattern>.
func (c *Context) RegisterHTTP(pattern string, handler http.Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler for pattern %q", ErrRuntime, pattern)
	}
	return c.host.addHTTP(c.manifest.Name, pattern, handler)
}

// loaded is one plugin's runtime record.
type loaded struct {
	manifest *Manifest
	state    State
	err      error
	instance Instance
	caps     *capability.Set
}

// Host loads plugins and owns the local tool table.
type Host struct {
	registry *capability.Registry
	sessions *session.Manager
	logger   *logging.Logger

	mu        sync.Mutex
	factories map[string]Factory
	plugins   map[string]*loaded
	tools     map[string]*LocalTool
	toolOrder []string
	http      map[string]http.Handler // "/plugins/<name>/<pattern>"
}

// NewHost creates a plugin host.
func NewHost(registry *capability.Registry, sessions *session.Manager, logger *logging.Logger) *Host {
	if logger == nil {
		logger = logging.Default()
	}
	return &Host{
		registry:  registry,
		sessions:  sessions,
		logger:    logger,
		factories: make(map[string]Factory),
		plugins:   make(map[string]*loaded),
		tools:     make(map[string]*LocalTool),
		http:      make(map[string]http.Handler),
	}
}

// RegisterFactory makes a factory available to manifests under name.
func (h *Host) RegisterFactory(name string, factory Factory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.factories[name] = factory
}

// Load drives one plugin through its lifecycle: idle → loading, then
// running on success or error on failure. Failures are isolated to the
// plugin.
func (h *Host) Load(manifest *Manifest) error {
	h.mu.Lock()
	if _, exists := h.plugins[manifest.Name]; exists {
		h.mu.Unlock()
		return fmt.Errorf("%w: plugin %q already loaded", ErrRuntime, manifest.Name)
	}
	p := &loaded{manifest: manifest, state: StateIdle}
	h.plugins[manifest.Name] = p
	factory, haveFactory := h.factories[manifest.Entry.Default]
	h.mu.Unlock()

	advance := func(ev LifecycleEvent) []Effect {
		h.mu.Lock()
		defer h.mu.Unlock()
		next, effects := Step(p.state, ev)
		p.state = next
		return effects
	}

	construct := func() error {
		if !haveFactory {
			return fmt.Errorf("%w: no factory registered as %q", ErrEntryLoadFailed, manifest.Entry.Default)
		}
		caps, err := h.registry.For(manifest.Name, manifest.Capabilities)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
		}
		p.caps = caps
		instance, err := factory(&Context{manifest: manifest, caps: caps, host: h})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEntryLoadFailed, err)
		}
		p.instance = instance
		return nil
	}

	for _, effect := range advance(LifecycleEvent{Kind: EventLoad}) {
		if effect != EffectConstruct {
			continue
		}
		if err := construct(); err != nil {
			for _, e := range advance(LifecycleEvent{Kind: EventLoadFail, Err: err}) {
				if e == EffectRecordError {
					h.mu.Lock()
					p.err = err
					h.mu.Unlock()
				}
			}
			h.logger.Log(logging.LevelError, "plugin failed to load", map[string]any{
				"plugin": manifest.Name,
				"error":  err.Error(),
			})
			return err
		}
		advance(LifecycleEvent{Kind: EventLoadOK})
		h.logger.Log(logging.LevelInfo, "plugin loaded", map[string]any{
			"plugin":  manifest.Name,
			"version": manifest.Version,
		})
	}
	return nil
}

// LoadFile reads, validates and loads a manifest from disk.
func (h *Host) LoadFile(path string) error {
	manifest, err := LoadManifest(path)
	if err != nil {
		return err
	}
	return h.Load(manifest)
}

// Stop transitions one plugin to stopped and releases its resources.
func (h *Host) Stop(ctx context.Context, name string) error {
	h.mu.Lock()
	p, ok := h.plugins[name]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: plugin %q not loaded", ErrRuntime, name)
	}
	next, effects := Step(p.state, LifecycleEvent{Kind: EventStop})
	p.state = next
	instance := p.instance
	h.mu.Unlock()

	for _, effect := range effects {
		if effect != EffectRelease {
			continue
		}
		h.removePluginTools(name)
		if instance != nil {
			if err := instance.Stop(ctx); err != nil {
				return fmt.Errorf("%w: %v", ErrRuntime, err)
			}
		}
	}
	return nil
}

// Fail moves a running plugin to the error state after a runtime failure.
// Its tools come off the surface immediately; Stop still releases the
// instance afterwards.
func (h *Host) Fail(name string, cause error) {
	h.mu.Lock()
	p, ok := h.plugins[name]
	if !ok {
		h.mu.Unlock()
		return
	}
	next, effects := Step(p.state, LifecycleEvent{Kind: EventFail, Err: cause})
	p.state = next
	for _, effect := range effects {
		if effect == EffectRecordError {
			p.err = cause
		}
	}
	failed := len(effects) > 0
	h.mu.Unlock()
	if !failed {
		return
	}
	h.removePluginTools(name)
	h.logger.Log(logging.LevelError, "plugin failed at runtime", map[string]any{
		"plugin": name,
		"error":  cause.Error(),
	})
}

// StopAll stops every running plugin.
func (h *Host) StopAll(ctx context.Context) {
	h.mu.Lock()
	names := make([]string, 0, len(h.plugins))
	for name := range h.plugins {
		names = append(names, name)
	}
	h.mu.Unlock()
	for _, name := range names {
		if err := h.Stop(ctx, name); err != nil {
			h.logger.Log(logging.LevelWarn, "failed to stop plugin", map[string]any{
				"plugin": name,
				"error":  err.Error(),
			})
		}
	}
}

// Status reports one plugin's lifecycle state and recorded load error.
type Status struct {
	State State
	Err   error
}

// Status reports a plugin's lifecycle state, if it is known to the host.
func (h *Host) Status(name string) (Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.plugins[name]
	if !ok {
		return Status{}, false
	}
	return Status{State: p.state, Err: p.err}, true
}

func (h *Host) addTool(t *LocalTool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.tools[t.Tool.Name]; taken {
		return fmt.Errorf("%w: tool %q already registered", ErrRuntime, t.Tool.Name)
	}
	h.tools[t.Tool.Name] = t
	h.toolOrder = append(h.toolOrder, t.Tool.Name)
	return nil
}

func (h *Host) removePluginTools(pluginName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.toolOrder[:0]
	for _, name := range h.toolOrder {
		t := h.tools[name]
		if t != nil && t.PluginName == pluginName {
			delete(h.tools, name)
			continue
		}
		kept = append(kept, name)
	}
	h.toolOrder = kept
}

func (h *Host) addHTTP(pluginName, pattern string, handler http.Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := "/plugins/" + pluginName + "/" + pattern
	if _, taken := h.http[key]; taken {
		return fmt.Errorf("%w: HTTP pattern %q already registered", ErrRuntime, key)
	}
	h.http[key] = handler
	return nil
}

// Tools returns the local tool table in registration order.
func (h *Host) Tools() []*LocalTool {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*LocalTool, 0, len(h.toolOrder))
	for _, name := range h.toolOrder {
		if t, ok := h.tools[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Lookup finds a local tool by its registered name.
func (h *Host) Lookup(name string) (*LocalTool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tools[name]
	return t, ok
}

// HTTPHandlers returns the mounted plugin handlers keyed by path.
func (h *Host) HTTPHandlers() map[string]http.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]http.Handler, len(h.http))
	for k, v := range h.http {
		out[k] = v
	}
	return out
}

// Call invokes a local tool with the session's plugin-scoped store. A
// handler error fails the call only; a panic fails the whole plugin.
func (h *Host) Call(ctx context.Context, toolName, sessionID string, args map[string]any) (result *mcp.CallToolResult, err error) {
	t, ok := h.Lookup(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown tool %q", ErrRuntime, toolName)
	}
	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("%w: tool %q panicked: %v", ErrRuntime, toolName, r)
			h.Fail(t.PluginName, cause)
			result, err = nil, cause
		}
	}()
	store := &sessionStore{
		sessions:  h.sessions,
		sessionID: sessionID,
		pluginID:  t.PluginName,
	}
	result, err = t.Handler(ctx, store, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	return result, nil
}

// sessionStore adapts the session manager to a plugin-scoped view.
type sessionStore struct {
	sessions  *session.Manager
	sessionID string
	pluginID  string
}

func (s *sessionStore) Get(key string) (any, bool, error) {
	return s.sessions.GetPluginData(s.sessionID, s.pluginID, key)
}

func (s *sessionStore) Set(key string, value any) error {
	return s.sessions.SetPluginData(s.sessionID, s.pluginID, key, value)
}

func (s *sessionStore) Delete(key string) error {
	return s.sessions.DeletePluginData(s.sessionID, s.pluginID, key)
}
