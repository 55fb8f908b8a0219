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

// Package gateway wires sessions, namespaces, plugins, upstreams and the
// transports into one running MCP gateway.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hatago-dev/hatago/internal/auth"
	"github.com/hatago-dev/hatago/internal/capability"
	"github.com/hatago-dev/hatago/internal/config"
	"github.com/hatago-dev/hatago/internal/logging"
	"github.com/hatago-dev/hatago/internal/namespace"
	"github.com/hatago-dev/hatago/internal/plugin"
	"github.com/hatago-dev/hatago/internal/session"
	"github.com/hatago-dev/hatago/internal/supervisor"
	"github.com/hatago-dev/hatago/internal/transport"
	"github.com/hatago-dev/hatago/internal/upstream"
)

// Gateway is one running instance. Construct with New, drive with Run.
type Gateway struct {
	cfg     *config.Config
	id      string
	logger  *logging.Logger
	traffic *logging.TrafficLog

	sessions  *session.Manager
	names     *namespace.Manager
	caps      *capability.Registry
	host      *plugin.Host
	store     *transport.EventStore
	adminKeys *auth.KeyStore

	mu        sync.Mutex
	upstreams map[string]upstream.Caller
	procs     map[string]*supervisor.Process

	server      *http.Server
	started     time.Time
	initialized atomic.Bool
	draining    atomic.Bool
}

// New assembles a gateway from a validated configuration.
func New(cfg *config.Config, logger *logging.Logger, traffic *logging.TrafficLog) *Gateway {
	if logger == nil {
		logger = logging.Default()
	}
	id := newGatewayID()
	g := &Gateway{
		cfg:       cfg,
		id:        id,
		logger:    logger,
		traffic:   traffic,
		names:     namespace.NewManager(cfg.Namespace, logger),
		caps:      capability.NewRegistry(logger),
		store:     transport.NewEventStore(cfg.HTTP.EventBufferSize),
		upstreams: make(map[string]upstream.Caller),
		procs:     make(map[string]*supervisor.Process),
	}
	g.sessions = session.NewManager(session.Options{
		TTL:             cfg.Session.TTL(),
		MaxSessions:     cfg.MaxSessions(),
		CleanupInterval: cfg.Session.CleanupInterval(),
		Logger:          logger,
	})
	g.host = plugin.NewHost(g.caps, g.sessions, logger)
	g.host.RegisterFactory(coreFactoryName, newCorePlugin)

	if cfg.HTTP.AdminKeyFile != "" {
		keys, err := auth.LoadKeys(cfg.HTTP.AdminKeyFile)
		if err != nil {
			logger.Log(logging.LevelWarn, "admin key file unusable, management endpoints stay open", map[string]any{
				"path":  cfg.HTTP.AdminKeyFile,
				"error": err.Error(),
			})
		} else {
			g.adminKeys = keys
		}
	}
	return g
}

func newGatewayID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// ID returns the instance id stamped onto child processes.
func (g *Gateway) ID() string { return g.id }

// Run starts the gateway and blocks until the context is cancelled or the
// transport terminates. The returned error is nil on clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.sessions.Destroy()

	g.Startup(ctx)

	defer g.teardown()

	if g.cfg.Transport == config.TransportStdio {
		return g.runStdio(ctx)
	}
	return g.runHTTP(ctx)
}

// Startup loads plugins, connects upstreams and builds the unified tool
// surface. Run calls it; embedders serving the gateway through their own
// listener call it before Handler.
func (g *Gateway) Startup(ctx context.Context) {
	g.started = time.Now()

	g.loadPlugins()
	g.startUpstreams(ctx)
	g.registerLocalTools()
	g.initialized.Store(true)

	stats := g.names.Stats()
	g.logger.Log(logging.LevelInfo, "gateway initialized", map[string]any{
		"tools":     stats.Total,
		"conflicts": stats.Conflicts,
		"upstreams": len(g.upstreams),
	})
}

// Handler returns the gateway's HTTP surface: the MCP endpoint, health
// routes and plugin mounts.
func (g *Gateway) Handler() http.Handler { return g.buildMux() }

// Teardown stops plugins, closes upstream connections and kills child
// processes. Run does this on exit; embedders call it themselves.
func (g *Gateway) Teardown() { g.teardown() }

// loadPlugins loads the builtin core plugin plus every enabled configured
// plugin. A plugin failure never takes other plugins down.
func (g *Gateway) loadPlugins() {
	if err := g.host.Load(coreManifest()); err != nil {
		g.logger.Log(logging.LevelError, "core plugin failed to load", map[string]any{
			"error": err.Error(),
		})
	}
	for _, p := range g.cfg.Plugins {
		if !p.Enabled {
			continue
		}
		if err := g.host.LoadFile(p.Manifest); err != nil {
			g.logger.Log(logging.LevelError, "plugin failed to load", map[string]any{
				"plugin": p.Name,
				"error":  err.Error(),
			})
		}
	}
}

// startUpstreams connects every configured upstream concurrently. A
// failing upstream is logged and skipped; the rest keep loading.
func (g *Gateway) startUpstreams(ctx context.Context) {
	var eg errgroup.Group
	for _, u := range g.cfg.Upstreams {
		eg.Go(func() error {
			if err := g.connectUpstream(ctx, u); err != nil {
				g.logger.Log(logging.LevelError, "upstream failed to connect", map[string]any{
					"upstream": u.ID,
					"error":    err.Error(),
				})
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// connectUpstream opens a client (or spawns a subprocess), performs the
// handshake and installs the upstream's tools.
func (g *Gateway) connectUpstream(ctx context.Context, u *config.UpstreamConfig) error {
	var caller upstream.Caller
	if u.IsSubprocess() {
		proc := supervisor.New(supervisor.Spec{
			ID:               u.ID,
			GatewayID:        g.id,
			Command:          u.Command,
			Args:             u.Args,
			Env:              u.Env,
			CaptureStdout:    true,
			RestartOnFailure: u.RestartOnFailure,
			MaxRestarts:      u.MaxRestarts,
			RestartCooldown:  config.DefaultRestartCooldown,
			StopGracePeriod:  config.DefaultStopGracePeriod,
		}, g.logger)
		if err := proc.Start(ctx); err != nil {
			return err
		}
		stdin, err := proc.Stdin()
		if err != nil {
			return err
		}
		stdout, err := proc.Stdout()
		if err != nil {
			return err
		}
		g.mu.Lock()
		g.procs[u.ID] = proc
		g.mu.Unlock()
		go g.watchProcess(ctx, u, proc)
		caller = upstream.NewStdioClient(u, stdin, stdout, g.cfg.Name, g.cfg.Version, g.logger)
	} else {
		client, err := upstream.NewHTTPClient(u, g.cfg.Name, g.cfg.Version, g.logger)
		if err != nil {
			return err
		}
		caller = client
	}

	info, err := caller.Initialize(ctx)
	if err != nil {
		return err
	}
	g.logger.Log(logging.LevelInfo, "upstream connected", map[string]any{
		"upstream": u.ID,
		"server":   info.ServerInfo.Name,
		"version":  info.ServerInfo.Version,
	})

	g.mu.Lock()
	g.upstreams[u.ID] = caller
	g.mu.Unlock()

	return g.enumerateTools(ctx, u, caller)
}

// enumerateTools lists an upstream's catalog and installs mappings. A
// single tool failing registration does not abort the enumeration.
func (g *Gateway) enumerateTools(ctx context.Context, u *config.UpstreamConfig, caller upstream.Caller) error {
	tools, err := caller.ListTools(ctx)
	if err != nil {
		return err
	}
	admitted := 0
	for _, tool := range tools {
		if _, err := g.names.Register(u, tool); err != nil {
			switch {
			case errors.Is(err, namespace.ErrExcluded), errors.Is(err, namespace.ErrSkipped):
				g.logger.Log(logging.LevelDebug, "tool not admitted", map[string]any{
					"upstream": u.ID,
					"tool":     tool.Name,
					"reason":   err.Error(),
				})
			default:
				g.logger.Log(logging.LevelWarn, "tool registration failed", map[string]any{
					"upstream": u.ID,
					"tool":     tool.Name,
					"error":    err.Error(),
				})
			}
			continue
		}
		admitted++
	}
	g.logger.Log(logging.LevelInfo, "upstream tools registered", map[string]any{
		"upstream": u.ID,
		"admitted": admitted,
		"offered":  len(tools),
	})
	return nil
}

// watchProcess consumes a subprocess's event stream: forwards stderr to
// the log, re-wires the protocol client after a restart and deregisters
// the upstream once the restart budget is exhausted.
func (g *Gateway) watchProcess(ctx context.Context, u *config.UpstreamConfig, proc *supervisor.Process) {
	restarted := false
	for ev := range proc.Events() {
		switch ev.Type {
		case supervisor.EventOutput:
			g.logger.Log(logging.LevelDebug, "subprocess output", map[string]any{
				"upstream": u.ID,
				"stream":   ev.Stream,
				"line":     ev.Line,
			})
		case supervisor.EventRestart:
			restarted = true
		case supervisor.EventStateChange:
			switch ev.State {
			case supervisor.StateRunning:
				if restarted {
					restarted = false
					g.rewireSubprocess(ctx, u, proc)
				}
			case supervisor.StateCrashed:
				if !u.RestartOnFailure || proc.Restarts() >= u.MaxRestarts {
					g.deregisterUpstream(u.ID, "restart limit reached")
					return
				}
			}
		case supervisor.EventError:
			g.logger.Log(logging.LevelWarn, "subprocess error", map[string]any{
				"upstream": u.ID,
				"error":    ev.Err.Error(),
			})
		}
	}
}

// rewireSubprocess rebuilds the protocol client on fresh pipes after a
// restart and re-enumerates the catalog.
func (g *Gateway) rewireSubprocess(ctx context.Context, u *config.UpstreamConfig, proc *supervisor.Process) {
	stdin, err := proc.Stdin()
	if err != nil {
		return
	}
	stdout, err := proc.Stdout()
	if err != nil {
		return
	}
	caller := upstream.NewStdioClient(u, stdin, stdout, g.cfg.Name, g.cfg.Version, g.logger)
	if _, err := caller.Initialize(ctx); err != nil {
		g.logger.Log(logging.LevelWarn, "handshake failed after restart", map[string]any{
			"upstream": u.ID,
			"error":    err.Error(),
		})
		return
	}
	g.mu.Lock()
	old := g.upstreams[u.ID]
	g.upstreams[u.ID] = caller
	g.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	g.names.RemoveServer(u.ID)
	if err := g.enumerateTools(ctx, u, caller); err != nil {
		g.logger.Log(logging.LevelWarn, "re-enumeration failed after restart", map[string]any{
			"upstream": u.ID,
			"error":    err.Error(),
		})
	}
}

// deregisterUpstream removes a dead upstream and its tool mappings. The
// gateway keeps serving the remaining upstreams.
func (g *Gateway) deregisterUpstream(id, reason string) {
	g.mu.Lock()
	caller := g.upstreams[id]
	delete(g.upstreams, id)
	delete(g.procs, id)
	g.mu.Unlock()
	if caller != nil {
		_ = caller.Close()
	}
	removed := g.names.RemoveServer(id)
	g.logger.Log(logging.LevelError, "upstream deregistered", map[string]any{
		"upstream":      id,
		"reason":        reason,
		"tools_removed": removed,
	})
}

// registerLocalTools puts plugin tools on the unified surface. They share
// the collision domain with upstream mappings.
func (g *Gateway) registerLocalTools() {
	for _, t := range g.host.Tools() {
		if _, err := g.names.RegisterDirect(localServerID(t.PluginName), t.Tool); err != nil {
			g.logger.Log(logging.LevelWarn, "local tool registration failed", map[string]any{
				"plugin": t.PluginName,
				"tool":   t.Tool.Name,
				"error":  err.Error(),
			})
		}
	}
}

// localServerID marks a mapping as plugin-owned.
func localServerID(pluginName string) string { return "plugin:" + pluginName }

// upstreamFor returns the live client for a mapping's server.
func (g *Gateway) upstreamFor(serverID string) (upstream.Caller, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.upstreams[serverID]
	return c, ok
}

// runHTTP serves the MCP endpoint until shutdown.
func (g *Gateway) runHTTP(ctx context.Context) error {
	mux := g.buildMux()
	addr := net.JoinHostPort(g.cfg.HTTP.Host, g.cfg.HTTP.Port)
	g.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Log(logging.LevelInfo, "gateway listening", map[string]any{"addr": addr})
		errCh <- g.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		return g.shutdown()
	}
}

// runStdio reroutes logs to stderr and serves the process streams.
func (g *Gateway) runStdio(ctx context.Context) error {
	g.logger.SetWriter(os.Stderr)
	t := transport.NewStdioTransport(g.sessions, &dispatcher{g: g}, nil, nil, g.logger)
	err := t.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildMux assembles the endpoint, health routes and plugin mounts.
func (g *Gateway) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	handler := transport.NewHandler(transport.Options{
		Sessions:                     g.sessions,
		Dispatcher:                   &dispatcher{g: g},
		Store:                        g.store,
		MaxMessageSize:               g.cfg.HTTP.MaxMessageSize,
		MaxQueueSize:                 g.cfg.HTTP.MaxQueueSize,
		EnableDNSRebindingProtection: g.cfg.HTTP.EnableDNSRebindingProtection,
		AllowedHosts:                 g.cfg.HTTP.AllowedHosts,
		AllowedOrigins:               g.cfg.HTTP.AllowedOrigins,
		Logger:                       g.logger,
	})
	mux.Handle("/mcp", g.refuseWhileDraining(handler))
	g.registerHealthRoutes(mux)
	for pattern, h := range g.host.HTTPHandlers() {
		mux.Handle(pattern, h)
	}
	return mux
}

// refuseWhileDraining turns away new sessions once draining has begun;
// requests carrying an existing session still complete.
func (g *Gateway) refuseWhileDraining(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.draining.Load() && r.Header.Get(transport.SessionHeader) == "" {
			http.Error(w, `{"jsonrpc":"2.0","error":{"code":-32000,"message":"Gateway is draining"}}`, http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Drain marks the gateway draining. Idempotent; readiness reports fail
// from here on.
func (g *Gateway) Drain() {
	if g.draining.CompareAndSwap(false, true) {
		g.logger.Log(logging.LevelInfo, "gateway draining", nil)
	}
}

// shutdown runs the graceful sequence: drain, bounded HTTP shutdown, then
// teardown of children and sessions (in teardown, via Run's defer).
func (g *Gateway) shutdown() error {
	g.Drain()
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.GracefulTimeout())
	defer cancel()
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Log(logging.LevelWarn, "graceful shutdown timed out, closing", map[string]any{
				"error": err.Error(),
			})
			_ = g.server.Close()
		}
	}
	return nil
}

// teardown stops plugins, closes upstreams and kills children.
func (g *Gateway) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.GracefulTimeout())
	defer cancel()

	g.host.StopAll(ctx)

	g.mu.Lock()
	callers := make([]upstream.Caller, 0, len(g.upstreams))
	for _, c := range g.upstreams {
		callers = append(callers, c)
	}
	procs := make([]*supervisor.Process, 0, len(g.procs))
	for _, p := range g.procs {
		procs = append(procs, p)
	}
	g.upstreams = make(map[string]upstream.Caller)
	g.procs = make(map[string]*supervisor.Process)
	g.mu.Unlock()

	for _, c := range callers {
		_ = c.Close()
	}
	for _, p := range procs {
		if err := p.Stop(ctx); err != nil {
			g.logger.Log(logging.LevelWarn, "failed to stop subprocess", map[string]any{
				"error": err.Error(),
			})
		}
	}
	g.logger.Log(logging.LevelInfo, "gateway stopped", nil)
}
