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
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gotest.tools/assert"

	"github.com/hatago-dev/hatago/internal/config"
	"github.com/hatago-dev/hatago/internal/supervisor"
)

func TestFlappingSubprocessUpstreamIsDeregistered(t *testing.T) {
	// Given: a gateway serving a subprocess upstream whose catalog is on
	// the surface, backed by a child that crashes past its restart budget
	caller := &fakeCaller{tools: []*mcp.Tool{{Name: "sum"}}}
	g := newTestGateway(t, caller)
	_, ok := g.names.Resolve("calc:sum")
	assert.Assert(t, ok)

	u := &config.UpstreamConfig{
		ID:               "calc",
		Command:          "sh",
		Args:             []string{"-c", "exit 1"},
		RestartOnFailure: true,
		MaxRestarts:      1,
	}
	proc := supervisor.New(supervisor.Spec{
		ID:               u.ID,
		GatewayID:        g.ID(),
		Command:          u.Command,
		Args:             u.Args,
		RestartOnFailure: u.RestartOnFailure,
		MaxRestarts:      u.MaxRestarts,
		RestartCooldown:  10 * time.Millisecond,
	}, nil)
	g.mu.Lock()
	g.procs[u.ID] = proc
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.watchProcess(context.Background(), u, proc)
		close(done)
	}()

	// When: the child flaps until the budget is spent
	assert.NilError(t, proc.Start(context.Background()))
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("process watcher never finished")
	}

	// Then: the upstream is gone along with its tool mappings, while the
	// builtin tools keep serving
	_, ok = g.upstreamFor("calc")
	assert.Assert(t, !ok)
	_, ok = g.names.Resolve("calc:sum")
	assert.Assert(t, !ok)
	_, ok = g.names.Resolve("hatago_ping")
	assert.Assert(t, ok)
}
