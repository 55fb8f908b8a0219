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
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// registerHealthRoutes mounts the liveness, readiness, startup and drain
// endpoints.
func (g *Gateway) registerHealthRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health/live", g.handleLive)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.HandleFunc("/health/startup", g.handleStartup)
	mux.HandleFunc("/drain", g.handleDrain)
}

func (g *Gateway) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "pass",
		"uptime":    int(time.Since(g.started).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status := "pass"

	if g.draining.Load() {
		status = "fail"
		checks["draining"] = "fail"
	}
	g.mu.Lock()
	for _, u := range g.cfg.Upstreams {
		if _, live := g.upstreams[u.ID]; live {
			checks["upstream:"+u.ID] = "pass"
		} else {
			checks["upstream:"+u.ID] = "fail"
		}
	}
	g.mu.Unlock()

	httpStatus := http.StatusOK
	if status == "fail" {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{"status": status, "checks": checks})
}

func (g *Gateway) handleStartup(w http.ResponseWriter, r *http.Request) {
	if !g.initialized.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":      "fail",
			"initialized": false,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "pass",
		"initialized": true,
	})
}

func (g *Gateway) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.adminKeys != nil {
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !g.adminKeys.Verify(key) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid admin key"})
			return
		}
	}
	g.Drain()
	writeJSON(w, http.StatusOK, map[string]any{"status": "draining"})
}
