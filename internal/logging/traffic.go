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

package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// TrafficEntry is a single record in the gateway traffic log. Entries are
// serialized as JSON lines so they can be filtered with standard tooling.
type TrafficEntry struct {
	// Timestamp is the exact time when the entry was created
	Timestamp time.Time `json:"timestamp"`

	// RequestID uniquely identifies a request/response pair
	RequestID string `json:"request_id"`

	// SessionID groups entries belonging to one client session
	SessionID string `json:"session_id,omitempty"`

	// Direction indicates the flow: "request" (client→gateway),
	// "response" (gateway→client), or "system" (lifecycle events)
	Direction string `json:"direction"`

	// Method is the JSON-RPC method, when known
	Method string `json:"method,omitempty"`

	// Upstream names the upstream server the message was routed to
	Upstream string `json:"upstream,omitempty"`

	// Tool names the mapped tool for tools/call entries
	Tool string `json:"tool,omitempty"`

	// Message holds the raw JSON-RPC payload
	Message string `json:"message,omitempty"`

	// Success indicates whether the operation completed successfully
	Success bool `json:"success"`

	// Error contains error details when Success is false
	Error string `json:"error,omitempty"`
}

// TrafficLog appends TrafficEntry records to a writer as JSON lines.
// The zero value is a disabled log: all methods are no-ops.
type TrafficLog struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTrafficLog creates a traffic log writing to w.
func NewTrafficLog(w io.Writer) *TrafficLog {
	return &TrafficLog{w: w}
}

// LogRequest records an inbound client request.
func (t *TrafficLog) LogRequest(requestID, sessionID, method, message string) error {
	return t.write(&TrafficEntry{
		Timestamp: time.Now(),
		RequestID: requestID,
		SessionID: sessionID,
		Direction: "request",
		Method:    method,
		Message:   message,
		Success:   true,
	})
}

// LogResponse records an outbound response for a prior request.
func (t *TrafficLog) LogResponse(requestID, sessionID, method, upstream, tool, message string, success bool, errMsg string) error {
	return t.write(&TrafficEntry{
		Timestamp: time.Now(),
		RequestID: requestID,
		SessionID: sessionID,
		Direction: "response",
		Method:    method,
		Upstream:  upstream,
		Tool:      tool,
		Message:   message,
		Success:   success,
		Error:     errMsg,
	})
}

// LogSystem records a lifecycle event (session created, upstream removed, ...).
func (t *TrafficLog) LogSystem(sessionID, message string) error {
	return t.write(&TrafficEntry{
		Timestamp: time.Now(),
		RequestID: fmt.Sprintf("sys_%d", time.Now().UnixNano()),
		SessionID: sessionID,
		Direction: "system",
		Message:   message,
		Success:   true,
	})
}

func (t *TrafficLog) write(entry *TrafficEntry) error {
	if t == nil || t.w == nil {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal traffic entry: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write traffic entry: %w", err)
	}
	return nil
}
