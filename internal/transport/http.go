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

// Package transport terminates client connections. The HTTP handler
// implements the streamable protocol endpoint (POST for frames, GET for
// the SSE event channel with Last-Event-ID resumption); the stdio
// transport runs the same framing over the process streams.
package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hatago-dev/hatago/internal/jsonrpc"
	"github.com/hatago-dev/hatago/internal/logging"
	"github.com/hatago-dev/hatago/internal/session"
	"github.com/hatago-dev/hatago/internal/sessionid"
)

// SessionHeader carries the session id on every request after initialize.
const SessionHeader = "mcp-session-id"

// lastEventIDHeader requests replay on the GET channel.
const lastEventIDHeader = "Last-Event-ID"

// Dispatcher routes one parsed client message. Implementations convert
// failures into JSON-RPC error responses; a nil return means the message
// was a notification and produces no response. emit writes
// server-initiated frames (progress) onto the caller's stream before the
// final response and may be nil.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, msg *jsonrpc.Message, emit func(*jsonrpc.Message) error) *jsonrpc.Message
}

// Options configure the HTTP handler.
type Options struct {
	Sessions   *session.Manager
	Dispatcher Dispatcher
	Store      *EventStore

	MaxMessageSize int64
	MaxQueueSize   int

	// DNS-rebinding guard. When enabled, Host must be allow-listed and
	// Origin, if present, must be too.
	EnableDNSRebindingProtection bool
	AllowedHosts                 []string
	AllowedOrigins               []string

	Logger *logging.Logger
}

// Handler serves the /mcp endpoint.
type Handler struct {
	opts    Options
	logger  *logging.Logger
	streams atomic.Int64
}

var _ http.Handler = (*Handler)(nil)

// NewHandler builds the endpoint handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4 << 20
	}
	if opts.Store == nil {
		opts.Store = NewEventStore(0)
	}
	return &Handler{opts: opts, logger: opts.Logger}
}

// writeError sends a JSON-RPC-shaped error body with an HTTP status so
// conformant clients can parse refusals that never reached dispatch.
func writeError(w http.ResponseWriter, status int, id any, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, err := jsonrpc.Encode(jsonrpc.NewError(id, code, message))
	if err != nil {
		return
	}
	_, _ = w.Write(body)
}

// hostAllowed matches a Host header against the allow list, with and
// without the port.
func hostAllowed(host string, allowed []string) bool {
	bare := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		bare = h
	}
	for _, a := range allowed {
		if strings.EqualFold(a, host) || strings.EqualFold(a, bare) {
			return true
		}
	}
	return false
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP applies the endpoint's validation ladder in order: method,
// DNS-rebinding guard, content negotiation, size and framing, session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. Method.
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, nil, jsonrpc.CodeMethodNotAllowed, "Method not allowed")
		return
	}

	// 2. DNS-rebinding guard.
	if h.opts.EnableDNSRebindingProtection {
		if !hostAllowed(r.Host, h.opts.AllowedHosts) {
			h.rejectRebinding(w, r, "Host not allowed")
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" && !originAllowed(origin, h.opts.AllowedOrigins) {
			h.rejectRebinding(w, r, "Origin not allowed")
			return
		}
	}

	accept := r.Header.Get("Accept")
	if r.Method == http.MethodPost {
		// 3. POST content negotiation.
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			writeError(w, http.StatusUnsupportedMediaType, nil, jsonrpc.CodeInvalidRequest, "Content-Type must be application/json")
			return
		}
		if !strings.Contains(accept, "application/json") || !strings.Contains(accept, "text/event-stream") {
			writeError(w, http.StatusNotAcceptable, nil, jsonrpc.CodeInvalidRequest, "Accept must include application/json and text/event-stream")
			return
		}
		h.servePost(w, r)
		return
	}

	// 4. GET content negotiation.
	if !strings.Contains(accept, "text/event-stream") {
		writeError(w, http.StatusNotAcceptable, nil, jsonrpc.CodeInvalidRequest, "Accept must include text/event-stream")
		return
	}
	h.serveGet(w, r)
}

// rejectRebinding refuses the request and, because a guard violation is a
// session-scoped failure, terminates any session the request named.
func (h *Handler) rejectRebinding(w http.ResponseWriter, r *http.Request, message string) {
	if sid := r.Header.Get(SessionHeader); sessionid.Valid(sid) {
		_ = h.opts.Sessions.Delete(sid)
	}
	h.logger.Log(logging.LevelWarn, "blocked request failing the rebinding guard", map[string]any{
		"host": r.Host,
	})
	writeError(w, http.StatusForbidden, nil, jsonrpc.CodeInvalidRequest, message)
}

func (h *Handler) servePost(w http.ResponseWriter, r *http.Request) {
	// 5. Size and framing.
	if r.ContentLength > h.opts.MaxMessageSize {
		writeError(w, http.StatusRequestEntityTooLarge, nil, jsonrpc.CodeInvalidRequest, "Message too large")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.opts.MaxMessageSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, jsonrpc.CodeParseError, "Parse error")
		return
	}
	if int64(len(body)) > h.opts.MaxMessageSize {
		writeError(w, http.StatusRequestEntityTooLarge, nil, jsonrpc.CodeInvalidRequest, "Message too large")
		return
	}
	msg, err := jsonrpc.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, jsonrpc.CodeParseError, "Parse error")
		return
	}

	// 6. Session.
	sid := r.Header.Get(SessionHeader)
	isInit := msg.IsRequest() && msg.Method == "initialize"
	switch {
	case isInit && sid == "":
		newID, err := h.createSession()
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, msg.ID, jsonrpc.CodeMethodNotAllowed, "Session capacity exceeded")
			return
		}
		sid = newID
		w.Header().Set(SessionHeader, sid)
	case sid == "":
		writeError(w, http.StatusBadRequest, msg.ID, jsonrpc.CodeInvalidRequest, "Missing session id")
		return
	case !sessionid.Valid(sid):
		writeError(w, http.StatusBadRequest, msg.ID, jsonrpc.CodeInvalidRequest, "Invalid session id")
		return
	default:
		if _, err := h.opts.Sessions.Access(sid); err != nil {
			writeError(w, http.StatusNotFound, msg.ID, jsonrpc.CodeInvalidRequest, "Session not found")
			return
		}
		w.Header().Set(SessionHeader, sid)
	}

	if msg.IsNotification() {
		h.opts.Dispatcher.Dispatch(r.Context(), sid, msg, nil)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	sw, err := newStreamWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, msg.ID, jsonrpc.CodeInternalError, "Streaming unsupported")
		return
	}

	// Progress frames share the session's id sequence with the response,
	// so a resuming client replays both without duplication.
	emit := func(out *jsonrpc.Message) error {
		data, err := jsonrpc.Encode(out)
		if err != nil {
			return err
		}
		id := h.opts.Store.Append(sid, data)
		return sw.writeEvent(id, data)
	}

	resp := h.opts.Dispatcher.Dispatch(r.Context(), sid, msg, emit)
	if resp == nil {
		return
	}
	if err := emit(resp); err != nil {
		h.logger.Log(logging.LevelWarn, "failed to write response frame", map[string]any{
			"error": err.Error(),
		})
	}
}

// createSession allocates a session bound to a fresh channel transport.
func (h *Handler) createSession() (string, error) {
	id, err := sessionid.New()
	if err != nil {
		return "", err
	}
	ch := NewSessionChannel(id, h.opts.Store, h.opts.MaxQueueSize)
	if err := h.opts.Sessions.CreateWithID(id, ch); err != nil {
		return "", err
	}
	return id, nil
}

func (h *Handler) serveGet(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(SessionHeader)
	if !sessionid.Valid(sid) {
		writeError(w, http.StatusBadRequest, nil, jsonrpc.CodeInvalidRequest, "Invalid session id")
		return
	}
	tr, err := h.opts.Sessions.Transport(sid)
	if err != nil {
		writeError(w, http.StatusNotFound, nil, jsonrpc.CodeInvalidRequest, "Session not found")
		return
	}
	channel, ok := tr.(*SessionChannel)
	if !ok || channel == nil {
		writeError(w, http.StatusConflict, nil, jsonrpc.CodeInvalidRequest, "Session has no event channel")
		return
	}
	if err := channel.attach(); err != nil {
		writeError(w, http.StatusConflict, nil, jsonrpc.CodeInvalidRequest, "Stream already attached")
		return
	}
	h.streams.Add(1)
	defer func() {
		channel.detach()
		h.streams.Add(-1)
	}()

	var lastID uint64
	if v := r.Header.Get(lastEventIDHeader); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			lastID = parsed
		}
	}

	sw, err := newStreamWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, nil, jsonrpc.CodeInternalError, "Streaming unsupported")
		return
	}
	w.WriteHeader(http.StatusOK)
	sw.flusher.Flush()

	// Replay history after the client's last seen id, then go live.
	lastSent := lastID
	for _, ev := range h.opts.Store.After(sid, lastID) {
		if err := sw.writeEvent(ev.ID, ev.Data); err != nil {
			h.dropSession(sid)
			return
		}
		lastSent = ev.ID
	}

	for {
		select {
		case ev, open := <-channel.events():
			if !open {
				return
			}
			if ev.ID <= lastSent {
				continue
			}
			if err := sw.writeEvent(ev.ID, ev.Data); err != nil {
				h.dropSession(sid)
				return
			}
			lastSent = ev.ID
		case <-r.Context().Done():
			return
		}
	}
}

// StreamCount reports how many GET streams are currently attached. Debug
// surface; returns to zero once every client has disconnected.
func (h *Handler) StreamCount() int { return int(h.streams.Load()) }

// dropSession terminates a session after repeated stream write failures.
func (h *Handler) dropSession(sid string) {
	h.logger.Log(logging.LevelWarn, "terminating session after stream write failure", nil)
	_ = h.opts.Sessions.Delete(sid)
}
