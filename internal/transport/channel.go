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

package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hatago-dev/hatago/internal/jsonrpc"
	"github.com/hatago-dev/hatago/internal/session"
)

// Errors surfaced by the session channel.
var (
	ErrQueueLimit    = errors.New("queue size limit exceeded")
	ErrChannelClosed = errors.New("client_disconnected")
)

// SessionChannel is the server-to-client half of one HTTP session. Sends
// are persisted in the event store, then queued for the session's GET
// stream. The queue bounds backpressure: a slow or absent consumer makes
// Send fail instead of blocking.
type SessionChannel struct {
	sessionID string
	store     *EventStore

	mu       sync.Mutex
	queue    chan Event
	closed   bool
	attached bool
}

var _ session.Transport = (*SessionChannel)(nil)

// NewSessionChannel creates a channel backed by the shared event store.
func NewSessionChannel(sessionID string, store *EventStore, maxQueueSize int) *SessionChannel {
	if maxQueueSize <= 0 {
		maxQueueSize = 256
	}
	return &SessionChannel{
		sessionID: sessionID,
		store:     store,
		queue:     make(chan Event, maxQueueSize),
	}
}

// Send persists and enqueues one server-initiated message.
func (c *SessionChannel) Send(msg *jsonrpc.Message) error {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	id := c.store.Append(c.sessionID, data)
	select {
	case c.queue <- Event{ID: id, Data: data}:
		return nil
	default:
		return fmt.Errorf("%w (session queue)", ErrQueueLimit)
	}
}

// attach claims the channel for one GET stream. A session carries at most
// one live stream.
func (c *SessionChannel) attach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.attached {
		return errors.New("stream already attached")
	}
	c.attached = true
	return nil
}

// detach releases the stream claim after a client disconnect, so the
// client can reconnect and resume.
func (c *SessionChannel) detach() {
	c.mu.Lock()
	c.attached = false
	c.mu.Unlock()
}

// events exposes the live queue to the stream drainer.
func (c *SessionChannel) events() <-chan Event { return c.queue }

// Close aborts pending writes and drops the stream history. Idempotent.
func (c *SessionChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.queue)
	c.store.Drop(c.sessionID)
	return nil
}
