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
	"testing"

	"gotest.tools/assert"

	"github.com/hatago-dev/hatago/internal/jsonrpc"
)

func note(t *testing.T, method string) *jsonrpc.Message {
	t.Helper()
	msg, err := jsonrpc.NewNotification(method, nil)
	assert.NilError(t, err)
	return msg
}

func TestSendPersistsAndQueues(t *testing.T) {
	// Given: a channel with room
	store := NewEventStore(16)
	ch := NewSessionChannel("s1", store, 4)

	// When: sending two messages
	assert.NilError(t, ch.Send(note(t, "notifications/progress")))
	assert.NilError(t, ch.Send(note(t, "notifications/progress")))

	// Then: both are persisted with monotonic ids and queued live
	assert.Equal(t, store.LastID("s1"), uint64(2))
	ev := <-ch.events()
	assert.Equal(t, ev.ID, uint64(1))
}

func TestSendFailsWhenQueueIsFull(t *testing.T) {
	// Given: a channel with a queue of two and no consumer
	store := NewEventStore(16)
	ch := NewSessionChannel("s1", store, 2)
	assert.NilError(t, ch.Send(note(t, "a")))
	assert.NilError(t, ch.Send(note(t, "b")))

	// When: sending one more
	err := ch.Send(note(t, "c"))

	// Then: the producer fails instead of blocking
	assert.Assert(t, errors.Is(err, ErrQueueLimit))
}

func TestSendAfterCloseFails(t *testing.T) {
	store := NewEventStore(16)
	ch := NewSessionChannel("s1", store, 2)
	assert.NilError(t, ch.Close())
	assert.Assert(t, errors.Is(ch.Send(note(t, "a")), ErrChannelClosed))
	// Close is idempotent.
	assert.NilError(t, ch.Close())
}

func TestCloseDropsHistory(t *testing.T) {
	store := NewEventStore(16)
	ch := NewSessionChannel("s1", store, 2)
	assert.NilError(t, ch.Send(note(t, "a")))
	assert.NilError(t, ch.Close())
	assert.Equal(t, len(store.After("s1", 0)), 0)
}

func TestSingleStreamAttachment(t *testing.T) {
	store := NewEventStore(16)
	ch := NewSessionChannel("s1", store, 2)
	assert.NilError(t, ch.attach())
	assert.Assert(t, ch.attach() != nil)
	ch.detach()
	assert.NilError(t, ch.attach())
}
