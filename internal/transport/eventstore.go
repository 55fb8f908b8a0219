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

import "sync"

// Event is one persisted SSE frame. IDs are strictly monotonic within a
// stream and start at 1.
type Event struct {
	ID   uint64
	Data []byte
}

// EventStore keeps a bounded in-memory history per stream so clients can
// resume with Last-Event-ID after a disconnect. One stream per session.
// When a stream's history overflows its capacity the oldest events are
// dropped; a replay after truncation starts from the oldest retained
// event, and the monotonic ids let the client detect the gap.
type EventStore struct {
	mu       sync.Mutex
	capacity int
	streams  map[string]*eventStream
}

type eventStream struct {
	nextID uint64
	events []Event
}

// NewEventStore creates a store keeping up to capacity events per stream.
func NewEventStore(capacity int) *EventStore {
	if capacity <= 0 {
		capacity = 512
	}
	return &EventStore{
		capacity: capacity,
		streams:  make(map[string]*eventStream),
	}
}

// Append persists one event and returns its id.
func (s *EventStore) Append(streamID string, data []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		st = &eventStream{}
		s.streams[streamID] = st
	}
	st.nextID++
	st.events = append(st.events, Event{ID: st.nextID, Data: data})
	if len(st.events) > s.capacity {
		st.events = st.events[len(st.events)-s.capacity:]
	}
	return st.nextID
}

// After returns all retained events with id greater than lastID, in order.
func (s *EventStore) After(streamID string, lastID uint64) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		return nil
	}
	var out []Event
	for _, ev := range st.events {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// LastID returns the newest assigned id for a stream, zero if none.
func (s *EventStore) LastID(streamID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		return 0
	}
	return st.nextID
}

// Drop discards a stream's history, typically when its session dies.
func (s *EventStore) Drop(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, streamID)
}
