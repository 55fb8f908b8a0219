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
	"fmt"
	"testing"

	"gotest.tools/assert"
)

func TestEventIDsAreStrictlyMonotonic(t *testing.T) {
	// Given: a store and one stream
	s := NewEventStore(16)

	// When: appending events
	var last uint64
	for i := 0; i < 5; i++ {
		id := s.Append("s1", []byte(fmt.Sprintf("e%d", i)))
		// Then: each id is strictly greater than the previous
		assert.Assert(t, id > last)
		last = id
	}
	assert.Equal(t, s.LastID("s1"), uint64(5))
}

func TestStreamsAreIndependent(t *testing.T) {
	s := NewEventStore(16)
	assert.Equal(t, s.Append("a", []byte("x")), uint64(1))
	assert.Equal(t, s.Append("b", []byte("y")), uint64(1))
	assert.Equal(t, s.Append("a", []byte("z")), uint64(2))
}

func TestReplayAfterLastEventID(t *testing.T) {
	// Given: seven persisted events
	s := NewEventStore(16)
	for i := 1; i <= 7; i++ {
		s.Append("s1", []byte(fmt.Sprintf("e%d", i)))
	}

	// When: replaying after id 5
	events := s.After("s1", 5)

	// Then: exactly e6 and e7 come back, in order, no gaps, no duplicates
	assert.Equal(t, len(events), 2)
	assert.Equal(t, events[0].ID, uint64(6))
	assert.Equal(t, string(events[0].Data), "e6")
	assert.Equal(t, events[1].ID, uint64(7))
	assert.Equal(t, string(events[1].Data), "e7")
}

func TestReplayAfterTruncationStartsAtOldestRetained(t *testing.T) {
	// Given: a store that retains only 3 events
	s := NewEventStore(3)
	for i := 1; i <= 10; i++ {
		s.Append("s1", []byte(fmt.Sprintf("e%d", i)))
	}

	// When: replaying from before the retained window
	events := s.After("s1", 2)

	// Then: the replay starts at the oldest retained event; the ids still
	// climb so the client can detect the gap
	assert.Equal(t, len(events), 3)
	assert.Equal(t, events[0].ID, uint64(8))
	assert.Equal(t, events[2].ID, uint64(10))
}

func TestDropForgetsTheStream(t *testing.T) {
	s := NewEventStore(16)
	s.Append("s1", []byte("x"))
	s.Drop("s1")
	assert.Equal(t, len(s.After("s1", 0)), 0)
	// A new stream under the same id restarts the sequence.
	assert.Equal(t, s.Append("s1", []byte("y")), uint64(1))
}
