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

package capability

import (
	"sync"
	"time"
)

// KV is the in-memory key/value capability. Each plugin gets its own
// store, so keys never leak across plugin boundaries.
type KV struct {
	mu      sync.Mutex
	entries map[string]kvEntry
}

type kvEntry struct {
	value     any
	expiresAt time.Time // zero means no expiry
}

func newKV() *KV {
	return &KV{entries: make(map[string]kvEntry)}
}

// Set stores a value. A non-zero ttl makes the entry expire.
func (k *KV) Set(key string, value any, ttl time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e := kvEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	k.entries[key] = e
}

// Get reads a value. Expired entries are removed on sight.
func (k *KV) Get(key string) (any, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(time.Now()) {
		delete(k.entries, key)
		return nil, false
	}
	return e.value, true
}

// Delete removes a key.
func (k *KV) Delete(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.entries, key)
}

// Keys returns the live keys in the store.
func (k *KV) Keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	keys := make([]string, 0, len(k.entries))
	for key, e := range k.entries {
		if !e.expiresAt.IsZero() && !e.expiresAt.After(now) {
			delete(k.entries, key)
			continue
		}
		keys = append(keys, key)
	}
	return keys
}
