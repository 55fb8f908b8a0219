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
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestRegistryGatesUngrantedCapabilities(t *testing.T) {
	// Given: a set with only kv granted
	reg := NewRegistry(nil)
	set, err := reg.For("demo", []string{"kv"})
	assert.NilError(t, err)

	// Then: logger is always present
	assert.Assert(t, set.Logger() != nil)
	assert.Equal(t, set.PluginID(), "demo")

	// And: granted capabilities resolve, ungranted ones fail uniformly
	kv, err := set.KV()
	assert.NilError(t, err)
	assert.Assert(t, kv != nil)

	_, err = set.Fetch()
	assert.ErrorContains(t, err, "unavailable capability: fetch")
	_, err = set.Timer()
	assert.ErrorContains(t, err, "unavailable capability: timer")
	_, err = set.Crypto()
	assert.ErrorContains(t, err, "unavailable capability: crypto")
}

func TestRegistryRejectsUnknownName(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.For("demo", []string{"teleport"})
	assert.ErrorContains(t, err, "unknown capability")
}

func TestRegistryAcceptsExplicitLogger(t *testing.T) {
	// Listing "logger" in the manifest is redundant but not an error.
	reg := NewRegistry(nil)
	set, err := reg.For("demo", []string{"logger"})
	assert.NilError(t, err)
	assert.Assert(t, set.Logger() != nil)
}

func TestKnownNames(t *testing.T) {
	for _, name := range []string{NameLogger, NameFetch, NameKV, NameTimer, NameCrypto} {
		assert.Assert(t, Known(name))
	}
	assert.Assert(t, !Known("teleport"))
	assert.Assert(t, !Known(""))
}

func TestKVRoundTrip(t *testing.T) {
	kv := newKV()

	kv.Set("a", "one", 0)
	kv.Set("b", 2, 0)

	v, ok := kv.Get("a")
	assert.Assert(t, ok)
	assert.Equal(t, v, "one")

	assert.Equal(t, len(kv.Keys()), 2)

	kv.Delete("a")
	_, ok = kv.Get("a")
	assert.Assert(t, !ok)
}

func TestKVExpiry(t *testing.T) {
	// Given: an entry with a tiny ttl
	kv := newKV()
	kv.Set("short", "gone soon", time.Millisecond)
	kv.Set("long", "stays", time.Hour)

	// When: the ttl elapses
	time.Sleep(5 * time.Millisecond)

	// Then: the expired entry is invisible while the live one remains
	_, ok := kv.Get("short")
	assert.Assert(t, !ok)
	v, ok := kv.Get("long")
	assert.Assert(t, ok)
	assert.Equal(t, v, "stays")
	assert.DeepEqual(t, kv.Keys(), []string{"long"})
}

func TestKVIsolationBetweenPlugins(t *testing.T) {
	reg := NewRegistry(nil)
	a, err := reg.For("a", []string{"kv"})
	assert.NilError(t, err)
	b, err := reg.For("b", []string{"kv"})
	assert.NilError(t, err)

	akv, _ := a.KV()
	bkv, _ := b.KV()
	akv.Set("shared", "a-value", 0)

	_, ok := bkv.Get("shared")
	assert.Assert(t, !ok)
}
