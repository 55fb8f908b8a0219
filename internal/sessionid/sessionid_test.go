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

package sessionid

import (
	"strings"
	"testing"

	"gotest.tools/assert"
)

func TestNewProduces64LowercaseHex(t *testing.T) {
	// When: generating an id
	id, err := New()
	assert.NilError(t, err)

	// Then: it is 64 lowercase hex characters
	assert.Equal(t, len(id), Length)
	assert.Equal(t, id, strings.ToLower(id))
	assert.Assert(t, Valid(id))
}

func TestNewIsUnique(t *testing.T) {
	a, err := New()
	assert.NilError(t, err)
	b, err := New()
	assert.NilError(t, err)
	assert.Assert(t, a != b)
}

func TestValidBoundaryLengths(t *testing.T) {
	// Given: ids one character short and one character long
	base := strings.Repeat("a", Length)

	// Then: only the exact length passes
	assert.Assert(t, Valid(base))
	assert.Assert(t, !Valid(base[:Length-1]))
	assert.Assert(t, !Valid(base+"a"))
}

func TestValidRejectsNonHex(t *testing.T) {
	bad := strings.Repeat("a", Length-1) + "g"
	assert.Assert(t, !Valid(bad))
}

func TestValidAcceptsUppercaseHex(t *testing.T) {
	assert.Assert(t, Valid(strings.Repeat("A", Length)))
}

func TestEqual(t *testing.T) {
	id, err := New()
	assert.NilError(t, err)
	assert.Assert(t, Equal(id, id))
	assert.Assert(t, !Equal(id, id[:Length-1]))

	other, err := New()
	assert.NilError(t, err)
	assert.Assert(t, !Equal(id, other))
}
