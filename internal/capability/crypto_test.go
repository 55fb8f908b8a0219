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
	"crypto/sha256"
	"testing"

	"github.com/google/uuid"
	"gotest.tools/assert"
)

func TestRandomBytes(t *testing.T) {
	var c Crypto

	buf, err := c.RandomBytes(32)
	assert.NilError(t, err)
	assert.Equal(t, len(buf), 32)

	other, err := c.RandomBytes(32)
	assert.NilError(t, err)
	assert.Assert(t, string(buf) != string(other))

	_, err = c.RandomBytes(0)
	assert.ErrorContains(t, err, "must be positive")
	_, err = c.RandomBytes(-1)
	assert.ErrorContains(t, err, "must be positive")
}

func TestRandomUUIDIsValid(t *testing.T) {
	var c Crypto
	id := c.RandomUUID()
	parsed, err := uuid.Parse(id)
	assert.NilError(t, err)
	assert.Assert(t, parsed != uuid.Nil)
}

func TestSHA256MatchesStdlib(t *testing.T) {
	var c Crypto
	data := []byte("hatago")
	want := sha256.Sum256(data)
	assert.DeepEqual(t, c.SHA256(data), want[:])
}

func TestHMACSHA256(t *testing.T) {
	var c Crypto
	key := []byte("secret")
	data := []byte("payload")

	mac := c.HMACSHA256(key, data)
	assert.Equal(t, len(mac), sha256.Size)
	assert.DeepEqual(t, mac, c.HMACSHA256(key, data))

	other := c.HMACSHA256([]byte("other key"), data)
	assert.Assert(t, string(mac) != string(other))
}

func TestPasswordHashRoundTrip(t *testing.T) {
	var c Crypto

	hash, err := c.HashPassword("correct horse")
	assert.NilError(t, err)
	assert.Assert(t, hash != "correct horse")

	assert.Assert(t, c.ComparePassword(hash, "correct horse"))
	assert.Assert(t, !c.ComparePassword(hash, "wrong horse"))
}
