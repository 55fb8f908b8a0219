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

package auth

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/assert"
)

func TestGenerateAndVerifyRoundTrip(t *testing.T) {
	// Given: a generated key appended to a fresh file
	path := filepath.Join(t.TempDir(), "admin_keys.json")
	plain, err := GenerateKey()
	assert.NilError(t, err)
	assert.Assert(t, strings.HasPrefix(plain, "hk-"))

	entry, err := NewKeyEntry(plain)
	assert.NilError(t, err)
	_, err = AppendKey(path, entry)
	assert.NilError(t, err)

	// When: loading the store
	store, err := LoadKeys(path)
	assert.NilError(t, err)
	assert.Equal(t, store.Count(), 1)
	assert.Equal(t, store.Path(), path)

	// Then: only the original plaintext verifies
	assert.Assert(t, store.Verify(plain))
	assert.Assert(t, !store.Verify("hk-forged"))
	assert.Assert(t, !store.Verify(""))
}

func TestAppendPreservesExistingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admin_keys.json")
	first, err := NewKeyEntry("hk-first")
	assert.NilError(t, err)
	second, err := NewKeyEntry("hk-second")
	assert.NilError(t, err)

	_, err = AppendKey(path, first)
	assert.NilError(t, err)
	file, err := AppendKey(path, second)
	assert.NilError(t, err)
	assert.Equal(t, len(file.Keys), 2)

	store, err := LoadKeys(path)
	assert.NilError(t, err)
	assert.Assert(t, store.Verify("hk-first"))
	assert.Assert(t, store.Verify("hk-second"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadKeys(filepath.Join(t.TempDir(), "nope.json"))
	assert.Assert(t, errors.Is(err, ErrKeyFileNotFound))
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admin_keys.json")
	assert.NilError(t, WriteKeyFile(path, &KeyFile{}))
	_, err := LoadKeys(path)
	assert.Assert(t, errors.Is(err, ErrKeyFileEmpty))
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admin_keys.json")
	assert.NilError(t, os.WriteFile(path, []byte("not json"), 0o600))
	_, err := LoadKeys(path)
	assert.Assert(t, errors.Is(err, ErrKeyFileInvalid))
}

func TestLoadRejectsEmptyHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admin_keys.json")
	assert.NilError(t, WriteKeyFile(path, &KeyFile{Keys: []KeyEntry{{ID: "key_1", Hash: "  "}}}))
	_, err := LoadKeys(path)
	assert.Assert(t, errors.Is(err, ErrKeyFileInvalid))
}

func TestNewKeyEntryRejectsEmptyKey(t *testing.T) {
	_, err := NewKeyEntry("   ")
	assert.Assert(t, errors.Is(err, ErrKeyFileInvalid))
}

func TestKeyFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admin_keys.json")
	entry, err := NewKeyEntry("hk-perm")
	assert.NilError(t, err)
	_, err = AppendKey(path, entry)
	assert.NilError(t, err)

	info, err := os.Stat(path)
	assert.NilError(t, err)
	assert.Equal(t, info.Mode().Perm(), os.FileMode(0o600))
}

func TestNilStoreIsSafe(t *testing.T) {
	var store *KeyStore
	assert.Assert(t, !store.Verify("anything"))
	assert.Equal(t, store.Count(), 0)
	assert.Equal(t, store.Path(), "")
}
