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

// Package auth manages the admin keys that guard the gateway's management
// endpoints. Keys are stored bcrypt-hashed; the plaintext is shown once at
// generation time and never written to disk.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrKeyFileNotFound is returned when the key file does not exist.
	ErrKeyFileNotFound = errors.New("admin key file not found")

	// ErrKeyFileEmpty is returned when the key file holds no keys.
	ErrKeyFileEmpty = errors.New("admin key file contains no keys")

	// ErrKeyFileInvalid is returned when the key file is malformed.
	ErrKeyFileInvalid = errors.New("admin key file is invalid")
)

// KeyFile is the on-disk format.
type KeyFile struct {
	Keys []KeyEntry `json:"keys"`
}

// KeyEntry is one stored key hash plus metadata.
type KeyEntry struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	CreatedAt string `json:"created_at"`
}

// KeyStore holds loaded keys for verification.
type KeyStore struct {
	path    string
	entries []KeyEntry
}

// LoadKeys loads and validates a key file.
func LoadKeys(path string) (*KeyStore, error) {
	file, err := ReadKeyFile(path)
	if err != nil {
		return nil, err
	}
	if len(file.Keys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrKeyFileEmpty, path)
	}
	for _, entry := range file.Keys {
		if strings.TrimSpace(entry.Hash) == "" {
			return nil, fmt.Errorf("%w: entry with empty hash", ErrKeyFileInvalid)
		}
	}
	return &KeyStore{path: path, entries: file.Keys}, nil
}

// Verify reports whether key matches any stored hash.
func (s *KeyStore) Verify(key string) bool {
	if s == nil || key == "" {
		return false
	}
	for _, entry := range s.entries {
		if bcrypt.CompareHashAndPassword([]byte(entry.Hash), []byte(key)) == nil {
			return true
		}
	}
	return false
}

// Count returns the number of stored keys.
func (s *KeyStore) Count() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Path returns the file the keys were loaded from.
func (s *KeyStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// ReadKeyFile loads the raw key file without validating entries.
func ReadKeyFile(path string) (*KeyFile, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyFileNotFound, path)
		}
		return nil, fmt.Errorf("failed to read admin key file: %w", err)
	}
	var file KeyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFileInvalid, err)
	}
	if file.Keys == nil {
		file.Keys = []KeyEntry{}
	}
	return &file, nil
}

// WriteKeyFile persists the key file with owner-only permissions.
func WriteKeyFile(path string, file *KeyFile) error {
	if file == nil {
		return fmt.Errorf("%w: nil payload", ErrKeyFileInvalid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create admin key directory: %w", err)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal admin key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write admin key file: %w", err)
	}
	return nil
}

// AppendKey adds an entry to the key file, creating the file if needed.
func AppendKey(path string, entry KeyEntry) (*KeyFile, error) {
	file, err := ReadKeyFile(path)
	if err != nil {
		if !errors.Is(err, ErrKeyFileNotFound) {
			return nil, err
		}
		file = &KeyFile{Keys: []KeyEntry{}}
	}
	file.Keys = append(file.Keys, entry)
	if err := WriteKeyFile(path, file); err != nil {
		return nil, err
	}
	return file, nil
}

// GenerateKey draws a fresh plaintext key with a recognizable prefix.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate admin key: %w", err)
	}
	return "hk-" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewKeyEntry hashes a plaintext key into a storable entry.
func NewKeyEntry(plainKey string) (KeyEntry, error) {
	if strings.TrimSpace(plainKey) == "" {
		return KeyEntry{}, fmt.Errorf("%w: empty key", ErrKeyFileInvalid)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plainKey), bcrypt.DefaultCost)
	if err != nil {
		return KeyEntry{}, fmt.Errorf("failed to hash admin key: %w", err)
	}
	id, err := newKeyID()
	if err != nil {
		return KeyEntry{}, err
	}
	return KeyEntry{
		ID:        id,
		Hash:      string(hash),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func newKeyID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key id: %w", err)
	}
	return "key_" + hex.EncodeToString(buf), nil
}
