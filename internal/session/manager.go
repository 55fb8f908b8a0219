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

// Package session owns the multi-user session table: bounded capacity with
// LRU eviction, TTL refresh on access, atomic id rotation and per-plugin
// key/value data.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hatago-dev/hatago/internal/jsonrpc"
	"github.com/hatago-dev/hatago/internal/logging"
	"github.com/hatago-dev/hatago/internal/sessionid"
)

// Errors surfaced by the manager.
var (
	ErrNotFound         = errors.New("session_not_found")
	ErrCapacityExceeded = errors.New("capacity_exceeded")
	ErrInvalidID        = errors.New("bad_session")
	ErrDestroyed        = errors.New("session manager destroyed")
)

// Transport is the server-to-client half of a session. Implemented by the
// streamable HTTP transport and the stdio transport.
type Transport interface {
	// Send enqueues a server-initiated message for the client.
	Send(msg *jsonrpc.Message) error
	// Close releases the transport and aborts pending writes.
	Close() error
}

// Record bundles everything the gateway knows about one session. Records
// are exclusively owned by the Manager; callers receive snapshots or act
// through manager methods.
type Record struct {
	id             string
	transport      Transport
	data           map[string]any // pluginKey → opaque value
	createdAt      time.Time
	lastAccessedAt time.Time
	expiresAt      time.Time
}

// ID returns the session id.
func (r *Record) ID() string { return r.id }

// Transport returns the session transport. May be nil for sessions created
// before their stream is attached.
func (r *Record) Transport() Transport { return r.transport }

// CreatedAt returns the creation timestamp.
func (r *Record) CreatedAt() time.Time { return r.createdAt }

// LastAccessedAt returns the last access timestamp.
func (r *Record) LastAccessedAt() time.Time { return r.lastAccessedAt }

// ExpiresAt returns the expiry deadline.
func (r *Record) ExpiresAt() time.Time { return r.expiresAt }

// pluginKey builds the namespaced key for per-plugin data. Distinct
// plugins reading the same user key observe disjoint values.
func pluginKey(pluginID, userKey string) string {
	return fmt.Sprintf("plugin:%s:%s", pluginID, userKey)
}

// Options configure a Manager.
type Options struct {
	TTL             time.Duration
	MaxSessions     int
	CleanupInterval time.Duration
	Logger          *logging.Logger
}

// Manager owns the session table. One mutex guards every operation so
// create/access/rotate/delete/sweep are each a single atomic critical
// section.
type Manager struct {
	mu        sync.Mutex
	records   map[string]*Record
	opts      Options
	destroyed bool
	stopCh    chan struct{}
	logger    *logging.Logger
}

// NewManager creates a session manager and starts its sweeper.
func NewManager(opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	m := &Manager{
		records: make(map[string]*Record),
		opts:    opts,
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
	go m.sweepLoop()
	return m
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Create allocates a new session. At capacity, the least recently used
// record is evicted; with a zero cap every creation fails with
// ErrCapacityExceeded.
func (m *Manager) Create(transport Transport) (string, error) {
	id, err := sessionid.New()
	if err != nil {
		return "", err
	}
	if err := m.CreateWithID(id, transport); err != nil {
		return "", err
	}
	return id, nil
}

// CreateWithID allocates a session under a caller-provided id. Exposed for
// the stdio transport (one process, one session) and for tests.
func (m *Manager) CreateWithID(id string, transport Transport) error {
	if !sessionid.Valid(id) {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return ErrDestroyed
	}
	if m.opts.MaxSessions == 0 {
		return fmt.Errorf("%w: maxSessions is 0", ErrCapacityExceeded)
	}
	if _, exists := m.records[id]; exists {
		return fmt.Errorf("session id already exists")
	}
	if len(m.liveIDsLocked()) >= m.opts.MaxSessions {
		m.evictLRULocked()
	}

	now := time.Now()
	m.records[id] = &Record{
		id:             id,
		transport:      transport,
		data:           make(map[string]any),
		createdAt:      now,
		lastAccessedAt: now,
		expiresAt:      now.Add(m.opts.TTL),
	}
	return nil
}

// liveIDsLocked returns the ids of unexpired records. Callers hold m.mu.
func (m *Manager) liveIDsLocked() []string {
	now := time.Now()
	ids := make([]string, 0, len(m.records))
	for id, r := range m.records {
		if r.expiresAt.After(now) {
			ids = append(ids, id)
		} else {
			m.removeLocked(id)
		}
	}
	return ids
}

// evictLRULocked removes exactly one record, the one with the oldest
// lastAccessedAt. Callers hold m.mu.
func (m *Manager) evictLRULocked() {
	var victim string
	var oldest time.Time
	for id, r := range m.records {
		if victim == "" || r.lastAccessedAt.Before(oldest) {
			victim = id
			oldest = r.lastAccessedAt
		}
	}
	if victim != "" {
		m.logger.Log(logging.LevelDebug, "evicting least recently used session", nil)
		m.removeLocked(victim)
	}
}

// removeLocked deletes a record and closes its transport best-effort.
// Callers hold m.mu.
func (m *Manager) removeLocked(id string) {
	r, ok := m.records[id]
	if !ok {
		return
	}
	delete(m.records, id)
	if r.transport != nil {
		if err := r.transport.Close(); err != nil {
			m.logger.Log(logging.LevelWarn, "failed to close session transport", map[string]any{"error": err.Error()})
		}
	}
}

// getLocked returns a live record or nil. Expired records are invisible
// and removed on sight. Callers hold m.mu.
func (m *Manager) getLocked(id string) *Record {
	r, ok := m.records[id]
	if !ok {
		return nil
	}
	if !r.expiresAt.After(time.Now()) {
		m.removeLocked(id)
		return nil
	}
	return r
}

// Access touches a session: lastAccessedAt moves to now and expiresAt to
// now + TTL. Returns a snapshot of the record.
func (m *Manager) Access(id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return Record{}, ErrDestroyed
	}
	r := m.getLocked(id)
	if r == nil {
		return Record{}, ErrNotFound
	}
	now := time.Now()
	r.lastAccessedAt = now
	r.expiresAt = now.Add(m.opts.TTL)
	return *r, nil
}

// Has reports whether a live session exists without touching it.
func (m *Manager) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id) != nil
}

// Transport returns the transport of a live session, touching it.
func (m *Manager) Transport(id string) (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.getLocked(id)
	if r == nil {
		return nil, ErrNotFound
	}
	now := time.Now()
	r.lastAccessedAt = now
	r.expiresAt = now.Add(m.opts.TTL)
	return r.transport, nil
}

// SetTransport attaches or replaces the transport of a live session.
func (m *Manager) SetTransport(id string, transport Transport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.getLocked(id)
	if r == nil {
		return ErrNotFound
	}
	r.transport = transport
	return nil
}

// Rotate atomically replaces oldID with newID. Exactly one concurrent
// rotation of a given oldID succeeds; losers observe ErrNotFound. Plugin
// data moves to the new record, createdAt is preserved, the access
// timestamps are refreshed and the old transport is closed best-effort.
func (m *Manager) Rotate(oldID, newID string, newTransport Transport) error {
	if !sessionid.Valid(newID) {
		return ErrInvalidID
	}

	var oldTransport Transport

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	old := m.getLocked(oldID)
	if old == nil {
		m.mu.Unlock()
		return ErrNotFound
	}
	if _, taken := m.records[newID]; taken {
		m.mu.Unlock()
		return fmt.Errorf("session id already exists")
	}

	now := time.Now()
	m.records[newID] = &Record{
		id:             newID,
		transport:      newTransport,
		data:           old.data,
		createdAt:      old.createdAt,
		lastAccessedAt: now,
		expiresAt:      now.Add(m.opts.TTL),
	}
	oldTransport = old.transport
	delete(m.records, oldID)
	m.mu.Unlock()

	// Invalidate any reference an attacker might hold to the old stream.
	if oldTransport != nil {
		if err := oldTransport.Close(); err != nil {
			m.logger.Log(logging.LevelWarn, "failed to close rotated session transport", map[string]any{"error": err.Error()})
		}
	}
	return nil
}

// Delete removes a session. Idempotent: deleting an unknown id returns
// ErrNotFound deterministically.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	m.removeLocked(id)
	return nil
}

// SetPluginData stores an opaque value under the plugin's namespaced key.
// Last writer wins on concurrent writes to the same key.
func (m *Manager) SetPluginData(sessionID, pluginID, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.getLocked(sessionID)
	if r == nil {
		return ErrNotFound
	}
	r.data[pluginKey(pluginID, key)] = value
	return nil
}

// GetPluginData reads an opaque value from the plugin's namespace.
func (m *Manager) GetPluginData(sessionID, pluginID, key string) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.getLocked(sessionID)
	if r == nil {
		return nil, false, ErrNotFound
	}
	v, ok := r.data[pluginKey(pluginID, key)]
	return v, ok, nil
}

// DeletePluginData removes a value from the plugin's namespace.
func (m *Manager) DeletePluginData(sessionID, pluginID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.getLocked(sessionID)
	if r == nil {
		return ErrNotFound
	}
	delete(r.data, pluginKey(pluginID, key))
	return nil
}

// Sweep removes expired records. Runs on the cleanup interval and on
// demand in tests.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, r := range m.records {
		if !r.expiresAt.After(now) {
			m.removeLocked(id)
			removed++
		}
	}
	return removed
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.liveIDsLocked())
}

// Destroy stops the sweeper and drains all records, closing their
// transports. Subsequent operations fail with ErrDestroyed or ErrNotFound.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	for _, id := range ids {
		m.removeLocked(id)
	}
	m.mu.Unlock()
	close(m.stopCh)
}
