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

// Package capability grants plugins access to host facilities. A plugin
// only ever sees the capabilities its manifest declares; everything else
// is absent from its capability set.
package capability

import (
	"fmt"

	"github.com/hatago-dev/hatago/internal/logging"
)

// Known capability names. The logger is granted implicitly to every
// plugin; the rest are opt-in through the manifest.
const (
	NameLogger = "logger"
	NameFetch  = "fetch"
	NameKV     = "kv"
	NameTimer  = "timer"
	NameCrypto = "crypto"
)

// Known reports whether name is a capability the host can grant.
func Known(name string) bool {
	switch name {
	case NameLogger, NameFetch, NameKV, NameTimer, NameCrypto:
		return true
	}
	return false
}

// ErrUnavailable wraps access to a capability the manifest did not
// declare.
func ErrUnavailable(name string) error {
	return fmt.Errorf("unavailable capability: %s", name)
}

// Set is the fixed capability record handed to a plugin. Fields for
// ungranted capabilities are nil; the accessor methods turn nil fields
// into deterministic errors so plugin code gets a uniform failure mode.
type Set struct {
	pluginID string

	logger *Logger
	fetch  *Fetch
	kv     *KV
	timer  *Timer
	crypto *Crypto
}

// PluginID returns the owning plugin's id.
func (s *Set) PluginID() string { return s.pluginID }

// Logger returns the logging capability. Always granted.
func (s *Set) Logger() *Logger { return s.logger }

// Fetch returns the outbound HTTP capability.
func (s *Set) Fetch() (*Fetch, error) {
	if s.fetch == nil {
		return nil, ErrUnavailable(NameFetch)
	}
	return s.fetch, nil
}

// KV returns the key/value store capability.
func (s *Set) KV() (*KV, error) {
	if s.kv == nil {
		return nil, ErrUnavailable(NameKV)
	}
	return s.kv, nil
}

// Timer returns the timer capability.
func (s *Set) Timer() (*Timer, error) {
	if s.timer == nil {
		return nil, ErrUnavailable(NameTimer)
	}
	return s.timer, nil
}

// Crypto returns the cryptographic helper capability.
func (s *Set) Crypto() (*Crypto, error) {
	if s.crypto == nil {
		return nil, ErrUnavailable(NameCrypto)
	}
	return s.crypto, nil
}

// Registry builds capability sets for plugins.
type Registry struct {
	logger *logging.Logger
}

// NewRegistry creates a capability registry backed by the given logger.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{logger: logger}
}

// For assembles the capability set for one plugin. Unknown names in
// granted are an error; the manifest validator rejects them earlier, so
// hitting this indicates a host bug.
func (r *Registry) For(pluginID string, granted []string) (*Set, error) {
	set := &Set{
		pluginID: pluginID,
		logger:   newLogger(r.logger, pluginID),
	}
	for _, name := range granted {
		switch name {
		case NameLogger:
			// Implicit; listing it is harmless.
		case NameFetch:
			set.fetch = newFetch(pluginID)
		case NameKV:
			set.kv = newKV()
		case NameTimer:
			set.timer = newTimer()
		case NameCrypto:
			set.crypto = &Crypto{}
		default:
			return nil, fmt.Errorf("unknown capability %q requested by plugin %s", name, pluginID)
		}
	}
	return set, nil
}
