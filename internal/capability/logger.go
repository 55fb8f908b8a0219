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

import "github.com/hatago-dev/hatago/internal/logging"

// Logger is the logging capability. Every entry is tagged with the owning
// plugin's id so gateway output stays attributable.
type Logger struct {
	pluginID string
	backend  *logging.Logger
}

func newLogger(backend *logging.Logger, pluginID string) *Logger {
	return &Logger{pluginID: pluginID, backend: backend}
}

func (l *Logger) log(level logging.Level, message string, fields map[string]any) {
	tagged := map[string]any{"plugin": l.pluginID}
	for k, v := range fields {
		tagged[k] = v
	}
	l.backend.Log(level, message, tagged)
}

// Debug logs at debug level.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.log(logging.LevelDebug, message, fields)
}

// Info logs at info level.
func (l *Logger) Info(message string, fields map[string]any) {
	l.log(logging.LevelInfo, message, fields)
}

// Warn logs at warn level.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.log(logging.LevelWarn, message, fields)
}

// Error logs at error level.
func (l *Logger) Error(message string, fields map[string]any) {
	l.log(logging.LevelError, message, fields)
}
