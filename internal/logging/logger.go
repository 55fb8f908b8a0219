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

// Package logging provides the gateway's leveled logger and the JSONL
// traffic log. The logger is deliberately sink-agnostic: callers emit
// `Log(level, message, fields)` and the configured writer decides how the
// entry is rendered.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "unknown"
}

// ParseLevel converts a LOG_LEVEL string into a Level. Unknown values
// default to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format selects how entries are rendered.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat converts a LOG_FORMAT string into a Format.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatText
}

// Options configure a Logger.
type Options struct {
	Level  Level
	Format Format
	// Color enables ANSI colors for text output. NO_COLOR and FORCE_COLOR
	// are resolved by OptionsFromEnv.
	Color bool
	// Writer receives rendered entries. Defaults to os.Stderr, which keeps
	// the protocol stream clean when the stdio transport is active.
	Writer io.Writer
}

// OptionsFromEnv builds Options from LOG_LEVEL, LOG_FORMAT, NO_COLOR and
// FORCE_COLOR.
func OptionsFromEnv() Options {
	opts := Options{
		Level:  ParseLevel(os.Getenv("LOG_LEVEL")),
		Format: ParseFormat(os.Getenv("LOG_FORMAT")),
		Color:  true,
	}
	if _, set := os.LookupEnv("NO_COLOR"); set {
		opts.Color = false
	}
	if v := os.Getenv("FORCE_COLOR"); v != "" && v != "0" {
		opts.Color = true
	}
	return opts
}

var levelColors = map[Level]string{
	LevelDebug: "\033[36m",
	LevelInfo:  "\033[32m",
	LevelWarn:  "\033[33m",
	LevelError: "\033[31m",
}

const colorReset = "\033[0m"

// Logger renders leveled entries to a single writer.
type Logger struct {
	mu   sync.Mutex
	opts Options
}

// NewLogger creates a logger with the given options.
func NewLogger(opts Options) *Logger {
	if opts.Writer == nil {
		opts.Writer = os.Stderr
	}
	return &Logger{opts: opts}
}

// SetWriter swaps the output writer. Used by the stdio transport to make
// sure nothing but protocol frames reach stdout.
func (l *Logger) SetWriter(w io.Writer) {
	l.mu.Lock()
	l.opts.Writer = w
	l.mu.Unlock()
}

// Log emits a structured entry. Fields are rendered sorted by key so text
// output is stable.
func (l *Logger) Log(level Level, message string, fields map[string]any) {
	if level < l.opts.Level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.opts.Format == FormatJSON {
		entry := map[string]any{
			"time":    time.Now().UTC().Format(time.RFC3339Nano),
			"level":   level.String(),
			"message": message,
		}
		for k, v := range fields {
			entry[k] = v
		}
		data, err := json.Marshal(entry)
		if err != nil {
			// Fields that cannot be marshaled must not drop the entry.
			data, _ = json.Marshal(map[string]any{
				"time":    time.Now().UTC().Format(time.RFC3339Nano),
				"level":   level.String(),
				"message": message,
			})
		}
		fmt.Fprintln(l.opts.Writer, string(data))
		return
	}

	label := strings.ToUpper(level.String())
	if l.opts.Color {
		label = levelColors[level] + label + colorReset
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", time.Now().Format("2006-01-02 15:04:05"), label, message)
	for _, k := range sortedKeys(fields) {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	fmt.Fprintln(l.opts.Writer, b.String())
}

// Debugf logs a formatted debug message.
func (l *Logger) Debugf(format string, args ...any) {
	l.Log(LevelDebug, fmt.Sprintf(format, args...), nil)
}

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...any) {
	l.Log(LevelInfo, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, args ...any) {
	l.Log(LevelWarn, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...any) {
	l.Log(LevelError, fmt.Sprintf(format, args...), nil)
}

func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ============================================================================
// Global logger
// ============================================================================

var (
	globalMu     sync.RWMutex
	globalLogger = NewLogger(Options{Level: LevelInfo, Writer: os.Stderr})
)

// Initialize replaces the global logger. Call once at startup.
func Initialize(opts Options) {
	globalMu.Lock()
	globalLogger = NewLogger(opts)
	globalMu.Unlock()
}

// Default returns the global logger.
func Default() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Log emits a structured entry on the global logger.
func Log(level Level, message string, fields map[string]any) {
	Default().Log(level, message, fields)
}

// Debugf logs a formatted debug message on the global logger.
func Debugf(format string, args ...any) { Default().Debugf(format, args...) }

// Infof logs a formatted info message on the global logger.
func Infof(format string, args ...any) { Default().Infof(format, args...) }

// Warnf logs a formatted warning message on the global logger.
func Warnf(format string, args ...any) { Default().Warnf(format, args...) }

// Errorf logs a formatted error message on the global logger.
func Errorf(format string, args ...any) { Default().Errorf(format, args...) }
