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

package main

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
)

// TestMainEntryPoint checks that the main entrypoint can be invoked.
func TestMainEntryPoint(t *testing.T) {
	// Given: run the CLI with help to avoid side effects.
	originalArgs := os.Args
	os.Args = []string{"hatago", "help"}
	t.Cleanup(func() {
		os.Args = originalArgs
	})

	stdout, stderr := captureStdoutAndStderr(t, func() {
		// When: invoke the real main entry point.
		main()
	})

	// Then: help text lists the binary and its commands.
	if stdout == "" {
		t.Fatalf("expected help text on stdout; got empty output")
	}
	if !strings.Contains(stdout, "hatago") {
		t.Fatalf("expected help output to mention binary name; got %q", stdout)
	}
	for _, command := range []string{"init", "serve", "discover", "keys"} {
		if !strings.Contains(stdout, command) {
			t.Fatalf("expected help output to list %q; got %q", command, stdout)
		}
	}
	if strings.TrimSpace(stderr) != "" {
		t.Fatalf("expected no stderr output; got %q", stderr)
	}
}

// captureStream swaps *target (os.Stdout or os.Stderr) for a pipe while fn
// runs and returns everything written to it.
func captureStream(t *testing.T, target **os.File, fn func()) string {
	t.Helper()

	reader, writer, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}

	original := *target
	*target = writer

	done := make(chan string, 1)
	go func() {
		var buffer bytes.Buffer
		_, _ = io.Copy(&buffer, reader)
		done <- buffer.String()
	}()

	fn()

	*target = original
	_ = writer.Close()
	out := <-done
	_ = reader.Close()
	return out
}

func captureStdoutAndStderr(t *testing.T, fn func()) (string, string) {
	t.Helper()
	var stderr string
	stdout := captureStream(t, &os.Stdout, func() {
		stderr = captureStream(t, &os.Stderr, fn)
	})
	return stdout, stderr
}
