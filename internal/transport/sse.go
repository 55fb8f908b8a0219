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

package transport

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// ErrStreamWrite marks a failed write to a client stream. Repeated write
// failures terminate the session.
var ErrStreamWrite = errors.New("stream_write_failed")

// streamWriter serializes SSE frame writes onto one HTTP response.
type streamWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// newStreamWriter prepares a response for SSE and returns a writer for
// it. Fails when the ResponseWriter cannot flush.
func newStreamWriter(w http.ResponseWriter) (*streamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("%w: response writer does not support streaming", ErrStreamWrite)
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	return &streamWriter{w: w, flusher: flusher}, nil
}

// writeEvent emits one `event: message` frame with its id and flushes.
func (s *streamWriter) writeEvent(id uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: message\ndata: %s\n\n", id, data); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamWrite, err)
	}
	s.flusher.Flush()
	return nil
}
