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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// fetchTimeout bounds a single plugin-initiated request.
const fetchTimeout = 30 * time.Second

// fetchMaxBody caps the response bytes a plugin may pull in (8 MiB).
const fetchMaxBody = 8 << 20

// Fetch is the outbound HTTP capability.
type Fetch struct {
	pluginID string
	client   *http.Client
}

func newFetch(pluginID string) *Fetch {
	return &Fetch{
		pluginID: pluginID,
		client:   &http.Client{Timeout: fetchTimeout},
	}
}

// Request describes an outbound HTTP call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the materialized result of a call. Bodies larger than the
// capability's cap are truncated.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Do performs the request. The context bounds the call in addition to the
// capability's own timeout.
func (f *Fetch) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBody))
	if err != nil {
		return nil, fmt.Errorf("fetch: failed to read response body: %w", err)
	}
	return &Response{Status: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}
