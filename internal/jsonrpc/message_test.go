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

package jsonrpc

import (
	"encoding/json"
	"testing"

	"gotest.tools/assert"
)

func TestEncodeDecodeIdentity(t *testing.T) {
	// Given: a request with structured params
	req, err := NewRequest(int64(7), "tools/call", map[string]any{"name": "calc"})
	assert.NilError(t, err)

	// When: encoding and decoding it
	data, err := Encode(req)
	assert.NilError(t, err)
	decoded, err := Decode(data)
	assert.NilError(t, err)

	// Then: the round trip preserves the message
	assert.Equal(t, decoded.JSONRPC, Version)
	assert.Equal(t, decoded.Method, "tools/call")
	assert.Equal(t, decoded.ID, float64(7)) // JSON numbers decode as float64
	assert.Assert(t, decoded.IsRequest())
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	// Given: a frame claiming JSON-RPC 1.0
	data := []byte(`{"jsonrpc":"1.0","id":1,"method":"initialize"}`)

	// When: decoding it
	_, err := Decode(data)

	// Then: the version check fails
	assert.ErrorContains(t, err, "jsonrpc")
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"jsonrpc":`))
	assert.Assert(t, err != nil)
}

func TestKindClassification(t *testing.T) {
	// Given: one message of each kind
	req, err := NewRequest(1, "tools/list", nil)
	assert.NilError(t, err)
	note, err := NewNotification("notifications/progress", nil)
	assert.NilError(t, err)
	resp, err := NewResponse(1, map[string]any{"ok": true})
	assert.NilError(t, err)
	errMsg := NewError(1, CodeMethodNotFound, "Method not found")

	// Then: each classifies as itself and nothing else
	assert.Assert(t, req.IsRequest())
	assert.Assert(t, !req.IsNotification())
	assert.Assert(t, note.IsNotification())
	assert.Assert(t, !note.IsRequest())
	assert.Assert(t, resp.IsResponse())
	assert.Assert(t, errMsg.Error != nil)
	assert.Equal(t, errMsg.Error.Code, CodeMethodNotFound)
}

func TestErrorImplementsError(t *testing.T) {
	e := &Error{Code: CodeParseError, Message: "Parse error"}
	assert.ErrorContains(t, e, "Parse error")
}

func TestRawParamsPassThrough(t *testing.T) {
	// Given: params already serialized
	raw := json.RawMessage(`{"a":1}`)

	// When: building a request with them
	req, err := NewRequest(2, "initialize", raw)
	assert.NilError(t, err)

	// Then: the bytes survive verbatim
	assert.Equal(t, string(req.Params), `{"a":1}`)
}
