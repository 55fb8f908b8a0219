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

// Package jsonrpc implements the JSON-RPC 2.0 message model the gateway
// speaks on every transport.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only protocol version the gateway accepts.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes, plus the server-defined range used by
// the streamable transport.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeMethodNotAllowed = -32000
)

// ErrInvalidVersion is returned when a frame does not declare jsonrpc "2.0".
var ErrInvalidVersion = errors.New(`message must declare jsonrpc "2.0"`)

// Kind classifies a decoded message.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Message is a single JSON-RPC 2.0 frame. The same struct represents
// requests, notifications, responses and errors; Kind() tells them apart.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Kind classifies the message. Responses carry a result or error and no
// method; notifications carry a method and no id.
func (m *Message) Kind() Kind {
	if m.Error != nil {
		return KindError
	}
	if m.Result != nil {
		return KindResponse
	}
	if m.ID == nil {
		return KindNotification
	}
	return KindRequest
}

// IsRequest reports whether the message expects a reply.
func (m *Message) IsRequest() bool { return m.Kind() == KindRequest }

// IsNotification reports whether the message expects no reply.
func (m *Message) IsNotification() bool { return m.Kind() == KindNotification }

// IsResponse reports whether the message answers a prior request.
func (m *Message) IsResponse() bool {
	k := m.Kind()
	return k == KindResponse || k == KindError
}

// NewRequest builds a request frame.
func NewRequest(id any, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification frame.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id any, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds an error response for the given request id. The id may be
// nil when the request could not be parsed at all.
func NewError(id any, code int, message string) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}

// Decode parses a single frame and validates the protocol version.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.JSONRPC != Version {
		return nil, ErrInvalidVersion
	}
	return &msg, nil
}

// Encode serializes a frame.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}
