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
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"github.com/hatago-dev/hatago/internal/jsonrpc"
	"github.com/hatago-dev/hatago/internal/logging"
	"github.com/hatago-dev/hatago/internal/session"
	"github.com/hatago-dev/hatago/internal/sessionid"
)

// StdioTransport runs the protocol over line-delimited JSON on the
// process streams. Exactly one session and one stream exist; log output
// is rerouted to stderr so stdout stays a clean protocol channel.
type StdioTransport struct {
	sessions   *session.Manager
	dispatcher Dispatcher
	logger     *logging.Logger

	in  io.Reader
	out io.Writer

	mu        sync.Mutex // serializes stdout writes
	sessionID string
}

// stdioChannel is the session transport for the single stdio session.
type stdioChannel struct {
	t *StdioTransport
}

func (c *stdioChannel) Send(msg *jsonrpc.Message) error { return c.t.write(msg) }
func (c *stdioChannel) Close() error                    { return nil }

// NewStdioTransport builds a transport over the given streams. Pass nil
// to use the process's stdin/stdout.
func NewStdioTransport(sessions *session.Manager, dispatcher Dispatcher, in io.Reader, out io.Writer, logger *logging.Logger) *StdioTransport {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &StdioTransport{
		sessions:   sessions,
		dispatcher: dispatcher,
		logger:     logger,
		in:         in,
		out:        out,
	}
}

func (t *StdioTransport) write(msg *jsonrpc.Message) error {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err = t.out.Write(append(data, '\n'))
	return err
}

// Run creates the transport's single session and serves frames until the
// input stream closes or the context is cancelled. The session is
// destroyed on return.
func (t *StdioTransport) Run(ctx context.Context) error {
	id, err := sessionid.New()
	if err != nil {
		return err
	}
	if err := t.sessions.CreateWithID(id, &stdioChannel{t: t}); err != nil {
		return err
	}
	t.sessionID = id
	defer func() { _ = t.sessions.Delete(id) }()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(t.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case line, open := <-lines:
			if !open {
				err := <-scanErr
				t.logger.Log(logging.LevelInfo, "input stream closed, shutting down stdio transport", nil)
				return err
			}
			if len(line) == 0 {
				continue
			}
			t.handle(ctx, line)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *StdioTransport) handle(ctx context.Context, line []byte) {
	msg, err := jsonrpc.Decode(line)
	if err != nil {
		_ = t.write(jsonrpc.NewError(nil, jsonrpc.CodeParseError, "Parse error"))
		return
	}
	if _, err := t.sessions.Access(t.sessionID); err != nil {
		_ = t.write(jsonrpc.NewError(msg.ID, jsonrpc.CodeInternalError, "Session unavailable"))
		return
	}
	resp := t.dispatcher.Dispatch(ctx, t.sessionID, msg, t.write)
	if resp != nil {
		if err := t.write(resp); err != nil {
			t.logger.Log(logging.LevelWarn, "failed to write response to stdout", map[string]any{
				"error": err.Error(),
			})
		}
	}
}
