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

// Package supervisor runs upstream server subprocesses: spawn, stream
// capture, graceful termination and bounded restart with exponential
// backoff.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hatago-dev/hatago/internal/logging"
)

// State is a process lifecycle phase. Transitions follow a fixed graph:
// stopped → starting → running, running → stopping → stopped on request,
// running → crashed on unexpected exit, crashed → restarting → starting
// when the restart policy allows.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateCrashed    State = "crashed"
	StateRestarting State = "restarting"
)

// EventType discriminates supervisor events.
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventOutput      EventType = "output"
	EventError       EventType = "error"
	EventRestart     EventType = "restart"
)

// Event is one observation emitted on the process event channel.
type Event struct {
	Type    EventType
	State   State  // state_change
	Stream  string // output: "stdout" or "stderr"
	Line    string // output
	Err     error  // error
	Attempt int    // restart
	Time    time.Time
}

// Marker environment variables stamped onto every child so orphan
// processes can be traced back to the gateway that spawned them.
const (
	EnvGatewayID = "HATAGO_GATEWAY_ID"
	EnvServerID  = "HATAGO_SERVER_ID"
)

// eventBuffer sizes the event channel. Slow consumers drop events rather
// than wedging the monitor goroutine.
const eventBuffer = 64

// ErrNotRunning is returned by operations that need a live child.
var ErrNotRunning = errors.New("process not running")

// Spec describes a supervised subprocess.
type Spec struct {
	ID        string
	GatewayID string
	Command   string
	Args      []string
	Env       map[string]string
	Dir       string

	// CaptureStdout keeps stdout as a pipe for a protocol client instead
	// of scanning it into output events. Stderr is always scanned.
	CaptureStdout bool

	RestartOnFailure bool
	MaxRestarts      int
	RestartCooldown  time.Duration
	StopGracePeriod  time.Duration
}

// Process supervises one subprocess across restarts.
type Process struct {
	spec   Spec
	logger *logging.Logger

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	restarts int
	stopping bool
	backoff  *backoff.ExponentialBackOff

	// evMu guards emit against close. Always acquired after p.mu when
	// both are held.
	evMu     sync.Mutex
	evClosed bool
	events   chan Event
	done     chan struct{}

	// scanWG tracks stream scanner goroutines so settling waits for
	// their final output events before the channel closes.
	scanWG sync.WaitGroup
}

// New creates a supervised process in the stopped state.
func New(spec Spec, logger *logging.Logger) *Process {
	if logger == nil {
		logger = logging.Default()
	}
	if spec.StopGracePeriod <= 0 {
		spec.StopGracePeriod = 5 * time.Second
	}
	if spec.RestartCooldown <= 0 {
		spec.RestartCooldown = time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = spec.RestartCooldown
	return &Process{
		spec:    spec,
		logger:  logger,
		state:   StateStopped,
		backoff: b,
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
	}
}

// Events returns the process event channel. Events are dropped when the
// consumer lags behind. The channel is closed once the process settles
// for good (stopped on request, terminal crash, abandoned restart), so
// range-based consumers terminate with it.
func (p *Process) Events() <-chan Event { return p.events }

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Restarts returns how many restarts have been consumed.
func (p *Process) Restarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

// Stdin returns the child's stdin pipe. Only valid while running with
// CaptureStdout set.
func (p *Process) Stdin() (io.WriteCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return nil, ErrNotRunning
	}
	return p.stdin, nil
}

// Stdout returns the child's stdout pipe. Only valid while running with
// CaptureStdout set.
func (p *Process) Stdout() (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdout == nil {
		return nil, ErrNotRunning
	}
	return p.stdout, nil
}

func (p *Process) emit(ev Event) {
	ev.Time = time.Now()
	p.evMu.Lock()
	defer p.evMu.Unlock()
	if p.evClosed {
		return
	}
	select {
	case p.events <- ev:
	default:
	}
}

// closeEvents marks the process settled and closes the event channel.
// Waits for the stream scanners so their final lines are not cut off.
// Idempotent; later emits are dropped.
func (p *Process) closeEvents() {
	p.scanWG.Wait()
	p.evMu.Lock()
	defer p.evMu.Unlock()
	if p.evClosed {
		return
	}
	p.evClosed = true
	close(p.events)
}

func (p *Process) settled() bool {
	p.evMu.Lock()
	defer p.evMu.Unlock()
	return p.evClosed
}

// setState transitions and emits a state_change event. Callers hold p.mu.
func (p *Process) setState(s State) {
	if p.state == s {
		return
	}
	p.state = s
	p.emit(Event{Type: EventStateChange, State: s})
}

// Start spawns the child. Only legal from stopped or crashed, and only
// before the process has settled for good.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled() {
		return fmt.Errorf("process %s has settled, events channel closed", p.spec.ID)
	}
	if p.state != StateStopped && p.state != StateCrashed {
		return fmt.Errorf("cannot start from state %s", p.state)
	}
	p.stopping = false
	return p.startLocked(ctx)
}

// startLocked does the actual spawn. Callers hold p.mu.
func (p *Process) startLocked(ctx context.Context) error {
	p.setState(StateStarting)

	cmd := exec.CommandContext(ctx, p.spec.Command, p.spec.Args...)
	cmd.Dir = p.spec.Dir
	cmd.Env = os.Environ()
	for k, v := range p.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env,
		EnvGatewayID+"="+p.spec.GatewayID,
		EnvServerID+"="+p.spec.ID,
	)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.setState(StateStopped)
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if p.spec.CaptureStdout {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			p.setState(StateStopped)
			return fmt.Errorf("failed to open stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			p.setState(StateStopped)
			return fmt.Errorf("failed to open stdout pipe: %w", err)
		}
		p.stdin = stdin
		p.stdout = stdout
	} else {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			p.setState(StateStopped)
			return fmt.Errorf("failed to open stdout pipe: %w", err)
		}
		p.scanWG.Add(1)
		go p.scan("stdout", stdout)
	}
	p.scanWG.Add(1)
	go p.scan("stderr", stderr)

	if err := cmd.Start(); err != nil {
		p.stdin = nil
		p.stdout = nil
		p.setState(StateStopped)
		return fmt.Errorf("failed to start %s: %w", p.spec.Command, err)
	}

	p.cmd = cmd
	p.setState(StateRunning)
	p.logger.Log(logging.LevelInfo, "subprocess started", map[string]any{
		"server": p.spec.ID,
		"pid":    cmd.Process.Pid,
	})

	go p.monitor(ctx, cmd)
	return nil
}

// scan turns a child stream into line-oriented output events.
func (p *Process) scan(stream string, r io.Reader) {
	defer p.scanWG.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		p.emit(Event{Type: EventOutput, Stream: stream, Line: scanner.Text()})
	}
}

// monitor waits for the child to exit and applies the restart policy.
func (p *Process) monitor(ctx context.Context, cmd *exec.Cmd) {
	err := cmd.Wait()

	p.mu.Lock()
	if p.cmd != cmd {
		// A newer incarnation replaced this one.
		p.mu.Unlock()
		return
	}
	p.cmd = nil
	p.stdin = nil
	p.stdout = nil

	if p.stopping {
		p.setState(StateStopped)
		p.mu.Unlock()
		p.closeEvents()
		return
	}

	p.setState(StateCrashed)
	if err != nil {
		p.emit(Event{Type: EventError, Err: fmt.Errorf("subprocess exited: %w", err)})
	} else {
		p.emit(Event{Type: EventError, Err: errors.New("subprocess exited unexpectedly")})
	}

	if !p.spec.RestartOnFailure || p.restarts >= p.spec.MaxRestarts {
		p.logger.Log(logging.LevelError, "subprocess will not be restarted", map[string]any{
			"server":   p.spec.ID,
			"restarts": p.restarts,
		})
		p.mu.Unlock()
		p.closeEvents()
		return
	}

	p.restarts++
	attempt := p.restarts
	delay := p.backoff.NextBackOff()
	p.setState(StateRestarting)
	p.emit(Event{Type: EventRestart, Attempt: attempt})
	p.mu.Unlock()

	p.logger.Log(logging.LevelWarn, "restarting subprocess", map[string]any{
		"server":  p.spec.ID,
		"attempt": attempt,
		"delay":   delay.String(),
	})

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		p.mu.Lock()
		p.setState(StateStopped)
		p.mu.Unlock()
		p.closeEvents()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		p.setState(StateStopped)
		p.closeEvents()
		return
	}
	if err := p.startLocked(ctx); err != nil {
		p.setState(StateStopped)
		p.emit(Event{Type: EventError, Err: err})
		p.closeEvents()
	}
}

// Stop terminates the child: SIGTERM, then SIGKILL after the grace
// period. Idempotent.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	cmd := p.cmd
	if cmd == nil || p.state == StateStopped {
		p.setState(StateStopped)
		p.mu.Unlock()
		p.closeEvents()
		return nil
	}
	p.setState(StateStopping)
	p.mu.Unlock()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}

	deadline := time.NewTimer(p.spec.StopGracePeriod)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if p.State() == StateStopped {
				return nil
			}
		case <-deadline.C:
			p.logger.Log(logging.LevelWarn, "grace period elapsed, killing subprocess", map[string]any{
				"server": p.spec.ID,
			})
			_ = cmd.Process.Kill()
			return nil
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			return ctx.Err()
		}
	}
}

// ResetRestarts clears the restart budget, typically after a sustained
// healthy period.
func (p *Process) ResetRestarts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarts = 0
	p.backoff.Reset()
}
