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

package plugin

// State is a plugin lifecycle phase.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateRunning State = "running"
	StateError   State = "error"
	StateStopped State = "stopped"
)

// EventKind drives lifecycle transitions.
type EventKind string

const (
	EventLoad     EventKind = "load"
	EventLoadOK   EventKind = "load_ok"
	EventLoadFail EventKind = "load_fail"
	EventFail     EventKind = "fail"
	EventStop     EventKind = "stop"
)

// LifecycleEvent is one input to the reducer.
type LifecycleEvent struct {
	Kind EventKind
	Err  error // load_fail, fail
}

// Effect is a side effect the caller executes after a transition. The
// reducer itself is pure so the transition table stays unit-testable.
type Effect string

const (
	EffectConstruct   Effect = "construct"    // run the entry factory
	EffectRetain      Effect = "retain"       // keep the instance by name
	EffectRecordError Effect = "record_error" // store the failure message
	EffectRelease     Effect = "release"      // free instance resources
)

// Step applies one event to a state and returns the next state plus the
// effects to execute. Events illegal in the current state leave it
// unchanged with no effects.
func Step(state State, ev LifecycleEvent) (State, []Effect) {
	switch state {
	case StateIdle:
		if ev.Kind == EventLoad {
			return StateLoading, []Effect{EffectConstruct}
		}
	case StateLoading:
		switch ev.Kind {
		case EventLoadOK:
			return StateRunning, []Effect{EffectRetain}
		case EventLoadFail:
			return StateError, []Effect{EffectRecordError}
		}
	case StateRunning:
		switch ev.Kind {
		case EventStop:
			return StateStopped, []Effect{EffectRelease}
		case EventFail:
			return StateError, []Effect{EffectRecordError}
		}
	case StateError:
		// Stop still applies so an errored plugin can release whatever it
		// constructed before failing.
		if ev.Kind == EventStop {
			return StateStopped, []Effect{EffectRelease}
		}
	case StateStopped:
		// Terminal for this incarnation.
	}
	return state, nil
}
