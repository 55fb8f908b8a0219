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
	"sync"
	"time"
)

// Timer is the scheduling capability. Timers are tracked so StopAll can
// cancel everything a plugin scheduled when the host shuts it down.
type Timer struct {
	mu      sync.Mutex
	nextID  int
	timers  map[int]*time.Timer
	tickers map[int]chan struct{}
}

func newTimer() *Timer {
	return &Timer{
		timers:  make(map[int]*time.Timer),
		tickers: make(map[int]chan struct{}),
	}
}

// After schedules fn to run once after d. Returns a handle for Cancel.
func (t *Timer) After(d time.Duration, fn func()) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.timers[id] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
		fn()
	})
	return id
}

// Every schedules fn to run on each tick of d until cancelled.
func (t *Timer) Every(d time.Duration, fn func()) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	stop := make(chan struct{})
	t.tickers[id] = stop
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-stop:
				return
			}
		}
	}()
	return id
}

// Cancel stops a scheduled timer or ticker. Unknown handles are ignored.
func (t *Timer) Cancel(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
	if stop, ok := t.tickers[id]; ok {
		close(stop)
		delete(t.tickers, id)
	}
}

// StopAll cancels every outstanding timer and ticker.
func (t *Timer) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	for id, stop := range t.tickers {
		close(stop)
		delete(t.tickers, id)
	}
}
