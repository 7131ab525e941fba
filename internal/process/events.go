// Copyright 2025 Tom Barlow
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

package process

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of lifecycle event.
type EventType string

const (
	// EventStarted indicates a process was spawned and registered.
	EventStarted EventType = "started"
	// EventStopped indicates a process was stopped on request.
	EventStopped EventType = "stopped"
	// EventExited indicates the watchdog found a process had exited.
	EventExited EventType = "exited"
	// EventSignal indicates a signal was sent to a single process.
	EventSignal EventType = "signal"
	// EventSignalAll indicates a signal was broadcast to every process.
	EventSignalAll EventType = "signal_all"
	// EventShutdown indicates the manager shut down.
	EventShutdown EventType = "shutdown"
)

// Event is a lifecycle notification delivered to observers.
type Event struct {
	ID          string       `json:"id"`
	Type        EventType    `json:"event"`
	Timestamp   time.Time    `json:"timestamp"`
	PID         int          `json:"pid,omitempty"`
	ProcessName string       `json:"process_name,omitempty"`
	Command     []string     `json:"command,omitempty"`
	Force       *bool        `json:"force,omitempty"`
	Result      *bool        `json:"result,omitempty"`
	ExitCode    *int         `json:"exit_code,omitempty"`
	Signal      string       `json:"signal,omitempty"`
	Source      string       `json:"source,omitempty"`
	Results     map[int]bool `json:"results,omitempty"`
	Failures    []int        `json:"failures,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Observer receives lifecycle events. Observers run synchronously on the
// goroutine that emitted the event and must not block.
type Observer func(Event)

// observers is a panic-safe observer list.
type observers struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	fns    map[uint64]Observer
	order  []uint64
}

func newObservers(logger *slog.Logger) *observers {
	return &observers{logger: logger, fns: make(map[uint64]Observer)}
}

// add registers fn and returns a function that removes it.
func (o *observers) add(fn Observer) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.fns[id] = fn
	o.order = append(o.order, id)
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.fns, id)
			for i, v := range o.order {
				if v == id {
					o.order = append(o.order[:i], o.order[i+1:]...)
					break
				}
			}
		})
	}
}

// emit fills in the id and timestamp and calls every observer in
// registration order. A panicking observer is logged and skipped.
func (o *observers) emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	o.mu.RLock()
	fns := make([]Observer, 0, len(o.order))
	for _, id := range o.order {
		fns = append(fns, o.fns[id])
	}
	o.mu.RUnlock()

	o.logger.Debug("lifecycle event", "event", string(e.Type), "pid", e.PID)

	for _, fn := range fns {
		o.call(fn, e)
	}
}

func (o *observers) call(fn Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("observer panicked",
				"event", string(e.Type),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn(e)
}

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }
