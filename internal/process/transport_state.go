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
	"sync"
	"time"
)

// TransportProcessState tracks the server process behind a fuzzing
// transport across restarts. It is safe for concurrent use; the zero value
// follows every process.
type TransportProcessState struct {
	name string

	mu sync.Mutex

	pid          int
	startedAt    time.Time
	exitedAt     *time.Time
	exitCode     *int
	restartCount int
	lastSignal   string
	lastError    string
}

// NewTransportProcessState follows only processes started under name.
func NewTransportProcessState(name string) *TransportProcessState {
	return &TransportProcessState{name: name}
}

// TransportSnapshot is a copy of a TransportProcessState.
type TransportSnapshot struct {
	PID          int        `json:"pid"`
	StartedAt    time.Time  `json:"started_at"`
	ExitedAt     *time.Time `json:"exited_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	RestartCount int        `json:"restart_count"`
	LastSignal   string     `json:"last_signal,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Running      bool       `json:"running"`
}

// RecordStart notes a new process. A start after a previous exit counts as
// a restart.
func (s *TransportProcessState) RecordStart(pid int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pid != 0 {
		s.restartCount++
	}
	s.pid = pid
	s.startedAt = at
	s.exitedAt = nil
	s.exitCode = nil
}

// RecordExit notes that the current process exited.
func (s *TransportProcessState) RecordExit(code int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.exitedAt = &at
	s.exitCode = &code
}

// RecordSignal notes the last signal type sent to the process.
func (s *TransportProcessState) RecordSignal(signalType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSignal = signalType
}

// RecordError notes the last transport error. A nil error clears it.
func (s *TransportProcessState) RecordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.lastError = ""
		return
	}
	s.lastError = err.Error()
}

// RecordRestart counts a restart that is not followed by RecordStart, for
// example when the transport reconnects to the same process.
func (s *TransportProcessState) RecordRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartCount++
}

// Observe implements Observer. Starts of other names are ignored, as are
// events for anything but the current pid.
func (s *TransportProcessState) Observe(e Event) {
	if e.Type == EventStarted {
		if s.name == "" || s.name == e.ProcessName {
			s.RecordStart(e.PID, e.Timestamp)
		}
		return
	}

	s.mu.Lock()
	tracked := s.pid != 0 && s.pid == e.PID
	s.mu.Unlock()
	if !tracked {
		return
	}

	switch e.Type {
	case EventExited, EventStopped:
		if e.Result != nil && !*e.Result {
			s.RecordError(errorString(e.Error))
			return
		}
		code := -1
		if e.ExitCode != nil {
			code = *e.ExitCode
		}
		s.RecordExit(code, e.Timestamp)
	case EventSignal:
		s.RecordSignal(e.Signal)
	}
}

// Snapshot returns a copy of the state.
func (s *TransportProcessState) Snapshot() TransportSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return TransportSnapshot{
		PID:          s.pid,
		StartedAt:    s.startedAt,
		ExitedAt:     s.exitedAt,
		ExitCode:     s.exitCode,
		RestartCount: s.restartCount,
		LastSignal:   s.lastSignal,
		LastError:    s.lastError,
		Running:      s.pid != 0 && s.exitedAt == nil,
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }
