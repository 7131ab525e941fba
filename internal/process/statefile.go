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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/tombee/mcpfuzz/internal/lifecycle"
	"github.com/tombee/mcpfuzz/internal/log"
)

// StateFileVersion is the current version of the session state format.
const StateFileVersion = 1

// reapWait bounds how long ReapOrphans waits for each killed group.
const reapWait = 2 * time.Second

// ProcessRecord is the persisted view of one supervised process.
type ProcessRecord struct {
	PID       int       `json:"pid"`
	Name      string    `json:"name,omitempty"`
	Command   []string  `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

// SessionState is the on-disk record of a supervisor session.
type SessionState struct {
	Version       int                   `json:"version"`
	SupervisorPID int                   `json:"supervisor_pid"`
	Processes     map[int]ProcessRecord `json:"processes"`
	LastUpdated   time.Time             `json:"last_updated"`
}

// StateFile persists the pids of running children so a later session can
// reap them if this one crashes.
type StateFile struct {
	path     string
	logger   *slog.Logger
	signaler OSSignaler

	mu    sync.Mutex
	state SessionState
}

// NewStateFile creates a state file at path. Nothing is read or written
// until Load, Save or Observe is called.
func NewStateFile(path string, logger *slog.Logger) *StateFile {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateFile{
		path:     path,
		logger:   log.WithComponent(logger, "statefile"),
		signaler: DefaultSignaler(),
		state:    emptySession(),
	}
}

func emptySession() SessionState {
	return SessionState{
		Version:       StateFileVersion,
		SupervisorPID: os.Getpid(),
		Processes:     make(map[int]ProcessRecord),
	}
}

// Path returns the file path.
func (s *StateFile) Path() string { return s.path }

// Load reads the file written by a previous session. A missing file or a
// version mismatch yields an empty state and no error.
func (s *StateFile) Load() (SessionState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return emptySession(), nil
		}
		return SessionState{}, fmt.Errorf("failed to read state file: %w", err)
	}

	var st SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return SessionState{}, fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	if st.Version != StateFileVersion {
		s.logger.Warn("ignoring state file with unknown version", "version", st.Version)
		return emptySession(), nil
	}
	if st.Processes == nil {
		st.Processes = make(map[int]ProcessRecord)
	}
	return st, nil
}

// Records returns the current in-memory records, ordered by pid.
func (s *StateFile) Records() []ProcessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ProcessRecord, 0, len(s.state.Processes))
	for _, r := range s.state.Processes {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b ProcessRecord) int { return a.PID - b.PID })
	return out
}

// Observe implements Observer, keeping the file in step with the manager.
func (s *StateFile) Observe(e Event) {
	s.mu.Lock()
	changed := true
	switch e.Type {
	case EventStarted:
		s.state.Processes[e.PID] = ProcessRecord{
			PID:       e.PID,
			Name:      e.ProcessName,
			Command:   slices.Clone(e.Command),
			StartedAt: e.Timestamp,
		}
	case EventStopped:
		if e.Result != nil && *e.Result {
			delete(s.state.Processes, e.PID)
		} else {
			changed = false
		}
	case EventExited:
		delete(s.state.Processes, e.PID)
	case EventShutdown:
		clear(s.state.Processes)
	default:
		changed = false
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	err := s.saveLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("failed to persist session state", "event", e.Type, log.Error(err))
	}
}

// Save writes the current state atomically.
func (s *StateFile) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *StateFile) saveLocked() error {
	s.state.LastUpdated = time.Now()

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	// Write to a temp file first, then rename for atomicity
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Remove deletes the file. A missing file is not an error.
func (s *StateFile) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ReapOrphans force-kills processes left behind by a previous session that
// did not shut down cleanly. A pid is only killed when it is still alive
// and its command line still matches the recorded command, so recycled pids
// are left alone. The state file is reset afterwards. Returns the reaped
// pids.
func (s *StateFile) ReapOrphans(ctx context.Context) ([]int, error) {
	prev, err := s.Load()
	if err != nil {
		return nil, err
	}

	var reaped []int
	for _, rec := range prev.Processes {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		rlog := log.WithProcess(s.logger, rec.PID, rec.Name)

		if !lifecycle.IsProcessRunning(rec.PID) {
			continue
		}
		if !lifecycle.CommandMatches(rec.PID, rec.Command) {
			rlog.Info("pid reused by an unrelated process, leaving it alone")
			continue
		}

		if err := s.signaler.SignalGroup(rec.PID, lifecycle.SignalKill); err != nil {
			if err := s.signaler.SignalProcess(rec.PID, lifecycle.SignalKill); err != nil && !errors.Is(err, lifecycle.ErrProcessNotRunning) {
				rlog.Warn("failed to reap orphan", log.Error(err))
				continue
			}
		}
		if err := lifecycle.WaitForExit(ctx, rec.PID, reapWait); err != nil {
			rlog.Debug("orphan not yet gone after kill", log.Error(err))
		}
		rlog.Info("reaped orphaned process", "command", rec.Command)
		reaped = append(reaped, rec.PID)
	}
	slices.Sort(reaped)

	s.mu.Lock()
	s.state = emptySession()
	err = s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return reaped, fmt.Errorf("failed to reset state file: %w", err)
	}
	return reaped, nil
}
