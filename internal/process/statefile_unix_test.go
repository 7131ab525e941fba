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

//go:build linux || darwin

package process

import (
	"context"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/mcpfuzz/internal/lifecycle"
)

func startOrphan(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	lifecycle.ConfigureProcessGroup(cmd)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestStateFile_ReapOrphans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	orphan := startOrphan(t)
	stranger := startOrphan(t)

	// A previous session recorded both; the second pid now runs something
	// else as far as the recorded command is concerned.
	prev := NewStateFile(path, discardLogger())
	prev.Observe(Event{Type: EventStarted, PID: orphan.Process.Pid, Command: []string{"sleep", "30"}, Timestamp: time.Now()})
	prev.Observe(Event{Type: EventStarted, PID: stranger.Process.Pid, Command: []string{"unrelated-server"}, Timestamp: time.Now()})
	prev.Observe(Event{Type: EventStarted, PID: 1 << 22, Command: []string{"gone"}, Timestamp: time.Now()})

	s := NewStateFile(path, discardLogger())
	reaped, err := s.ReapOrphans(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{orphan.Process.Pid}, reaped)

	err = orphan.Wait()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	status := exitErr.Sys().(syscall.WaitStatus)
	require.True(t, status.Signaled())
	require.Equal(t, syscall.SIGKILL, status.Signal())

	require.True(t, lifecycle.IsProcessRunning(stranger.Process.Pid), "mismatched command must be left alone")

	st, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, st.Processes, "state is reset after reaping")
}
