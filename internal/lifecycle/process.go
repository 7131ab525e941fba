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

package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrProcessNotRunning is returned when the process does not exist.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrShutdownTimeout is returned when the process doesn't exit within the timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrSharedGroup is returned by SignalGroup when the target shares the
	// caller's process group. Signalling that group would hit the supervisor.
	ErrSharedGroup = errors.New("process shares the supervisor's process group")

	// ErrUnsupported is returned for operations the platform cannot perform.
	ErrUnsupported = errors.New("operation not supported on this platform")
)

// Signal is a platform-neutral termination signal.
type Signal int

const (
	// SignalTerminate asks the process to exit (SIGTERM).
	SignalTerminate Signal = iota
	// SignalKill ends the process without giving it a chance to clean up (SIGKILL).
	SignalKill
	// SignalInterrupt is the keyboard interrupt (SIGINT, CTRL_BREAK on Windows).
	SignalInterrupt
)

// String returns the conventional POSIX name of the signal.
func (s Signal) String() string {
	switch s {
	case SignalTerminate:
		return "SIGTERM"
	case SignalKill:
		return "SIGKILL"
	case SignalInterrupt:
		return "SIGINT"
	default:
		return "UNKNOWN"
	}
}

// WaitForExit polls until the process is gone, the timeout elapses or ctx is
// cancelled. Returns ErrShutdownTimeout on timeout.
//
// Only use this for processes the caller did not start. Children must be
// reaped with Wait, otherwise they linger as zombies and still look alive.
func WaitForExit(ctx context.Context, pid int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !IsProcessRunning(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrShutdownTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessCommand returns the command line of the process, space separated.
func ProcessCommand(pid int) (string, error) {
	return getProcessCommand(pid)
}

// CommandMatches reports whether the running process pid was started from
// argv. Only the executable's base name is compared because the kernel may
// report a resolved path or an interpreter in front of a script.
func CommandMatches(pid int, argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	cmdline, err := getProcessCommand(pid)
	if err != nil || cmdline == "" {
		return false
	}
	return strings.Contains(cmdline, filepath.Base(argv[0]))
}
