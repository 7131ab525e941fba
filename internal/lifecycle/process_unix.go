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

//go:build !windows

package lifecycle

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// IsProcessRunning checks if a process with the given PID exists.
// Signal 0 performs the existence and permission checks without delivering
// anything; EPERM means the process exists but belongs to someone else.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// ConfigureProcessGroup makes cmd start in a new process group led by the
// child itself.
func ConfigureProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// SignalGroup delivers sig to every process in pid's process group.
func SignalGroup(pid int, sig Signal) error {
	if pid <= 0 {
		return ErrProcessNotRunning
	}
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return fmt.Errorf("failed to resolve process group of %d: %w", pid, err)
	}
	if pgid == unix.Getpgrp() {
		return ErrSharedGroup
	}
	if err := unix.Kill(-pgid, unixSignal(sig)); err != nil {
		return fmt.Errorf("failed to send %s to process group %d: %w", sig, pgid, err)
	}
	return nil
}

// SignalProcess delivers sig to pid only.
func SignalProcess(pid int, sig Signal) error {
	if pid <= 0 {
		return ErrProcessNotRunning
	}
	if err := unix.Kill(pid, unixSignal(sig)); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrProcessNotRunning
		}
		return fmt.Errorf("failed to send %s to process %d: %w", sig, pid, err)
	}
	return nil
}

func unixSignal(sig Signal) unix.Signal {
	switch sig {
	case SignalKill:
		return unix.SIGKILL
	case SignalInterrupt:
		return unix.SIGINT
	default:
		return unix.SIGTERM
	}
}
