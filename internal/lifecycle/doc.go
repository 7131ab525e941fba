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

/*
Package lifecycle wraps the operating system primitives used to supervise
child processes: liveness checks, process-group signalling, command-line
lookup and the supervisor's PID file.

Everything here is platform specific and stateless. Higher level bookkeeping
(which processes are managed, when they hang, how they are stopped) lives in
internal/process.

# Process Groups

Managed processes are started in their own process group so that a
termination signal also reaches any children they spawn:

	cmd := exec.Command("my-mcp-server")
	lifecycle.ConfigureProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
	    // Handle error
	}

	if err := lifecycle.SignalGroup(cmd.Process.Pid, lifecycle.SignalTerminate); err != nil {
	    // Group could not be resolved; fall back to the single process
	    _ = lifecycle.SignalProcess(cmd.Process.Pid, lifecycle.SignalTerminate)
	}

On Windows the group is created with CREATE_NEW_PROCESS_GROUP and only
interrupts (CTRL_BREAK) can be delivered to it.

# Orphan Verification

Before signalling a PID recorded by a previous session, callers confirm the
PID still belongs to the same program:

	if lifecycle.IsProcessRunning(pid) && lifecycle.CommandMatches(pid, argv) {
	    _ = lifecycle.SignalGroup(pid, lifecycle.SignalKill)
	}
*/
package lifecycle
