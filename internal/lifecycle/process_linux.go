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

//go:build linux

package lifecycle

import (
	"fmt"
	"strings"

	"github.com/prometheus/procfs"
)

// getProcessCommand returns the command line of the process from /proc.
func getProcessCommand(pid int) (string, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return "", fmt.Errorf("failed to open procfs: %w", err)
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return "", fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	args, err := proc.CmdLine()
	if err != nil {
		return "", fmt.Errorf("failed to read cmdline: %w", err)
	}
	return strings.TrimSpace(strings.Join(args, " ")), nil
}
