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

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/mcpfuzz/internal/commands/shared"
	"github.com/tombee/mcpfuzz/internal/probe"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the mcpfuzz root command with the given
// subcommands attached. SetVersion must run first for --version to report
// the injected build.
func NewRootCommand(subcommands ...*cobra.Command) *cobra.Command {
	v, c, _ := shared.GetVersion()
	cmd := &cobra.Command{
		Use:   "mcpfuzz",
		Short: "mcpfuzz - process supervision for MCP server fuzzing",
		Long: `mcpfuzz runs MCP servers as fuzz targets and keeps them honest: every
target is started in its own process group, watched for hangs, and killed
when it stops making progress.

Run 'mcpfuzz supervise -- <server command>' to wrap a server.`,
		Version:       v,
		SilenceUsage:  true,
		SilenceErrors: true, // HandleExitError owns printing and exit codes
	}
	cmd.SetVersionTemplate(fmt.Sprintf("mcpfuzz {{.Version}} (commit %s, MCP %s)\n", c, probe.ProtocolVersion))

	verbose, json, config := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/mcpfuzz/config.yaml)")

	cmd.AddCommand(subcommands...)
	return cmd
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
