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


package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tombee/mcpfuzz/internal/commands/shared"
	"github.com/tombee/mcpfuzz/internal/probe"
)

const mcpModule = "github.com/mark3labs/mcp-go"

// VersionInfo describes the build and the MCP protocol surface it speaks.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`

	ClientName         string   `json:"mcp_client_name"`
	ProtocolVersion    string   `json:"mcp_protocol_version"`
	SupportedProtocols []string `json:"mcp_supported_protocols"`
	MCPLibrary         string   `json:"mcp_library_version"`
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and MCP protocol information",
		Long: `Display the mcpfuzz build (version, commit, build date) together with
the MCP protocol revision requested from servers during initialize and the
revisions a server may answer with.`,
		RunE: runVersion,
	}
}

func collect() VersionInfo {
	v, c, b := shared.GetVersion()
	return VersionInfo{
		Version:            v,
		Commit:             c,
		BuildDate:          b,
		GoVersion:          runtime.Version(),
		ClientName:         probe.ClientName,
		ProtocolVersion:    probe.ProtocolVersion,
		SupportedProtocols: probe.SupportedProtocolVersions(),
		MCPLibrary:         moduleVersion(mcpModule),
	}
}

// moduleVersion reports the linked version of a dependency, or "unknown"
// when the binary carries no module information (go run, some test builds).
func moduleVersion(path string) string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, dep := range bi.Deps {
		if dep.Path != path {
			continue
		}
		if dep.Replace != nil {
			return dep.Replace.Version
		}
		return dep.Version
	}
	return "unknown"
}

func runVersion(cmd *cobra.Command, args []string) error {
	info := collect()

	if shared.GetJSON() {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal version info: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Printf("%s version %s\n", info.ClientName, info.Version)
	cmd.Printf("  commit:       %s\n", info.Commit)
	cmd.Printf("  build date:   %s\n", info.BuildDate)
	cmd.Printf("  go:           %s\n", info.GoVersion)
	cmd.Printf("  mcp protocol: %s (accepts %s)\n", info.ProtocolVersion, strings.Join(info.SupportedProtocols, ", "))
	cmd.Printf("  mcp-go:       %s\n", info.MCPLibrary)

	return nil
}
