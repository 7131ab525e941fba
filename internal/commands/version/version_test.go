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
	"bytes"
	"encoding/json"
	"runtime"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mcpfuzz/internal/commands/shared"
)

func withVersion(t *testing.T) {
	t.Helper()
	shared.SetVersion("1.0.0", "test123", "2025-12-22")
	t.Cleanup(func() { shared.SetVersion("dev", "unknown", "unknown") })
}

func run(t *testing.T, args ...string) []byte {
	t.Helper()
	root := &cobra.Command{Use: "mcpfuzz"}
	_, jsonPtr, _ := shared.RegisterFlagPointers()
	root.PersistentFlags().BoolVar(jsonPtr, "json", false, "JSON output")
	t.Cleanup(func() { *jsonPtr = false })

	cmd := NewVersionCommand()
	root.AddCommand(cmd)

	var buf bytes.Buffer
	root.SetOut(&buf)
	cmd.SetOut(&buf)
	root.SetArgs(append([]string{"version"}, args...))
	require.NoError(t, root.Execute())
	return buf.Bytes()
}

func TestVersionCommand(t *testing.T) {
	cmd := NewVersionCommand()
	assert.Equal(t, "version", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
}

func TestVersionOutput(t *testing.T) {
	withVersion(t)
	out := string(run(t))

	for _, want := range []string{
		"mcpfuzz version 1.0.0",
		"commit:       test123",
		"build date:   2025-12-22",
		"go:           " + runtime.Version(),
		"mcp protocol: " + mcp.LATEST_PROTOCOL_VERSION,
		"mcp-go:",
	} {
		assert.Contains(t, out, want)
	}
	for _, rev := range mcp.ValidProtocolVersions {
		assert.Contains(t, out, rev)
	}
}

func TestVersionJSONOutput(t *testing.T) {
	withVersion(t)

	var info VersionInfo
	out := run(t, "--json")
	require.NoError(t, json.Unmarshal(out, &info), "output: %s", out)

	assert.Equal(t, "1.0.0", info.Version)
	assert.Equal(t, "test123", info.Commit)
	assert.Equal(t, "2025-12-22", info.BuildDate)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, "mcpfuzz", info.ClientName)
	assert.Equal(t, mcp.LATEST_PROTOCOL_VERSION, info.ProtocolVersion)
	assert.ElementsMatch(t, mcp.ValidProtocolVersions, info.SupportedProtocols)
	assert.Contains(t, info.SupportedProtocols, info.ProtocolVersion)
	assert.NotEmpty(t, info.MCPLibrary)
}

func TestSupportedProtocolsAreCopied(t *testing.T) {
	info := collect()
	require.NotEmpty(t, info.SupportedProtocols)
	info.SupportedProtocols[0] = "mutated"
	assert.NotEqual(t, "mutated", mcp.ValidProtocolVersions[0])
}
