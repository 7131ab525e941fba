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
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mcpfuzz/internal/commands/shared"
	"github.com/tombee/mcpfuzz/internal/probe"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	assert.Equal(t, "mcpfuzz", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.True(t, cmd.SilenceErrors, "errors are printed by HandleExitError")
	assert.True(t, cmd.SilenceUsage)
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"verbose", "json", "config"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "%s flag not registered", name)
	}
	assert.NotNil(t, cmd.PersistentFlags().ShorthandLookup("v"))
}

func TestSubcommandsAttached(t *testing.T) {
	cmd := NewRootCommand(&cobra.Command{Use: "supervise"}, &cobra.Command{Use: "version"})

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Subset(t, names, []string{"supervise", "version"})
}

func TestVersionFlag(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2025-12-22")
	defer SetVersion("dev", "unknown", "unknown")

	v, c, b := shared.GetVersion()
	require.Equal(t, "1.2.3", v)
	require.Equal(t, "abc123", c)
	require.Equal(t, "2025-12-22", b)

	cmd := NewRootCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--version"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "mcpfuzz 1.2.3 (commit abc123, MCP "+probe.ProtocolVersion+")\n", buf.String())
}
