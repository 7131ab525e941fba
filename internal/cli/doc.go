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
Package cli provides the root command and shared configuration for the
mcpfuzz CLI.

This package creates the main Cobra command tree and handles global concerns like
version information, persistent flags, and error handling. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	mcpfuzz
	├── supervise     Run an MCP server under the hang watchdog
	└── version       Show version

# Global Flags

	--config    Path to config file (default: ~/.config/mcpfuzz/config.yaml)
	--json      Machine-readable output
	-v          Debug logging

# Exit Codes

The supervise command exits with the target's own exit code when the target
fails, 2 for configuration errors and 1 for supervision failures.
*/
package cli
