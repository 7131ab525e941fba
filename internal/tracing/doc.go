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
Package tracing configures OpenTelemetry span export for mcpfuzz.

The executor and the process manager create spans. Unless they are handed
a tracer from an enabled Provider, those spans go to the global provider,
which is a no-op until something installs a real one.

# Exporters

	console    JSON spans written to a local writer (stderr by default)
	otlp       OTLP over gRPC, e.g. localhost:4317
	otlp-http  OTLP over HTTP, e.g. localhost:4318

Stdout is never used: it carries the target's MCP traffic.
*/
package tracing
