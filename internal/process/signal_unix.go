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

package process

import (
	"log/slog"

	"github.com/tombee/mcpfuzz/internal/lifecycle"
)

// builtinStrategies returns the POSIX strategy set. Every strategy signals
// the whole process group so children spawned by the target are reached.
func builtinStrategies(signaler OSSignaler, logger *slog.Logger) map[string]Strategy {
	return map[string]Strategy{
		SignalTimeout:   &groupStrategy{sig: lifecycle.SignalTerminate, signaler: signaler, logger: logger},
		SignalForce:     &groupStrategy{sig: lifecycle.SignalKill, signaler: signaler, logger: logger},
		SignalInterrupt: &groupStrategy{sig: lifecycle.SignalInterrupt, signaler: signaler, logger: logger},
	}
}
