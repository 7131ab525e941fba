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

//go:build !linux

package process

import "github.com/tombee/mcpfuzz/internal/lifecycle"

// NewLoadSampler reports that host telemetry is unavailable. The watchdog
// then scales its interval by process count only.
func NewLoadSampler() (LoadSampler, error) {
	return nil, lifecycle.ErrUnsupported
}

// DiskUsagePercent is unavailable on this platform.
func DiskUsagePercent(string) (float64, bool) {
	return 0, false
}
