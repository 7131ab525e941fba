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

package process

import "time"

// Bounds for the adaptive watchdog interval.
const (
	MinCheckInterval = 500 * time.Millisecond
	MaxCheckInterval = 10 * time.Second
)

// HostLoad is a sample of host pressure. Each percentage is only meaningful
// when its Known flag is set.
type HostLoad struct {
	CPUPercent    float64
	CPUKnown      bool
	MemoryPercent float64
	MemoryKnown   bool
}

// LoadSampler reports host load. Implementations must be safe to call from
// the watchdog goroutine and should return quickly.
type LoadSampler interface {
	Sample() HostLoad
}

// AdaptiveInterval scales base by host pressure and by the number of
// tracked processes, then clamps the result to [MinCheckInterval,
// MaxCheckInterval]. A busy host is scanned less often so the watchdog does
// not add to the load; a quiet one is scanned more often.
func AdaptiveInterval(base time.Duration, load HostLoad, tracked int) time.Duration {
	factor := 1.0

	if load.CPUKnown {
		switch {
		case load.CPUPercent > 80:
			factor *= 2.0
		case load.CPUPercent >= 60:
			factor *= 1.5
		case load.CPUPercent < 20:
			factor *= 0.8
		}
	}

	if load.MemoryKnown {
		switch {
		case load.MemoryPercent > 85:
			factor *= 1.8
		case load.MemoryPercent >= 70:
			factor *= 1.3
		}
	}

	switch {
	case tracked > 20:
		factor *= 1.5
	case tracked > 10:
		factor *= 1.2
	case tracked < 3:
		factor *= 0.9
	}

	interval := time.Duration(float64(base) * factor)
	return min(max(interval, MinCheckInterval), MaxCheckInterval)
}

// noLoad is used when host telemetry is unavailable.
type noLoad struct{}

func (noLoad) Sample() HostLoad { return HostLoad{} }
