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

import (
	"os"
	"time"
)

// PerformanceMetrics is a diagnostic snapshot of the host and the manager.
// Host percentages are nil when telemetry is unavailable.
type PerformanceMetrics struct {
	CPUPercent    *float64 `json:"cpu_percent,omitempty"`
	MemoryPercent *float64 `json:"memory_percent,omitempty"`
	DiskPercent   *float64 `json:"disk_percent,omitempty"`

	TotalProcesses    int `json:"total_processes"`
	RunningProcesses  int `json:"running_processes"`
	FinishedProcesses int `json:"finished_processes"`

	WatchdogActive  bool          `json:"watchdog_active"`
	CheckInterval   time.Duration `json:"check_interval"`
	CurrentInterval time.Duration `json:"current_interval"`
	ProcessTimeout  time.Duration `json:"process_timeout"`
	MaxHangTime     time.Duration `json:"max_hang_time"`
	Timestamp       time.Time     `json:"timestamp"`
}

// PerformanceMetrics reports the watchdog's latest host sample and
// summarises the managed processes. Disk usage is measured for the working
// directory.
func (m *Manager) PerformanceMetrics() PerformanceMetrics {
	stats := m.watchdog.Stats()
	cfg := m.watchdog.Config()

	pm := PerformanceMetrics{
		TotalProcesses:    stats.TotalProcesses,
		RunningProcesses:  stats.RunningProcesses,
		FinishedProcesses: stats.FinishedProcesses,
		WatchdogActive:    stats.WatchdogActive,
		CheckInterval:     cfg.CheckInterval,
		CurrentInterval:   m.watchdog.CurrentInterval(),
		ProcessTimeout:    cfg.ProcessTimeout,
		MaxHangTime:       cfg.MaxHangTime,
		Timestamp:         m.clock.Now(),
	}

	// Sampling here would reset the CPU baseline the watchdog measures from.
	if load, ok := m.watchdog.LastLoad(); ok {
		if load.CPUKnown {
			pm.CPUPercent = &load.CPUPercent
		}
		if load.MemoryKnown {
			pm.MemoryPercent = &load.MemoryPercent
		}
	}

	if wd, err := os.Getwd(); err == nil {
		if pct, ok := DiskUsagePercent(wd); ok {
			pm.DiskPercent = &pct
		}
	}
	return pm
}
