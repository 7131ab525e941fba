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

//go:build linux

package process

import (
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// ProcfsSampler reads host CPU and memory pressure from /proc. CPU usage is
// the busy share of jiffies since the previous sample, so the first call
// only reports memory.
type ProcfsSampler struct {
	fs procfs.FS

	mu       sync.Mutex
	prev     procfs.CPUStat
	havePrev bool
}

// NewLoadSampler returns a procfs-backed sampler.
func NewLoadSampler() (LoadSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &ProcfsSampler{fs: fs}, nil
}

// Sample implements LoadSampler.
func (s *ProcfsSampler) Sample() HostLoad {
	var load HostLoad

	if stat, err := s.fs.Stat(); err == nil {
		s.mu.Lock()
		if s.havePrev {
			if pct, ok := cpuBusyPercent(s.prev, stat.CPUTotal); ok {
				load.CPUPercent = pct
				load.CPUKnown = true
			}
		}
		s.prev = stat.CPUTotal
		s.havePrev = true
		s.mu.Unlock()
	}

	if mi, err := s.fs.Meminfo(); err == nil && mi.MemTotal != nil && mi.MemAvailable != nil && *mi.MemTotal > 0 {
		used := float64(*mi.MemTotal - *mi.MemAvailable)
		load.MemoryPercent = used / float64(*mi.MemTotal) * 100
		load.MemoryKnown = true
	}

	return load
}

func cpuBusyPercent(prev, cur procfs.CPUStat) (float64, bool) {
	idle := func(c procfs.CPUStat) float64 { return c.Idle + c.Iowait }
	total := func(c procfs.CPUStat) float64 {
		return c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
	}

	dTotal := total(cur) - total(prev)
	if dTotal <= 0 {
		return 0, false
	}
	dIdle := idle(cur) - idle(prev)
	return (dTotal - dIdle) / dTotal * 100, true
}

// DiskUsagePercent returns the used share of the filesystem holding path.
func DiskUsagePercent(path string) (float64, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil || st.Blocks == 0 {
		return 0, false
	}
	used := float64(st.Blocks - st.Bfree)
	return used / float64(st.Blocks) * 100, true
}
