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
	"slices"
	"sync"
	"time"
)

// Registry is the single source of truth mapping pid to managed process
// metadata. Every method takes the same mutex for the duration of the
// access; nothing is held across I/O. Callers only ever see copies.
//
// Re-registering a live pid overwrites the previous entry. The OS recycles
// pids during long fuzzing runs, so the newest registration wins.
type Registry struct {
	mu      sync.Mutex
	entries map[int]*entry
}

type entry struct {
	handle    Handle
	config    ProcessConfig
	startedAt time.Time
	exitedAt  *time.Time
	status    Status
	activity  *Activity
}

func (e *entry) info(pid int) ManagedProcessInfo {
	info := ManagedProcessInfo{
		PID:          pid,
		Handle:       e.handle,
		Config:       e.config.clone(),
		StartedAt:    e.startedAt,
		Status:       e.status,
		LastActivity: e.activity.Last(),
	}
	if e.exitedAt != nil {
		t := *e.exitedAt
		info.ExitedAt = &t
	}
	return info
}

// Entry pairs a pid with its info in a snapshot.
type Entry struct {
	PID  int
	Info ManagedProcessInfo
}

// RegisterOption customises a registration.
type RegisterOption func(*entry)

// WithStartedAt overrides the start time (default: time of registration).
func WithStartedAt(t time.Time) RegisterOption {
	return func(e *entry) { e.startedAt = t }
}

// WithStatus overrides the initial status (default: running).
func WithStatus(s Status) RegisterOption {
	return func(e *entry) { e.status = s }
}

// WithActivity shares an existing activity tracker with the entry, so I/O
// on the process pipes is visible through the registry.
func WithActivity(a *Activity) RegisterOption {
	return func(e *entry) { e.activity = a }
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int]*entry)}
}

// Register adds or replaces the entry for pid. It reports whether an
// existing entry was overwritten.
func (r *Registry) Register(pid int, handle Handle, cfg ProcessConfig, opts ...RegisterOption) bool {
	e := &entry{
		handle:    handle,
		config:    cfg.clone(),
		startedAt: time.Now(),
		status:    StatusRunning,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.activity == nil {
		e.activity = NewActivity(e.startedAt)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.entries[pid]
	r.entries[pid] = e
	return replaced
}

// Get returns a copy of the entry for pid.
func (r *Registry) Get(pid int) (ManagedProcessInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[pid]
	if !ok {
		return ManagedProcessInfo{}, false
	}
	return e.info(pid), true
}

// Unregister removes pid. It reports whether an entry existed.
func (r *Registry) Unregister(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[pid]; !ok {
		return false
	}
	delete(r.entries, pid)
	return true
}

// Contains reports whether pid is registered.
func (r *Registry) Contains(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[pid]
	return ok
}

// ListPIDs returns the registered pids in ascending order.
func (r *Registry) ListPIDs() []int {
	r.mu.Lock()
	pids := make([]int, 0, len(r.entries))
	for pid := range r.entries {
		pids = append(pids, pid)
	}
	r.mu.Unlock()

	slices.Sort(pids)
	return pids
}

// Snapshot returns a pid-ordered copy of every entry. Callers may iterate
// and call back into the registry freely.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for pid, e := range r.entries {
		out = append(out, Entry{PID: pid, Info: e.info(pid)})
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Entry) int { return a.PID - b.PID })
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// SetStatus moves a running entry to status. Entries that already left the
// running state are not changed. Reports whether the status was applied.
func (r *Registry) SetStatus(pid int, status Status, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[pid]
	if !ok || e.status != StatusRunning || status == StatusRunning {
		return false
	}
	e.status = status
	if e.exitedAt == nil {
		e.exitedAt = &at
	}
	return true
}

// MarkFinished moves every listed running entry to finished under a single
// lock acquisition. Returns how many entries changed.
func (r *Registry) MarkFinished(at time.Time, pids ...int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, pid := range pids {
		e, ok := r.entries[pid]
		if !ok || e.status != StatusRunning {
			continue
		}
		e.status = StatusFinished
		exitedAt := at
		e.exitedAt = &exitedAt
		n++
	}
	return n
}

// UpdateActivity records activity for pid at t. The stored timestamp never
// moves backwards.
func (r *Registry) UpdateActivity(pid int, t time.Time) bool {
	r.mu.Lock()
	e, ok := r.entries[pid]
	r.mu.Unlock()

	if !ok {
		return false
	}
	e.activity.Touch(t)
	return true
}

// RemoveIf deletes every entry for which match returns true and returns the
// removed pids in ascending order. match runs under the registry lock and
// must not block or call back into the registry.
func (r *Registry) RemoveIf(match func(ManagedProcessInfo) bool) []int {
	r.mu.Lock()
	var removed []int
	for pid, e := range r.entries {
		if match(e.info(pid)) {
			delete(r.entries, pid)
			removed = append(removed, pid)
		}
	}
	r.mu.Unlock()

	slices.Sort(removed)
	return removed
}

// Clear removes every entry and returns how many were removed.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	clear(r.entries)
	return n
}
