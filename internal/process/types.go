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
	"context"
	"maps"
	"path/filepath"
	"strings"
	"time"

	fuzzerrors "github.com/tombee/mcpfuzz/pkg/errors"
)

// Status is the lifecycle state of a managed process. It only ever moves
// from running to stopped or finished.
type Status string

const (
	// StatusRunning indicates the process is alive and supervised.
	StatusRunning Status = "running"
	// StatusStopped indicates the process was stopped on request.
	StatusStopped Status = "stopped"
	// StatusFinished indicates the process exited on its own or was killed
	// by the watchdog.
	StatusFinished Status = "finished"
)

// ActivityProbe reports when a process last made progress. Use it when the
// caller knows more about liveness than pipe traffic does, for example the
// time of the last JSON-RPC response.
type ActivityProbe interface {
	LastActivity(ctx context.Context) (time.Time, error)
}

// ActivityFunc adapts a plain callback to ActivityProbe.
type ActivityFunc func() time.Time

// LastActivity implements ActivityProbe.
func (f ActivityFunc) LastActivity(context.Context) (time.Time, error) {
	return f(), nil
}

// ProcessConfig describes a process to supervise.
type ProcessConfig struct {
	// Command is the argv of the process. Command[0] is resolved against PATH.
	Command []string

	// Cwd is the working directory. Empty means the supervisor's.
	Cwd string

	// Env is merged over the supervisor's environment.
	Env map[string]string

	// Timeout overrides the watchdog's ProcessTimeout for this process when > 0.
	Timeout time.Duration

	// AutoKill lets the watchdog terminate this process as soon as it hangs
	// even when the watchdog itself is configured not to.
	AutoKill bool

	// Name is a human label used in logs and events.
	Name string

	// Activity is an optional liveness source preferred over pipe traffic.
	Activity ActivityProbe
}

// Validate checks that the config can be spawned.
func (c ProcessConfig) Validate() error {
	if len(c.Command) == 0 || strings.TrimSpace(c.Command[0]) == "" {
		return &fuzzerrors.ValidationError{
			Field:      "command",
			Message:    "command is required",
			Suggestion: "Provide the executable and its arguments",
		}
	}
	if c.Timeout < 0 {
		return &fuzzerrors.ValidationError{
			Field:   "timeout",
			Message: "timeout must not be negative",
		}
	}
	return nil
}

// DisplayName returns Name, or the executable's base name when Name is empty.
func (c ProcessConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if len(c.Command) > 0 {
		return filepath.Base(c.Command[0])
	}
	return ""
}

// CommandLine returns the argv joined by spaces, for display only.
func (c ProcessConfig) CommandLine() string {
	return strings.Join(c.Command, " ")
}

// clone returns a copy that shares no slices or maps with c.
func (c ProcessConfig) clone() ProcessConfig {
	out := c
	out.Command = append([]string(nil), c.Command...)
	if c.Env != nil {
		out.Env = maps.Clone(c.Env)
	}
	return out
}

// ConfigBuilder builds a ProcessConfig fluently.
type ConfigBuilder struct {
	cfg ProcessConfig
}

// NewProcessConfig starts a builder for argv.
func NewProcessConfig(argv ...string) *ConfigBuilder {
	return &ConfigBuilder{cfg: ProcessConfig{Command: append([]string(nil), argv...)}}
}

// WithName sets the display name.
func (b *ConfigBuilder) WithName(name string) *ConfigBuilder {
	b.cfg.Name = name
	return b
}

// WithCwd sets the working directory.
func (b *ConfigBuilder) WithCwd(dir string) *ConfigBuilder {
	b.cfg.Cwd = dir
	return b
}

// WithEnv adds an environment variable.
func (b *ConfigBuilder) WithEnv(key, value string) *ConfigBuilder {
	if b.cfg.Env == nil {
		b.cfg.Env = make(map[string]string)
	}
	b.cfg.Env[key] = value
	return b
}

// WithTimeout sets the per-process slow threshold.
func (b *ConfigBuilder) WithTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.Timeout = d
	return b
}

// WithAutoKill sets AutoKill.
func (b *ConfigBuilder) WithAutoKill(enabled bool) *ConfigBuilder {
	b.cfg.AutoKill = enabled
	return b
}

// WithActivity sets the liveness probe.
func (b *ConfigBuilder) WithActivity(probe ActivityProbe) *ConfigBuilder {
	b.cfg.Activity = probe
	return b
}

// Build validates and returns an independent copy of the config.
func (b *ConfigBuilder) Build() (ProcessConfig, error) {
	cfg := b.cfg.clone()
	if err := cfg.Validate(); err != nil {
		return ProcessConfig{}, err
	}
	return cfg, nil
}

// WatchdogConfig controls hang detection.
type WatchdogConfig struct {
	// CheckInterval is the base scan period before adaptive scaling.
	CheckInterval time.Duration `json:"check_interval"`

	// ProcessTimeout is the idle time after which a process is slow.
	ProcessTimeout time.Duration `json:"process_timeout"`

	// ExtraBuffer is added to ProcessTimeout to get the hang threshold.
	ExtraBuffer time.Duration `json:"extra_buffer"`

	// MaxHangTime is the idle ceiling after which a hanging process is
	// force-killed even with AutoKill disabled.
	MaxHangTime time.Duration `json:"max_hang_time"`

	// AutoKill terminates hanging processes as soon as they cross the hang
	// threshold.
	AutoKill bool `json:"auto_kill"`

	// TerminationGrace is how long a process gets to exit after the timeout
	// signal before the watchdog escalates to a forced kill.
	TerminationGrace time.Duration `json:"termination_grace"`

	// LogLevel sets the watchdog's minimum log level. Empty inherits.
	LogLevel string `json:"log_level,omitempty"`
}

// DefaultWatchdogConfig returns the default hang detection settings.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		CheckInterval:    time.Second,
		ProcessTimeout:   30 * time.Second,
		ExtraBuffer:      5 * time.Second,
		MaxHangTime:      60 * time.Second,
		AutoKill:         true,
		TerminationGrace: 5 * time.Second,
	}
}

// HangThreshold returns ProcessTimeout + ExtraBuffer.
func (c WatchdogConfig) HangThreshold() time.Duration {
	return c.ProcessTimeout + c.ExtraBuffer
}

// Validate checks the durations are usable.
func (c WatchdogConfig) Validate() error {
	switch {
	case c.CheckInterval <= 0:
		return &fuzzerrors.ValidationError{Field: "check_interval", Message: "must be positive"}
	case c.ProcessTimeout <= 0:
		return &fuzzerrors.ValidationError{Field: "process_timeout", Message: "must be positive"}
	case c.ExtraBuffer < 0:
		return &fuzzerrors.ValidationError{Field: "extra_buffer", Message: "must not be negative"}
	case c.MaxHangTime < c.HangThreshold():
		return &fuzzerrors.ValidationError{
			Field:      "max_hang_time",
			Message:    "must be at least process_timeout + extra_buffer",
			Suggestion: "Raise max_hang_time or lower process_timeout",
		}
	case c.TerminationGrace < 0:
		return &fuzzerrors.ValidationError{Field: "termination_grace", Message: "must not be negative"}
	}
	return nil
}

// Handle is a non-owning view of an OS process. The OS owns the process;
// the handle only caches its exit code.
type Handle interface {
	// Pid returns the OS process id.
	Pid() int
	// ExitCode returns the exit code and true once the process has exited.
	ExitCode() (int, bool)
	// Done is closed when the process exits.
	Done() <-chan struct{}
}

// ManagedProcessInfo is a point-in-time copy of a registry entry.
type ManagedProcessInfo struct {
	PID          int
	Handle       Handle
	Config       ProcessConfig
	StartedAt    time.Time
	ExitedAt     *time.Time
	Status       Status
	LastActivity time.Time
}

// ExitCode returns the handle's exit code. Entries registered without a
// handle never report one.
func (i ManagedProcessInfo) ExitCode() (int, bool) {
	if i.Handle == nil {
		return 0, false
	}
	return i.Handle.ExitCode()
}

// Exited reports whether the handle has a terminal exit code.
func (i ManagedProcessInfo) Exited() bool {
	_, ok := i.ExitCode()
	return ok
}
