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

// Package config loads mcpfuzz settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/mcpfuzz/internal/executor"
	"github.com/tombee/mcpfuzz/internal/log"
	"github.com/tombee/mcpfuzz/internal/process"
	"github.com/tombee/mcpfuzz/internal/tracing"
	fuzzerrors "github.com/tombee/mcpfuzz/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete mcpfuzz configuration.
type Config struct {
	Log      LogConfig       `yaml:"log"`
	Watchdog WatchdogConfig  `yaml:"watchdog"`
	Process  ProcessConfig   `yaml:"process"`
	Executor executor.Config `yaml:"executor"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	State    StateConfig     `yaml:"state"`
	Probe    ProbeConfig     `yaml:"probe"`
	Tracing  tracing.Config  `yaml:"tracing"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: MCPFUZZ_LOG_LEVEL, LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// WatchdogConfig configures hang detection. It is the only section that is
// reloaded while running.
type WatchdogConfig struct {
	// Environment: MCPFUZZ_CHECK_INTERVAL
	CheckInterval time.Duration `yaml:"check_interval"`

	// Environment: MCPFUZZ_PROCESS_TIMEOUT
	ProcessTimeout time.Duration `yaml:"process_timeout"`

	// Environment: MCPFUZZ_EXTRA_BUFFER
	ExtraBuffer time.Duration `yaml:"extra_buffer"`

	// Environment: MCPFUZZ_MAX_HANG_TIME
	MaxHangTime time.Duration `yaml:"max_hang_time"`

	// Environment: MCPFUZZ_AUTO_KILL
	AutoKill bool `yaml:"auto_kill"`

	// Environment: MCPFUZZ_TERMINATION_GRACE
	TerminationGrace time.Duration `yaml:"termination_grace"`

	// LogLevel overrides log.level for the watchdog only.
	LogLevel string `yaml:"log_level"`
}

// ProcessConfig configures how supervised processes are started and stopped.
type ProcessConfig struct {
	// TerminationTimeout is how long StopProcess waits after a graceful
	// signal before escalating.
	// Environment: MCPFUZZ_TERMINATION_TIMEOUT
	// Default: 5s
	TerminationTimeout time.Duration `yaml:"termination_timeout"`

	// Env is merged over the parent environment of every process.
	Env map[string]string `yaml:"env"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	// Environment: MCPFUZZ_METRICS_ADDR
	Addr string `yaml:"addr"`
}

// StateConfig locates the files that survive a supervisor crash.
type StateConfig struct {
	// Dir holds the state file, event log and PID file.
	// Environment: MCPFUZZ_STATE_DIR
	// Default: $XDG_STATE_HOME/mcpfuzz
	Dir string `yaml:"dir"`

	// DisableEventLog turns off the JSONL lifecycle log.
	DisableEventLog bool `yaml:"disable_event_log"`
}

// ProbeConfig configures the MCP liveness probe.
type ProbeConfig struct {
	// Enabled connects to the target over stdio and pings it on every
	// watchdog scan instead of relying on pipe traffic.
	// Environment: MCPFUZZ_PROBE
	Enabled bool `yaml:"enabled"`

	// HandshakeTimeout bounds each initialize attempt.
	// Default: 10s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	wd := process.DefaultWatchdogConfig()
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Watchdog: WatchdogConfig{
			CheckInterval:    wd.CheckInterval,
			ProcessTimeout:   wd.ProcessTimeout,
			ExtraBuffer:      wd.ExtraBuffer,
			MaxHangTime:      wd.MaxHangTime,
			AutoKill:         wd.AutoKill,
			TerminationGrace: wd.TerminationGrace,
		},
		Process: ProcessConfig{
			TerminationTimeout: process.DefaultTerminationTimeout,
		},
		Executor: executor.DefaultConfig(),
		Probe: ProbeConfig{
			HandshakeTimeout: 10 * time.Second,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// Load loads configuration from an optional YAML file and the environment.
// Environment variables take precedence over the file.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &fuzzerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &fuzzerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

func (c *Config) loadFromEnv() {
	// Log configuration
	if val := os.Getenv("MCPFUZZ_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	} else if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = parseBool(val)
	}
	if val := os.Getenv("MCPFUZZ_DEBUG"); parseBool(val) {
		c.Log.Level = "debug"
		c.Log.AddSource = true
	}

	// Watchdog configuration
	envDuration("MCPFUZZ_CHECK_INTERVAL", &c.Watchdog.CheckInterval)
	envDuration("MCPFUZZ_PROCESS_TIMEOUT", &c.Watchdog.ProcessTimeout)
	envDuration("MCPFUZZ_EXTRA_BUFFER", &c.Watchdog.ExtraBuffer)
	envDuration("MCPFUZZ_MAX_HANG_TIME", &c.Watchdog.MaxHangTime)
	envDuration("MCPFUZZ_TERMINATION_GRACE", &c.Watchdog.TerminationGrace)
	if val := os.Getenv("MCPFUZZ_AUTO_KILL"); val != "" {
		c.Watchdog.AutoKill = parseBool(val)
	}

	envDuration("MCPFUZZ_TERMINATION_TIMEOUT", &c.Process.TerminationTimeout)

	// Executor configuration
	if val := os.Getenv("MCPFUZZ_MAX_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Executor.MaxConcurrency = n
		}
	}
	envDuration("MCPFUZZ_OPERATION_TIMEOUT", &c.Executor.Timeout)
	if val := os.Getenv("MCPFUZZ_RETRY_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Executor.RetryCount = n
		}
	}
	envDuration("MCPFUZZ_RETRY_DELAY", &c.Executor.RetryDelay)
	if val := os.Getenv("MCPFUZZ_RATE_LIMIT"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.Executor.RateLimit = f
		}
	}

	if val := os.Getenv("MCPFUZZ_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}
	if val := os.Getenv("MCPFUZZ_STATE_DIR"); val != "" {
		c.State.Dir = val
	}
	if val := os.Getenv("MCPFUZZ_PROBE"); val != "" {
		c.Probe.Enabled = parseBool(val)
	}

	if val := os.Getenv("MCPFUZZ_TRACING"); val != "" {
		c.Tracing.Enabled = parseBool(val)
	}
	// A bare endpoint turns tracing on with a plaintext OTLP/HTTP exporter.
	if val := os.Getenv("MCPFUZZ_OTLP_ENDPOINT"); val != "" {
		c.Tracing.Enabled = true
		c.Tracing.Exporters = append(c.Tracing.Exporters, tracing.ExporterConfig{
			Type:     tracing.ExporterOTLPHTTP,
			Endpoint: val,
			Insecure: true,
		})
	}
}

func envDuration(key string, dst *time.Duration) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	if d, err := time.ParseDuration(val); err == nil {
		*dst = d
	}
}

func parseBool(val string) bool {
	return val == "1" || strings.ToLower(val) == "true"
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Watchdog.LogLevel != "" && !validLevels[c.Watchdog.LogLevel] {
		errs = append(errs, fmt.Sprintf("watchdog.log_level must be one of [trace, debug, info, warn, error], got %q", c.Watchdog.LogLevel))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if err := c.WatchdogConfig().Validate(); err != nil {
		errs = append(errs, "watchdog."+fieldMessage(err))
	}

	if c.Process.TerminationTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("process.termination_timeout must be positive, got %v", c.Process.TerminationTimeout))
	}

	if err := c.Executor.Validate(); err != nil {
		errs = append(errs, "executor."+fieldMessage(err))
	}

	if c.Probe.Enabled && c.Probe.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("probe.handshake_timeout must be positive, got %v", c.Probe.HandshakeTimeout))
	}

	if c.Tracing.Enabled {
		if err := c.Tracing.Validate(); err != nil {
			errs = append(errs, "tracing."+fieldMessage(err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func fieldMessage(err error) string {
	var verr *fuzzerrors.ValidationError
	if fuzzerrors.As(err, &verr) && verr.Field != "" {
		return verr.Field + " " + verr.Message
	}
	return err.Error()
}

// TracingConfig returns the tracing settings stamped with the build version.
func (c *Config) TracingConfig(version string) tracing.Config {
	tc := c.Tracing
	if version != "" {
		tc.ServiceVersion = version
	}
	return tc
}

// LogConfig returns the settings for log.New.
func (c *Config) LogConfig() *log.Config {
	lc := log.DefaultConfig()
	lc.Level = c.Log.Level
	lc.Format = log.Format(c.Log.Format)
	lc.AddSource = c.Log.AddSource
	return lc
}

// WatchdogConfig converts the watchdog section.
func (c *Config) WatchdogConfig() process.WatchdogConfig {
	return process.WatchdogConfig{
		CheckInterval:    c.Watchdog.CheckInterval,
		ProcessTimeout:   c.Watchdog.ProcessTimeout,
		ExtraBuffer:      c.Watchdog.ExtraBuffer,
		MaxHangTime:      c.Watchdog.MaxHangTime,
		AutoKill:         c.Watchdog.AutoKill,
		TerminationGrace: c.Watchdog.TerminationGrace,
		LogLevel:         c.Watchdog.LogLevel,
	}
}

// ExecutorConfig returns the executor section. Logger, metrics and tracer
// are left for the caller.
func (c *Config) ExecutorConfig() executor.Config {
	return c.Executor
}

// ManagerOptions returns the process.Manager options this config controls.
func (c *Config) ManagerOptions() []process.Option {
	return []process.Option{
		process.WithWatchdogConfig(c.WatchdogConfig()),
		process.WithTerminationTimeout(c.Process.TerminationTimeout),
	}
}

// StateDir returns State.Dir, or the XDG default when unset.
func (c *Config) StateDir() (string, error) {
	if c.State.Dir != "" {
		return c.State.Dir, nil
	}
	return StateDir()
}
