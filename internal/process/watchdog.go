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
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/mcpfuzz/internal/log"
	"github.com/tombee/mcpfuzz/internal/metrics"
)

// phase is the watchdog's view of a tracked process.
type phase int

const (
	phaseRunning phase = iota
	phaseSlow
	phaseHanging
	phaseTerminating
)

// tracking is per-process watchdog state. Only the scanning goroutine
// touches its fields.
type tracking struct {
	phase       phase
	signalledAt time.Time
	forced      bool
}

// WatchdogStats summarises the processes visible to the watchdog.
type WatchdogStats struct {
	TotalProcesses    int  `json:"total_processes"`
	RunningProcesses  int  `json:"running_processes"`
	FinishedProcesses int  `json:"finished_processes"`
	WatchdogActive    bool `json:"watchdog_active"`
}

// WatchdogOptions configures a Watchdog.
type WatchdogOptions struct {
	// Config holds the thresholds (default: DefaultWatchdogConfig())
	Config WatchdogConfig

	// Registry is shared with the Manager (default: a new registry)
	Registry *Registry

	// Dispatcher delivers termination signals (default: builtin strategies)
	Dispatcher *Dispatcher

	// Clock drives scans and idle computation (default: RealClock())
	Clock Clock

	// Load samples host pressure for the adaptive interval (optional)
	Load LoadSampler

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// Metrics records scans and terminations (optional)
	Metrics *metrics.Metrics

	// OnTerminate is called after every watchdog-initiated signal (optional)
	OnTerminate func(pid int, signalType string, sent bool)

	// OnExit is called with the pids found exited during a scan (optional)
	OnExit func(pids []int)
}

// Watchdog scans registered processes on an adaptive interval and
// terminates the ones that stop making progress.
//
// A process is slow once idle longer than its timeout, and hanging once idle
// longer than timeout + ExtraBuffer. Hanging processes are sent the timeout
// signal when auto-kill is on, then force-killed if they are still alive
// after TerminationGrace. With auto-kill off they are force-killed only past
// MaxHangTime.
type Watchdog struct {
	registry    *Registry
	dispatcher  *Dispatcher
	clock       Clock
	load        LoadSampler
	metrics     *metrics.Metrics
	baseLogger  *slog.Logger
	onTerminate func(pid int, signalType string, sent bool)
	onExit      func(pids []int)

	// cfgMu protects cfg and logger
	cfgMu  sync.RWMutex
	cfg    WatchdogConfig
	logger *slog.Logger

	// mu protects tracked and the loop handles
	mu      sync.Mutex
	tracked map[int]*tracking
	cancel  context.CancelFunc
	done    chan struct{}

	// scanMu serialises scans
	scanMu sync.Mutex

	interval atomic.Int64
	lastLoad atomic.Pointer[HostLoad]
}

// NewWatchdog creates a watchdog. The loop is not started until Start,
// RegisterProcess or UnregisterProcess is called.
func NewWatchdog(opts WatchdogOptions) *Watchdog {
	cfg := opts.Config
	if cfg == (WatchdogConfig{}) {
		cfg = DefaultWatchdogConfig()
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "watchdog")
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher(registry, DispatcherConfig{Logger: logger, Metrics: opts.Metrics})
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	load := opts.Load
	if load == nil {
		load = noLoad{}
	}

	w := &Watchdog{
		registry:    registry,
		dispatcher:  dispatcher,
		clock:       clock,
		load:        load,
		metrics:     opts.Metrics,
		baseLogger:  logger,
		onTerminate: opts.OnTerminate,
		onExit:      opts.OnExit,
		cfg:         cfg,
		logger:      log.WithLevel(logger, cfg.LogLevel),
		tracked:     make(map[int]*tracking),
	}
	w.interval.Store(int64(cfg.CheckInterval))
	return w
}

// Start launches the scan loop. It is a no-op if the loop is already
// running. The loop stops when ctx is cancelled or Stop is called.
func (w *Watchdog) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return newError(CodeWatchdogStart, "watchdog context already done").WithCause(err)
	}
	if err := w.Config().Validate(); err != nil {
		return newError(CodeWatchdogStart, "invalid watchdog configuration").
			WithCause(err).
			WithSuggestions("Check the watchdog section of the configuration file")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done

	go w.run(loopCtx, done)
	return nil
}

// Stop cancels the loop and waits for the current scan to finish.
// Safe to call when the loop is not running.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsActive reports whether the scan loop is running.
func (w *Watchdog) IsActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

func (w *Watchdog) run(ctx context.Context, done chan struct{}) {
	defer func() {
		w.mu.Lock()
		if w.done == done {
			w.cancel = nil
			w.done = nil
		}
		w.mu.Unlock()
		close(done)
	}()

	_, logger := w.settings()
	logger.Info("watchdog started", "check_interval", w.Config().CheckInterval)

	for {
		if ctx.Err() != nil {
			break
		}
		w.safeScan(ctx)

		if err := w.clock.Sleep(ctx, w.nextInterval()); err != nil {
			break
		}
	}

	logger.Info("watchdog stopped")
}

// safeScan runs one scan and keeps the loop alive if it panics.
func (w *Watchdog) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			_, logger := w.settings()
			logger.Error("watchdog scan panicked", "panic", fmt.Sprint(r))
			w.metrics.RecordWatchdogError()
		}
	}()
	w.Scan(ctx)
}

func (w *Watchdog) nextInterval() time.Duration {
	cfg, logger := w.settings()

	w.mu.Lock()
	tracked := len(w.tracked)
	w.mu.Unlock()

	load := w.load.Sample()
	w.lastLoad.Store(&load)
	interval := AdaptiveInterval(cfg.CheckInterval, load, tracked)
	w.interval.Store(int64(interval))
	w.metrics.SetInterval(interval)

	log.Trace(logger, "next watchdog scan",
		slog.Duration("interval", interval),
		slog.Int("tracked", tracked),
		slog.Bool("cpu_known", load.CPUKnown),
		slog.Float64("cpu_percent", load.CPUPercent),
		slog.Bool("memory_known", load.MemoryKnown),
		slog.Float64("memory_percent", load.MemoryPercent),
	)
	return interval
}

// LastLoad returns the host sample behind the current interval. It is false
// until the loop has completed a scan.
func (w *Watchdog) LastLoad() (HostLoad, bool) {
	load := w.lastLoad.Load()
	if load == nil {
		return HostLoad{}, false
	}
	return *load, true
}

// CurrentInterval returns the most recently chosen scan interval.
func (w *Watchdog) CurrentInterval() time.Duration {
	return time.Duration(w.interval.Load())
}

// RegisterProcess starts tracking pid. If the registry has no entry for pid
// one is created. The scan loop is started if it is not running.
func (w *Watchdog) RegisterProcess(pid int, handle Handle, cfg ProcessConfig) error {
	if pid <= 0 || handle == nil {
		return newError(CodeRegistration, "cannot track process without a pid and handle").
			withProcess(pid, cfg)
	}

	if !w.registry.Contains(pid) {
		w.registry.Register(pid, handle, cfg, WithStartedAt(w.clock.Now()))
	}

	w.mu.Lock()
	w.tracked[pid] = &tracking{}
	w.mu.Unlock()

	_, logger := w.settings()
	logger.Debug("process tracked", "pid", pid, "process_name", cfg.DisplayName())

	if err := w.Start(context.Background()); err != nil {
		return newError(CodeRegistration, "failed to start watchdog for process").
			withProcess(pid, cfg).
			WithCause(err)
	}
	return nil
}

// UnregisterProcess stops tracking pid and reports whether it was tracked.
// The registry entry is left alone. Calling it twice is harmless. Like
// RegisterProcess it starts the scan loop if it is not running.
func (w *Watchdog) UnregisterProcess(pid int) bool {
	w.mu.Lock()
	_, ok := w.tracked[pid]
	delete(w.tracked, pid)
	w.mu.Unlock()

	if ok {
		_, logger := w.settings()
		logger.Debug("process untracked", "pid", pid)
	}
	if err := w.Start(context.Background()); err != nil {
		_, logger := w.settings()
		logger.Error("failed to restart watchdog", log.Error(err))
	}
	return ok
}

// IsTracked reports whether pid is tracked.
func (w *Watchdog) IsTracked(pid int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.tracked[pid]
	return ok
}

// clearTracking forgets every tracked process.
func (w *Watchdog) clearTracking() {
	w.mu.Lock()
	clear(w.tracked)
	w.mu.Unlock()
}

// UpdateActivity records activity for pid now.
func (w *Watchdog) UpdateActivity(pid int) bool {
	return w.registry.UpdateActivity(pid, w.clock.Now())
}

// Config returns the current configuration.
func (w *Watchdog) Config() WatchdogConfig {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg
}

// UpdateConfig replaces the configuration. It takes effect on the next scan.
func (w *Watchdog) UpdateConfig(cfg WatchdogConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	w.cfgMu.Lock()
	w.cfg = cfg
	w.logger = log.WithLevel(w.baseLogger, cfg.LogLevel)
	logger := w.logger
	w.cfgMu.Unlock()

	logger.Info("watchdog configuration updated",
		"check_interval", cfg.CheckInterval,
		"process_timeout", cfg.ProcessTimeout,
		"extra_buffer", cfg.ExtraBuffer,
		"max_hang_time", cfg.MaxHangTime,
		"auto_kill", cfg.AutoKill,
	)
	return nil
}

func (w *Watchdog) settings() (WatchdogConfig, *slog.Logger) {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg, w.logger
}

// Stats returns counts over every registry entry.
func (w *Watchdog) Stats() WatchdogStats {
	stats := WatchdogStats{WatchdogActive: w.IsActive()}
	for _, e := range w.registry.Snapshot() {
		stats.TotalProcesses++
		if e.Info.Exited() {
			stats.FinishedProcesses++
		} else {
			stats.RunningProcesses++
		}
	}
	return stats
}

// Scan performs a single watchdog tick without sleeping. The loop calls it
// on every interval; tests call it directly.
func (w *Watchdog) Scan(ctx context.Context) {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	started := time.Now()
	cfg, logger := w.settings()
	now := w.clock.Now()

	entries := w.registry.Snapshot()
	seen := make(map[int]struct{}, len(entries))
	var exited []int
	tracked := 0

	for _, e := range entries {
		seen[e.PID] = struct{}{}

		w.mu.Lock()
		st := w.tracked[e.PID]
		w.mu.Unlock()
		if st == nil {
			continue
		}
		tracked++

		if e.Info.Exited() {
			exited = append(exited, e.PID)
			continue
		}
		if e.Info.Status != StatusRunning {
			continue
		}

		idle := now.Sub(w.resolveLastActivity(ctx, e.Info, now, cfg, logger))
		w.check(ctx, e, st, idle, now, cfg, logger)
	}

	w.pruneMissing(seen)

	if len(exited) > 0 {
		w.finish(exited, now, logger)
	}

	w.metrics.RecordScan(time.Since(started), tracked)
}

// pruneMissing stops tracking pids that were removed from the registry
// behind the watchdog's back.
func (w *Watchdog) pruneMissing(seen map[int]struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for pid := range w.tracked {
		if _, ok := seen[pid]; !ok {
			delete(w.tracked, pid)
		}
	}
}

func (w *Watchdog) finish(pids []int, now time.Time, logger *slog.Logger) {
	w.mu.Lock()
	for _, pid := range pids {
		delete(w.tracked, pid)
	}
	w.mu.Unlock()

	n := w.registry.MarkFinished(now, pids...)
	logger.Info("processes exited", "pids", pids, "marked_finished", n)

	if w.onExit != nil {
		w.onExit(slices.Clone(pids))
	}
}

// resolveLastActivity prefers the config's probe over the stored timestamp.
// Probe results that are zero, before the epoch or in the future are
// discarded.
func (w *Watchdog) resolveLastActivity(ctx context.Context, info ManagedProcessInfo, now time.Time, cfg WatchdogConfig, logger *slog.Logger) time.Time {
	probe := info.Config.Activity
	if probe == nil {
		return info.LastActivity
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.CheckInterval)
	defer cancel()

	t, err := probe.LastActivity(probeCtx)
	switch {
	case err != nil:
		logger.Debug("activity probe failed, using stored activity", "pid", info.PID, log.Error(err))
		return info.LastActivity
	case t.IsZero() || t.Unix() < 0 || t.After(now):
		logger.Debug("activity probe returned invalid timestamp, using stored activity",
			"pid", info.PID,
			"timestamp", t,
		)
		return info.LastActivity
	}
	return t
}

func (w *Watchdog) check(ctx context.Context, e Entry, st *tracking, idle time.Duration, now time.Time, cfg WatchdogConfig, logger *slog.Logger) {
	info := e.Info
	slowAfter := cfg.ProcessTimeout
	if info.Config.Timeout > 0 {
		slowAfter = info.Config.Timeout
	}
	hangAfter := slowAfter + cfg.ExtraBuffer
	autoKill := cfg.AutoKill || info.Config.AutoKill
	plog := log.WithProcess(logger, e.PID, info.Config.DisplayName())

	switch {
	case st.phase == phaseTerminating:
		if st.forced || now.Sub(st.signalledAt) < cfg.TerminationGrace {
			return
		}
		plog.Warn("process ignored timeout signal, forcing kill", "grace", cfg.TerminationGrace)
		st.forced = w.terminate(ctx, e.PID, &info, SignalForce, idle, plog)

	case idle > hangAfter:
		if autoKill {
			plog.Warn("process hanging, terminating", "idle", idle, "threshold", hangAfter)
			if w.terminate(ctx, e.PID, &info, SignalTimeout, idle, plog) {
				st.phase = phaseTerminating
				st.signalledAt = now
			}
			return
		}
		if idle > cfg.MaxHangTime {
			plog.Warn("process exceeded max hang time, forcing kill", "idle", idle, "max_hang_time", cfg.MaxHangTime)
			if w.terminate(ctx, e.PID, &info, SignalForce, idle, plog) {
				st.phase = phaseTerminating
				st.signalledAt = now
				st.forced = true
			}
			return
		}
		if st.phase != phaseHanging {
			plog.Warn("process hanging, auto-kill disabled", "idle", idle, "max_hang_time", cfg.MaxHangTime)
			st.phase = phaseHanging
		}

	case idle > slowAfter:
		if st.phase != phaseSlow {
			plog.Info("process slow", "idle", idle, "timeout", slowAfter)
			st.phase = phaseSlow
		}

	default:
		if st.phase != phaseRunning {
			plog.Info("process active again", "idle", idle)
			st.phase = phaseRunning
		}
	}
}

// terminate sends signalType and reports whether it was delivered. A
// failed delivery is logged as a stop error and retried on a later scan.
func (w *Watchdog) terminate(ctx context.Context, pid int, info *ManagedProcessInfo, signalType string, idle time.Duration, logger *slog.Logger) bool {
	sent := w.dispatcher.Send(ctx, signalType, pid, info)
	w.metrics.RecordTermination(signalType, sent)

	if !sent && !info.Exited() {
		err := newError(CodeStop, "watchdog failed to terminate hanging process").
			withProcess(pid, info.Config).
			WithContext("signal", signalType).
			WithContext("idle", idle.String())
		logger.Error("termination failed", log.Error(err))
		w.metrics.RecordWatchdogError()
	}

	if w.onTerminate != nil {
		w.onTerminate(pid, signalType, sent)
	}
	return sent
}
