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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/mcpfuzz/internal/lifecycle"
	"github.com/tombee/mcpfuzz/internal/log"
	"github.com/tombee/mcpfuzz/internal/metrics"
)

// TracerName is the instrumentation scope of start and stop spans.
const TracerName = "github.com/tombee/mcpfuzz/internal/process"

// DefaultTerminationTimeout is how long StopProcess waits after each signal.
const DefaultTerminationTimeout = 5 * time.Second

// ProcessStatus is the externally visible state of a managed process.
type ProcessStatus struct {
	PID          int           `json:"pid"`
	Name         string        `json:"name"`
	Command      []string      `json:"command"`
	Status       Status        `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	ExitedAt     *time.Time    `json:"exited_at,omitempty"`
	ExitCode     *int          `json:"exit_code,omitempty"`
	LastActivity time.Time     `json:"last_activity"`
	Idle         time.Duration `json:"idle"`
	Tracked      bool          `json:"tracked"`
}

// Stats aggregates process counts across the manager.
type Stats struct {
	Processes    map[Status]int `json:"processes"`
	Watchdog     WatchdogStats  `json:"watchdog"`
	TotalManaged int            `json:"total_managed"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.baseLogger = logger }
}

// WithRegistry shares an existing registry with the manager.
func WithRegistry(registry *Registry) Option {
	return func(m *Manager) { m.registry = registry }
}

// WithWatchdogConfig sets the hang detection thresholds.
func WithWatchdogConfig(cfg WatchdogConfig) Option {
	return func(m *Manager) { m.watchdogCfg = cfg }
}

// WithClock replaces the wall clock. Used by tests.
func WithClock(clock Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithSignaler replaces OS signal delivery. Used by tests.
func WithSignaler(signaler OSSignaler) Option {
	return func(m *Manager) { m.signaler = signaler }
}

// WithLoadSampler sets the host load source for the adaptive interval.
func WithLoadSampler(load LoadSampler) Option {
	return func(m *Manager) { m.load = load }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithTracer sets the tracer used for start and stop spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) { m.tracer = tracer }
}

// WithTerminationTimeout sets how long StopProcess waits after each signal.
func WithTerminationTimeout(d time.Duration) Option {
	return func(m *Manager) { m.termTimeout = d }
}

// Manager composes the registry, dispatcher and watchdog behind one API.
type Manager struct {
	registry   *Registry
	dispatcher *Dispatcher
	watchdog   *Watchdog
	observers  *observers

	baseLogger  *slog.Logger
	logger      *slog.Logger
	clock       Clock
	signaler    OSSignaler
	load        LoadSampler
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	watchdogCfg WatchdogConfig
	termTimeout time.Duration

	mu         sync.Mutex
	isShutdown bool
}

// NewManager creates a manager. The watchdog starts with the first process.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		baseLogger:  slog.Default(),
		clock:       RealClock(),
		signaler:    DefaultSignaler(),
		watchdogCfg: DefaultWatchdogConfig(),
		termTimeout: DefaultTerminationTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.registry == nil {
		m.registry = NewRegistry()
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(TracerName)
	}
	m.logger = log.WithComponent(m.baseLogger, "manager")
	m.observers = newObservers(m.logger)
	m.dispatcher = NewDispatcher(m.registry, DispatcherConfig{
		Logger:   log.WithComponent(m.baseLogger, "dispatcher"),
		Signaler: m.signaler,
		Metrics:  m.metrics,
	})
	m.watchdog = NewWatchdog(WatchdogOptions{
		Config:      m.watchdogCfg,
		Registry:    m.registry,
		Dispatcher:  m.dispatcher,
		Clock:       m.clock,
		Load:        m.load,
		Logger:      m.baseLogger,
		Metrics:     m.metrics,
		OnTerminate: m.onWatchdogTerminate,
		OnExit:      m.onWatchdogExit,
	})
	return m
}

// Registry returns the shared registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Dispatcher returns the signal dispatcher, for registering custom strategies.
func (m *Manager) Dispatcher() *Dispatcher { return m.dispatcher }

// Watchdog returns the watchdog.
func (m *Manager) Watchdog() *Watchdog { return m.watchdog }

// AddObserver subscribes fn to lifecycle events. Call the returned function
// to unsubscribe.
func (m *Manager) AddObserver(fn Observer) (remove func()) {
	return m.observers.add(fn)
}

// StartProcess spawns cfg, registers it and puts it under watchdog
// supervision.
func (m *Manager) StartProcess(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	ctx, span := m.tracer.Start(ctx, "process.start", trace.WithAttributes(
		attribute.String("process.name", cfg.DisplayName()),
		attribute.String("process.command", cfg.CommandLine()),
	))
	defer span.End()

	if err := cfg.Validate(); err != nil {
		return nil, m.failStart(span, newError(CodeStart, "invalid process configuration").
			withProcess(0, cfg).
			WithCause(err))
	}

	m.mu.Lock()
	closed := m.isShutdown
	m.mu.Unlock()
	if closed {
		return nil, m.failStart(span, newError(CodeStart, "process manager is shut down").withProcess(0, cfg))
	}

	cfg = cfg.clone()
	proc, err := spawn(cfg, m.clock)
	if err != nil {
		perr := newError(CodeStart, "failed to start process").withProcess(0, cfg).WithCause(err)
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			perr.WithSuggestions(
				"Verify the command is installed and in your PATH",
				fmt.Sprintf("Use an absolute path: %s", cfg.Command[0]),
			)
		} else {
			perr.WithSuggestions("Check the working directory and file permissions")
		}
		return nil, m.failStart(span, perr)
	}

	pid := proc.Pid()
	plog := log.WithProcess(m.logger, pid, cfg.DisplayName())

	if replaced := m.registry.Register(pid, proc, cfg, WithStartedAt(proc.StartedAt()), WithActivity(proc.Activity())); replaced {
		plog.Warn("pid reused, replaced stale registry entry")
	}

	if err := m.watchdog.RegisterProcess(pid, proc, cfg); err != nil {
		m.dispatcher.Send(ctx, SignalForce, pid, nil)
		m.registry.Unregister(pid)
		proc.closePipes()
		return nil, m.failStart(span, err)
	}

	m.metrics.RecordProcessStart(true)
	span.SetAttributes(attribute.Int("process.pid", pid))
	plog.Info("process started", "command", cfg.CommandLine())

	m.observers.emit(Event{
		Type:        EventStarted,
		PID:         pid,
		ProcessName: cfg.DisplayName(),
		Command:     cfg.Command,
	})
	return proc, nil
}

func (m *Manager) failStart(span trace.Span, err error) error {
	m.metrics.RecordProcessStart(false)
	span.RecordError(err)
	span.SetStatus(codes.Error, "start failed")
	m.logger.Error("failed to start process", log.Error(err))
	return err
}

// StopProcess stops pid. Graceful stops send the timeout signal, wait, and
// escalate to a forced kill; force goes straight to the kill. It returns
// false with a nil error when pid is not managed.
func (m *Manager) StopProcess(ctx context.Context, pid int, force bool) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "process.stop", trace.WithAttributes(
		attribute.Int("process.pid", pid),
		attribute.Bool("process.force", force),
	))
	defer span.End()

	info, ok := m.registry.Get(pid)
	if !ok {
		return false, nil
	}
	plog := log.WithProcess(m.logger, pid, info.Config.DisplayName())

	mode := "graceful"
	if force {
		mode = "force"
	}

	alreadyExited := info.Exited() || (info.Handle == nil && !lifecycle.IsProcessRunning(pid))
	stopped := alreadyExited

	if !stopped && !force {
		if m.dispatcher.Send(ctx, SignalTimeout, pid, &info) {
			stopped = m.waitExit(ctx, pid, info.Handle)
		}
		if !stopped && ctx.Err() == nil {
			plog.Warn("process did not exit after timeout signal, forcing kill", "timeout", m.termTimeout)
			mode = "force"
		}
	}

	if !stopped && ctx.Err() == nil {
		if m.dispatcher.Send(ctx, SignalForce, pid, &info) || info.Exited() {
			stopped = m.waitExit(ctx, pid, info.Handle)
		}
	}

	if !stopped {
		err := newError(CodeStop, "failed to stop process").
			withProcess(pid, info.Config).
			WithContext("force", force).
			WithSuggestions("The process may be stuck in uninterruptible sleep; inspect it with ps")
		if ctx.Err() != nil {
			err.WithCause(ctx.Err())
		}

		m.metrics.RecordProcessStop(mode, false)
		span.RecordError(err)
		span.SetStatus(codes.Error, "stop failed")
		plog.Error("failed to stop process", log.Error(err))
		m.observers.emit(Event{
			Type:        EventStopped,
			PID:         pid,
			ProcessName: info.Config.DisplayName(),
			Force:       boolPtr(force),
			Result:      boolPtr(false),
			Error:       err.Error(),
		})
		return false, err
	}

	now := m.clock.Now()
	if alreadyExited {
		m.registry.MarkFinished(now, pid)
	} else {
		m.registry.SetStatus(pid, StatusStopped, now)
	}
	m.watchdog.UnregisterProcess(pid)

	m.metrics.RecordProcessStop(mode, true)
	plog.Info("process stopped", "mode", mode, "already_exited", alreadyExited)

	event := Event{
		Type:        EventStopped,
		PID:         pid,
		ProcessName: info.Config.DisplayName(),
		Force:       boolPtr(force),
		Result:      boolPtr(true),
	}
	if code, ok := info.ExitCode(); ok {
		event.ExitCode = intPtr(code)
	}
	m.observers.emit(event)
	return true, nil
}

// waitExit waits up to the termination timeout for h to exit. Entries
// registered without a handle are polled by pid.
func (m *Manager) waitExit(ctx context.Context, pid int, h Handle) bool {
	if h == nil {
		return lifecycle.WaitForExit(ctx, pid, m.termTimeout) == nil
	}

	timer := time.NewTimer(m.termTimeout)
	defer timer.Stop()

	select {
	case <-h.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// StopAllProcesses stops every running process concurrently. Failures do
// not abort the other stops; they are reported together in one error.
func (m *Manager) StopAllProcesses(ctx context.Context, force bool) error {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures = make(map[int]string)
	)

	for _, e := range m.registry.Snapshot() {
		if e.Info.Status != StatusRunning || e.Info.Exited() {
			continue
		}
		pid := e.PID
		g.Go(func() error {
			if _, err := m.StopProcess(ctx, pid, force); err != nil {
				mu.Lock()
				failures[pid] = err.Error()
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if len(failures) == 0 {
		return nil
	}

	failed := make([]int, 0, len(failures))
	for pid := range failures {
		failed = append(failed, pid)
	}
	slices.Sort(failed)

	return newError(CodeStop, fmt.Sprintf("failed to stop %d process(es)", len(failed))).
		WithContext("failed_pids", failed).
		WithContext("failures", failures)
}

// GetProcessStatus returns the status of pid.
func (m *Manager) GetProcessStatus(pid int) (ProcessStatus, bool) {
	info, ok := m.registry.Get(pid)
	if !ok {
		return ProcessStatus{}, false
	}
	return m.statusOf(info), true
}

// ListProcesses returns the status of every managed process, ordered by pid.
func (m *Manager) ListProcesses() []ProcessStatus {
	entries := m.registry.Snapshot()
	out := make([]ProcessStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, m.statusOf(e.Info))
	}
	return out
}

func (m *Manager) statusOf(info ManagedProcessInfo) ProcessStatus {
	st := ProcessStatus{
		PID:          info.PID,
		Name:         info.Config.DisplayName(),
		Command:      info.Config.Command,
		Status:       info.Status,
		StartedAt:    info.StartedAt,
		ExitedAt:     info.ExitedAt,
		LastActivity: info.LastActivity,
		Tracked:      m.watchdog.IsTracked(info.PID),
	}
	if code, ok := info.ExitCode(); ok {
		st.ExitCode = intPtr(code)
		// Exited but not yet seen by a watchdog scan.
		if st.Status == StatusRunning {
			st.Status = StatusFinished
		}
	} else {
		st.Idle = m.clock.Now().Sub(info.LastActivity)
	}
	return st
}

// GetStats aggregates per-status counts and watchdog statistics.
func (m *Manager) GetStats() Stats {
	stats := Stats{
		Processes: make(map[Status]int),
		Watchdog:  m.watchdog.Stats(),
	}
	for _, p := range m.ListProcesses() {
		stats.Processes[p.Status]++
		stats.TotalManaged++
	}
	return stats
}

// CleanupFinishedProcesses removes every entry whose process has exited
// and returns how many were removed. Running entries are untouched.
func (m *Manager) CleanupFinishedProcesses() int {
	var released []*Process
	removed := m.registry.RemoveIf(func(info ManagedProcessInfo) bool {
		if !info.Exited() {
			return false
		}
		if p, ok := info.Handle.(*Process); ok {
			released = append(released, p)
		}
		return true
	})

	for _, pid := range removed {
		m.watchdog.UnregisterProcess(pid)
	}
	for _, p := range released {
		p.closePipes()
	}

	if len(removed) > 0 {
		m.logger.Info("cleaned up finished processes", "count", len(removed), "pids", removed)
	}
	return len(removed)
}

// SendTimeoutSignal sends signalType to pid. Unknown pids and signal types
// return false.
func (m *Manager) SendTimeoutSignal(ctx context.Context, pid int, signalType string) bool {
	sent := m.dispatcher.Send(ctx, signalType, pid, nil)

	event := Event{
		Type:   EventSignal,
		PID:    pid,
		Signal: signalType,
		Result: boolPtr(sent),
	}
	if info, ok := m.registry.Get(pid); ok {
		event.ProcessName = info.Config.DisplayName()
	}
	m.observers.emit(event)
	return sent
}

// SendTimeoutSignalToAll sends signalType to every running process
// concurrently. Every pid is attempted; when any send fails a single
// PROCESS_SIGNAL error lists the failed pids.
func (m *Manager) SendTimeoutSignalToAll(ctx context.Context, signalType string) (map[int]bool, error) {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make(map[int]bool)
	)

	for _, e := range m.registry.Snapshot() {
		if e.Info.Status != StatusRunning {
			continue
		}
		pid, info := e.PID, e.Info
		g.Go(func() error {
			sent := m.dispatcher.Send(ctx, signalType, pid, &info)
			mu.Lock()
			results[pid] = sent
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	var failures []int
	for pid, sent := range results {
		if !sent {
			failures = append(failures, pid)
		}
	}
	slices.Sort(failures)

	m.observers.emit(Event{
		Type:     EventSignalAll,
		Signal:   signalType,
		Results:  results,
		Failures: failures,
	})

	if len(failures) > 0 {
		err := newError(CodeSignal, fmt.Sprintf("failed to send %s signal to %d process(es)", signalType, len(failures))).
			WithContext("signal", signalType).
			WithContext("failed_pids", failures)
		m.logger.Warn("signal broadcast incomplete", log.Error(err))
		return results, err
	}
	return results, nil
}

// Shutdown stops every process, then stops the watchdog and clears the
// registry. The second phase always runs, even when stopping failed; the
// stop error is returned afterwards.
func (m *Manager) Shutdown(ctx context.Context) (err error) {
	m.mu.Lock()
	if m.isShutdown {
		m.mu.Unlock()
		return nil
	}
	m.isShutdown = true
	m.mu.Unlock()

	m.logger.Info("shutting down process manager", "processes", m.registry.Len())

	defer func() {
		m.watchdog.Stop()
		m.watchdog.clearTracking()
		for _, e := range m.registry.Snapshot() {
			if p, ok := e.Info.Handle.(*Process); ok {
				p.closePipes()
			}
		}
		cleared := m.registry.Clear()

		event := Event{Type: EventShutdown, Result: boolPtr(err == nil)}
		if err != nil {
			event.Error = err.Error()
		}
		m.observers.emit(event)
		m.logger.Info("process manager shut down", "cleared", cleared)
	}()

	return m.StopAllProcesses(ctx, false)
}

func (m *Manager) onWatchdogTerminate(pid int, signalType string, sent bool) {
	event := Event{
		Type:   EventSignal,
		PID:    pid,
		Signal: signalType,
		Result: boolPtr(sent),
		Source: "watchdog",
	}
	if info, ok := m.registry.Get(pid); ok {
		event.ProcessName = info.Config.DisplayName()
	}
	m.observers.emit(event)
}

func (m *Manager) onWatchdogExit(pids []int) {
	for _, pid := range pids {
		event := Event{Type: EventExited, PID: pid, Source: "watchdog"}
		if info, ok := m.registry.Get(pid); ok {
			event.ProcessName = info.Config.DisplayName()
			if code, ok := info.ExitCode(); ok {
				event.ExitCode = intPtr(code)
			}
		}
		m.observers.emit(event)
	}
}
