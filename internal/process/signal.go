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
	"log/slog"
	"sort"
	"sync"

	"github.com/tombee/mcpfuzz/internal/lifecycle"
	"github.com/tombee/mcpfuzz/internal/metrics"
)

// Signal types understood by the dispatcher's built-in strategies.
const (
	SignalTimeout   = "timeout"
	SignalForce     = "force"
	SignalInterrupt = "interrupt"
)

// Strategy delivers one kind of termination to a process. It returns false
// when the process cannot be reached; that is an ordinary outcome, not an
// error.
type Strategy interface {
	Terminate(ctx context.Context, pid int, info *ManagedProcessInfo) bool
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, pid int, info *ManagedProcessInfo) bool

// Terminate implements Strategy.
func (f StrategyFunc) Terminate(ctx context.Context, pid int, info *ManagedProcessInfo) bool {
	return f(ctx, pid, info)
}

// OSSignaler performs the actual signal delivery. The default implementation
// calls into internal/lifecycle; tests substitute a fake.
type OSSignaler interface {
	SignalGroup(pid int, sig lifecycle.Signal) error
	SignalProcess(pid int, sig lifecycle.Signal) error
}

// DefaultSignaler returns the platform OSSignaler.
func DefaultSignaler() OSSignaler {
	return osSignaler{}
}

type osSignaler struct{}

func (osSignaler) SignalGroup(pid int, sig lifecycle.Signal) error {
	return lifecycle.SignalGroup(pid, sig)
}

func (osSignaler) SignalProcess(pid int, sig lifecycle.Signal) error {
	return lifecycle.SignalProcess(pid, sig)
}

// groupStrategy signals the process group and falls back to the single
// process when the group cannot be resolved or signalled.
type groupStrategy struct {
	sig      lifecycle.Signal
	signaler OSSignaler
	logger   *slog.Logger
}

func (s *groupStrategy) Terminate(_ context.Context, pid int, info *ManagedProcessInfo) bool {
	if info == nil || info.Exited() {
		return false
	}

	err := s.signaler.SignalGroup(pid, s.sig)
	if err == nil {
		return true
	}
	s.logger.Debug("group signal failed, falling back to process",
		"pid", pid,
		"signal", s.sig.String(),
		"error", err,
	)

	if err := s.signaler.SignalProcess(pid, s.sig); err != nil {
		if !errors.Is(err, lifecycle.ErrProcessNotRunning) {
			s.logger.Warn("failed to signal process",
				"pid", pid,
				"signal", s.sig.String(),
				"error", err,
			)
		}
		return false
	}
	return true
}

// processStrategy signals only the process itself.
type processStrategy struct {
	sig      lifecycle.Signal
	signaler OSSignaler
	logger   *slog.Logger
}

func (s *processStrategy) Terminate(_ context.Context, pid int, info *ManagedProcessInfo) bool {
	if info == nil || info.Exited() {
		return false
	}
	if err := s.signaler.SignalProcess(pid, s.sig); err != nil {
		s.logger.Debug("failed to signal process",
			"pid", pid,
			"signal", s.sig.String(),
			"error", err,
		)
		return false
	}
	return true
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// Signaler delivers OS signals (default: DefaultSignaler())
	Signaler OSSignaler

	// NoBuiltinStrategies skips registering timeout, force and interrupt.
	NoBuiltinStrategies bool

	// Metrics records dispatched signals (optional)
	Metrics *metrics.Metrics
}

// Dispatcher routes named signal types to termination strategies.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewDispatcher creates a dispatcher that resolves pids through registry.
func NewDispatcher(registry *Registry, cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	signaler := cfg.Signaler
	if signaler == nil {
		signaler = DefaultSignaler()
	}

	d := &Dispatcher{
		registry:   registry,
		logger:     logger,
		metrics:    cfg.Metrics,
		strategies: make(map[string]Strategy),
	}
	if !cfg.NoBuiltinStrategies {
		for name, s := range builtinStrategies(signaler, logger) {
			d.strategies[name] = s
		}
	}
	return d
}

// RegisterStrategy adds or replaces the strategy for name.
func (d *Dispatcher) RegisterStrategy(name string, s Strategy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.strategies[name] = s
}

// UnregisterStrategy removes the strategy for name. Reports whether it existed.
func (d *Dispatcher) UnregisterStrategy(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.strategies[name]; !ok {
		return false
	}
	delete(d.strategies, name)
	return true
}

// Strategies returns the registered signal type names, sorted.
func (d *Dispatcher) Strategies() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.strategies))
	for name := range d.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send delivers signalType to pid. When info is nil the pid is resolved
// through the registry. Unknown signal types and unknown pids return false.
func (d *Dispatcher) Send(ctx context.Context, signalType string, pid int, info *ManagedProcessInfo) bool {
	d.mu.RLock()
	strategy, ok := d.strategies[signalType]
	d.mu.RUnlock()

	if !ok {
		d.logger.Warn("unknown signal type", "signal", signalType, "pid", pid)
		d.metrics.RecordSignal(signalType, false)
		return false
	}

	if info == nil {
		got, ok := d.registry.Get(pid)
		if !ok {
			d.logger.Debug("signal target not registered", "signal", signalType, "pid", pid)
			d.metrics.RecordSignal(signalType, false)
			return false
		}
		info = &got
	}

	sent := strategy.Terminate(ctx, pid, info)
	d.metrics.RecordSignal(signalType, sent)
	if sent {
		d.logger.Debug("signal sent", "signal", signalType, "pid", pid)
	}
	return sent
}
