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

package supervise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/mcpfuzz/internal/config"
	"github.com/tombee/mcpfuzz/internal/executor"
	"github.com/tombee/mcpfuzz/internal/lifecycle"
	"github.com/tombee/mcpfuzz/internal/log"
	"github.com/tombee/mcpfuzz/internal/metrics"
	"github.com/tombee/mcpfuzz/internal/probe"
	"github.com/tombee/mcpfuzz/internal/process"
	"github.com/tombee/mcpfuzz/internal/tracing"
)

// File names inside the state directory.
const (
	pidFileName   = "supervisor.pid"
	stateFileName = "session.json"
	eventLogName  = "events.jsonl"
)

// Options configures a supervision session.
type Options struct {
	Config *config.Config

	// ConfigPath is watched for watchdog changes when set.
	ConfigPath string

	// Command is the argv of the target.
	Command []string

	// Name labels the target in logs and events. Defaults to the
	// executable's base name.
	Name string

	// Stdin and Stdout are proxied to the target when the probe is off.
	Stdin  io.Reader
	Stdout io.Writer

	Logger   *slog.Logger
	Registry *prometheus.Registry
	Version  string

	// OnStart is called once the target is running (optional)
	OnStart func(pid int)
}

// Result summarises a finished session.
type Result struct {
	// ExitCode is the target's exit code, or -1 when it was still running
	// at shutdown.
	ExitCode int `json:"exit_code"`

	// Interrupted is set when the session ended because ctx was cancelled.
	Interrupted bool `json:"interrupted"`

	Reaped      []int                      `json:"reaped,omitempty"`
	Stats       process.Stats              `json:"stats"`
	Performance process.PerformanceMetrics `json:"performance"`
	Transport   process.TransportSnapshot  `json:"transport"`
}

// Run supervises one target until it exits or ctx is cancelled.
func Run(ctx context.Context, opts Options) (Result, error) {
	res := Result{ExitCode: -1}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if len(opts.Command) == 0 {
		return res, fmt.Errorf("no command to supervise")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(opts.Command[0])
	}
	slogger := log.WithComponent(logger, "supervise")

	stateDir, err := cfg.StateDir()
	if err != nil {
		return res, fmt.Errorf("failed to resolve state directory: %w", err)
	}

	pidFile := lifecycle.NewPIDFile(filepath.Join(stateDir, pidFileName))
	if err := pidFile.Acquire(os.Getpid()); err != nil {
		return res, fmt.Errorf("failed to acquire %s: %w", pidFile.Path(), err)
	}
	defer pidFile.Release()

	state := process.NewStateFile(filepath.Join(stateDir, stateFileName), logger)
	res.Reaped, err = state.ReapOrphans(ctx)
	if err != nil {
		slogger.Warn("failed to reap orphans from previous session", log.Error(err))
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	mt := metrics.New(reg)

	tp, err := tracing.New(ctx, cfg.TracingConfig(opts.Version),
		tracing.WithLogger(logger),
		tracing.WithoutGlobal(),
	)
	if err != nil {
		return res, err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(flushCtx); err != nil {
			slogger.Warn("failed to flush spans", log.Error(err))
		}
	}()

	mgrOpts := append(cfg.ManagerOptions(),
		process.WithLogger(logger),
		process.WithMetrics(mt),
	)
	if tp.Enabled() {
		mgrOpts = append(mgrOpts, process.WithTracer(tp.Tracer(process.TracerName)))
	}
	if sampler, err := process.NewLoadSampler(); err == nil {
		mgrOpts = append(mgrOpts, process.WithLoadSampler(sampler))
	} else {
		slogger.Debug("host load telemetry unavailable", log.Error(err))
	}
	mgr := process.NewManager(mgrOpts...)

	mgr.AddObserver(state.Observe)
	if !cfg.State.DisableEventLog {
		mgr.AddObserver(process.NewEventLog(filepath.Join(stateDir, eventLogName), logger).Observe)
	}
	transport := process.NewTransportProcessState(name)
	mgr.AddObserver(transport.Observe)

	exCfg := cfg.ExecutorConfig()
	exCfg.Logger = logger
	exCfg.Metrics = mt
	if tp.Enabled() {
		exCfg.Tracer = tp.Tracer(executor.TracerName)
	}
	ex, err := executor.New(exCfg)
	if err != nil {
		return res, err
	}
	defer ex.Shutdown(cfg.Process.TerminationTimeout)

	if cfg.Metrics.Addr != "" {
		_, stop, err := serveMetrics(cfg.Metrics.Addr, reg, mgr, slogger)
		if err != nil {
			return res, err
		}
		defer stop()
	}

	if opts.ConfigPath != "" {
		w, err := config.NewWatcher(config.WatcherConfig{
			Path:   opts.ConfigPath,
			Target: mgr.Watchdog(),
			Logger: logger,
		})
		if err != nil {
			slogger.Warn("config hot reload disabled", log.Error(err))
		} else {
			defer w.Close()
		}
	}

	pcfg := process.ProcessConfig{
		Command: opts.Command,
		Name:    name,
		Env:     cfg.Process.Env,
	}
	var liveness *probe.Deferred
	if cfg.Probe.Enabled {
		liveness = &probe.Deferred{}
		pcfg.Activity = liveness
	}

	proc, err := mgr.StartProcess(ctx, pcfg)
	if err != nil {
		return res, errors.Join(err, shutdown(ctx, mgr, cfg))
	}
	if opts.OnStart != nil {
		opts.OnStart(proc.Pid())
	}

	if liveness != nil {
		client, err := connectProbe(ctx, ex, proc, cfg, logger, opts.Version)
		if err != nil {
			return res, errors.Join(err, shutdown(ctx, mgr, cfg))
		}
		defer client.Close()
		liveness.Set(client)
	} else {
		proxy(proc, opts.Stdin, opts.Stdout, slogger)
	}

	select {
	case <-proc.Done():
		res.ExitCode, _ = proc.ExitCode()
		// The watchdog may not have scanned since the exit.
		transport.RecordExit(res.ExitCode, time.Now())
		slogger.Info("target exited", "pid", proc.Pid(), "exit_code", res.ExitCode)
	case <-ctx.Done():
		res.Interrupted = true
		slogger.Info("interrupted, shutting down", "pid", proc.Pid())
	}

	res.Stats = mgr.GetStats()
	res.Performance = mgr.PerformanceMetrics()

	err = shutdown(ctx, mgr, cfg)
	res.Transport = transport.Snapshot()
	if err == nil {
		if rerr := state.Remove(); rerr != nil {
			slogger.Warn("failed to remove session state", log.Error(rerr))
		}
	}
	return res, err
}

// shutdown stops everything within twice the termination timeout, on a
// context that survives the cancellation that usually triggers it.
func shutdown(ctx context.Context, mgr *process.Manager, cfg *config.Config) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*cfg.Process.TerminationTimeout+time.Second)
	defer cancel()
	return mgr.Shutdown(sctx)
}

// connectProbe performs the MCP handshake under the executor's timeout and
// lists the target's tools, retrying the listing on transient failures.
// The handshake itself is not retried: a failed handshake closes the
// target's stdin.
func connectProbe(ctx context.Context, ex *executor.Executor, proc *process.Process, cfg *config.Config, logger *slog.Logger, version string) (*probe.Client, error) {
	v, err := ex.Execute(ctx, func(ctx context.Context) (any, error) {
		return probe.Connect(ctx, proc.Stdin(), proc.Stdout(),
			probe.WithLogger(logger),
			probe.WithClientVersion(version),
		)
	}, executor.WithTimeout(cfg.Probe.HandshakeTimeout), executor.WithName("probe.connect"))
	if err != nil {
		return nil, fmt.Errorf("MCP handshake with target failed: %w", err)
	}
	client := v.(*probe.Client)

	tools, err := ex.ExecuteWithRetry(ctx, func(ctx context.Context) (any, error) {
		return client.Tools(ctx)
	}, -1, -1, executor.WithName("probe.tools"))
	if err != nil {
		logger.Warn("failed to list target tools", log.Error(err))
	} else {
		server, serverVersion := client.ServerInfo()
		logger.Info("target answered MCP handshake",
			"server", server,
			"server_version", serverVersion,
			"tools", len(tools.([]mcp.Tool)),
		)
	}
	return client, nil
}

// proxy connects the supervisor's stdio to the target so mcpfuzz can sit
// transparently between an MCP client and the server.
func proxy(proc *process.Process, stdin io.Reader, stdout io.Writer, logger *slog.Logger) {
	if stdin != nil {
		go func() {
			if _, err := io.Copy(proc.Stdin(), stdin); err != nil {
				logger.Debug("stdin proxy stopped", log.Error(err))
			}
			proc.Stdin().Close()
		}()
	}
	if stdout == nil {
		stdout = io.Discard
	}
	go func() {
		if _, err := io.Copy(stdout, proc.Stdout()); err != nil {
			logger.Debug("stdout proxy stopped", log.Error(err))
		}
	}()
}

// serveMetrics exposes /metrics and a JSON /stats snapshot. It returns the
// bound address and a func that shuts the server down.
func serveMetrics(addr string, reg *prometheus.Registry, mgr *process.Manager, logger *slog.Logger) (net.Addr, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Stats       process.Stats              `json:"stats"`
			Performance process.PerformanceMetrics `json:"performance"`
			Processes   []process.ProcessStatus    `json:"processes"`
		}{mgr.GetStats(), mgr.PerformanceMetrics(), mgr.ListProcesses()})
	})

	srv := &http.Server{
		Handler:           log.HTTPMiddleware(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", log.Error(err))
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return ln.Addr(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
