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

//go:build !windows

package supervise

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mcpfuzz/internal/lifecycle"
	"github.com/tombee/mcpfuzz/internal/metrics"
	"github.com/tombee/mcpfuzz/internal/process"
	"github.com/tombee/mcpfuzz/internal/tracing"
)

func readEventTypes(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var types []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e process.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		types = append(types, string(e.Type))
	}
	require.NoError(t, sc.Err())
	return types
}

func TestRun_TargetExits(t *testing.T) {
	cfg := testConfig(t)
	out := &syncBuffer{}

	var pid int
	res, err := Run(context.Background(), Options{
		Config:  cfg,
		Command: []string{"sh", "-c", "echo hello; exit 3"},
		Stdout:  out,
		Logger:  discardLogger,
		OnStart: func(p int) { pid = p },
	})
	require.NoError(t, err)

	require.Equal(t, 3, res.ExitCode)
	require.False(t, res.Interrupted)
	require.Equal(t, 1, res.Stats.TotalManaged)
	require.Equal(t, pid, res.Transport.PID)
	require.False(t, res.Transport.Running)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "hello") }, 2*time.Second, 10*time.Millisecond)

	events := readEventTypes(t, filepath.Join(cfg.State.Dir, eventLogName))
	require.Contains(t, events, string(process.EventStarted))
	require.Equal(t, string(process.EventShutdown), events[len(events)-1])

	require.NoFileExists(t, filepath.Join(cfg.State.Dir, stateFileName), "clean shutdown removes session state")
	require.NoFileExists(t, filepath.Join(cfg.State.Dir, pidFileName))
}

func TestRun_ProxiesStdin(t *testing.T) {
	cfg := testConfig(t)
	cfg.State.DisableEventLog = true
	out := &syncBuffer{}

	res, err := Run(context.Background(), Options{
		Config:  cfg,
		Command: []string{"cat"},
		Stdin:   strings.NewReader("{\"jsonrpc\":\"2.0\",\"method\":\"ping\",\"id\":1}\n"),
		Stdout:  out,
		Logger:  discardLogger,
	})
	require.NoError(t, err)

	require.Equal(t, 0, res.ExitCode, "cat exits once the proxied stdin is exhausted")
	require.Eventually(t, func() bool { return strings.Contains(out.String(), `"method":"ping"`) }, 2*time.Second, 10*time.Millisecond)
	require.NoFileExists(t, filepath.Join(cfg.State.Dir, eventLogName))
}

func TestRun_Interrupted(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pid int
	res, err := Run(ctx, Options{
		Config:  cfg,
		Command: []string{"sleep", "30"},
		Logger:  discardLogger,
		OnStart: func(p int) {
			pid = p
			cancel()
		},
	})
	require.NoError(t, err)

	require.True(t, res.Interrupted)
	require.Equal(t, -1, res.ExitCode)
	require.Equal(t, 1, res.Stats.Watchdog.RunningProcesses)
	require.False(t, lifecycle.IsProcessRunning(pid), "target is stopped on shutdown")
}

func TestRun_StartFailure(t *testing.T) {
	cfg := testConfig(t)

	_, err := Run(context.Background(), Options{
		Config:  cfg,
		Command: []string{"/nonexistent/mcp-server"},
		Logger:  discardLogger,
	})
	require.ErrorIs(t, err, process.ErrProcessStart)
	require.NoFileExists(t, filepath.Join(cfg.State.Dir, pidFileName))
}

func TestRun_RefusesConcurrentSession(t *testing.T) {
	cfg := testConfig(t)
	held := lifecycle.NewPIDFile(filepath.Join(cfg.State.Dir, pidFileName))
	require.NoError(t, held.Acquire(os.Getpid()))
	defer held.Release()

	_, err := Run(context.Background(), Options{
		Config:  cfg,
		Command: []string{"true"},
		Logger:  discardLogger,
	})
	require.ErrorIs(t, err, lifecycle.ErrPIDFileLocked)
}

func TestRun_ReapsOrphans(t *testing.T) {
	cfg := testConfig(t)

	orphan := exec.Command("sleep", "30")
	require.NoError(t, orphan.Start())
	t.Cleanup(func() {
		_ = orphan.Process.Kill()
		_ = orphan.Wait()
	})

	prev := process.NewStateFile(filepath.Join(cfg.State.Dir, stateFileName), discardLogger)
	prev.Observe(process.Event{
		Type:      process.EventStarted,
		PID:       orphan.Process.Pid,
		Command:   []string{"sleep", "30"},
		Timestamp: time.Now(),
	})

	res, err := Run(context.Background(), Options{
		Config:  cfg,
		Command: []string{"true"},
		Logger:  discardLogger,
	})
	require.NoError(t, err)
	require.Equal(t, []int{orphan.Process.Pid}, res.Reaped)

	err = orphan.Wait()
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "orphan was killed: %v", err)
}

func TestRun_ProbeHandshake(t *testing.T) {
	cfg := testConfig(t)
	cfg.Probe.Enabled = true
	cfg.Probe.HandshakeTimeout = 5 * time.Second
	cfg.Process.Env = map[string]string{stubServerEnv: "1"}

	exe, err := os.Executable()
	require.NoError(t, err)

	res, err := Run(context.Background(), Options{
		Config:  cfg,
		Command: []string{exe},
		Logger:  discardLogger,
		Version: "test",
	})
	require.NoError(t, err)
	require.Equal(t, stubExitCode, res.ExitCode, "stub exits only after a successful handshake and tool listing")
}

func TestRun_ProbeHandshakeFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Probe.Enabled = true
	cfg.Probe.HandshakeTimeout = 200 * time.Millisecond

	_, err := Run(context.Background(), Options{
		Config:  cfg,
		Command: []string{"sleep", "30"},
		Logger:  discardLogger,
	})
	require.ErrorContains(t, err, "MCP handshake with target failed")
	require.NoFileExists(t, filepath.Join(cfg.State.Dir, pidFileName))
}

func TestServeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	mt.RecordProcessStart(true)
	mgr := process.NewManager(process.WithLogger(discardLogger), process.WithMetrics(mt))

	addr, stop, err := serveMetrics("127.0.0.1:0", reg, mgr, discardLogger)
	require.NoError(t, err)
	defer stop()

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "mcpfuzz_process_started_total 1")

	resp, err = http.Get("http://" + addr.String() + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snapshot struct {
		Stats       process.Stats              `json:"stats"`
		Performance process.PerformanceMetrics `json:"performance"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	require.Equal(t, 0, snapshot.Stats.TotalManaged)
	require.Equal(t, mgr.Watchdog().Config().CheckInterval, snapshot.Performance.CheckInterval)
}

func TestServeMetrics_BadAddress(t *testing.T) {
	mgr := process.NewManager(process.WithLogger(discardLogger))
	_, _, err := serveMetrics("not-an-address", prometheus.NewRegistry(), mgr, discardLogger)
	require.Error(t, err)
}

func TestRun_ExportsSpans(t *testing.T) {
	var exports atomic.Int32
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/traces" {
			exports.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	cfg := testConfig(t)
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporters = []tracing.ExporterConfig{{
		Type:     tracing.ExporterOTLPHTTP,
		Endpoint: strings.TrimPrefix(collector.URL, "http://"),
		Insecure: true,
	}}

	res, err := Run(context.Background(), Options{
		Config:  cfg,
		Command: []string{"sh", "-c", "exit 0"},
		Stdout:  io.Discard,
		Logger:  discardLogger,
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)

	// Spans are flushed before Run returns.
	require.GreaterOrEqual(t, exports.Load(), int32(1))
}
