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

// Package supervise implements the supervise command: run one MCP server
// under the hang watchdog.
package supervise

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/mcpfuzz/internal/commands/shared"
	"github.com/tombee/mcpfuzz/internal/config"
	"github.com/tombee/mcpfuzz/internal/log"
)

// NewCommand creates the supervise command
func NewCommand() *cobra.Command {
	var (
		metricsAddr string
		name        string
		stateDir    string
		useProbe    bool
	)

	cmd := &cobra.Command{
		Use:   "supervise [flags] -- command [args...]",
		Short: "Run an MCP server under the hang watchdog",
		Long: `Start an MCP server, proxy its stdio, and kill it if it stops making
progress. With --probe the supervisor speaks MCP to the server itself and
pings it on every watchdog scan instead of proxying.

Processes left behind by a crashed previous session are reaped on start.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, err := resolveConfigPath(shared.GetConfigPath())
			if err != nil {
				return shared.NewConfigError("failed to locate config", err)
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return shared.NewConfigError("invalid configuration", err)
			}

			flags := cmd.Flags()
			if flags.Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}
			if flags.Changed("state-dir") {
				cfg.State.Dir = stateDir
			}
			if flags.Changed("probe") {
				cfg.Probe.Enabled = useProbe
			}
			if shared.GetVerbose() {
				cfg.Log.Level = "debug"
			}

			logger := log.New(cfg.LogConfig())
			v, _, _ := shared.GetVersion()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := Run(ctx, Options{
				Config:     cfg,
				ConfigPath: cfgPath,
				Command:    args,
				Name:       name,
				Stdin:      cmd.InOrStdin(),
				Stdout:     cmd.OutOrStdout(),
				Logger:     logger,
				Version:    v,
			})
			if err != nil {
				return shared.NewExecutionError("supervise failed", err)
			}

			if err := printSummary(cmd.ErrOrStderr(), res, shared.GetJSON()); err != nil {
				return err
			}
			if !res.Interrupted && res.ExitCode > 0 {
				return &shared.ExitError{Code: res.ExitCode}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	cmd.Flags().StringVar(&name, "name", "", "Label for the target in logs and events (default: executable name)")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "Directory for the PID file, session state and event log")
	cmd.Flags().BoolVar(&useProbe, "probe", false, "Ping the target over MCP instead of proxying its stdio")

	return cmd
}

// resolveConfigPath returns the explicit path, or the default config file
// when it exists.
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	path, err := config.ConfigPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return path, nil
}

func printSummary(w io.Writer, res Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
		return nil
	}

	switch {
	case res.Interrupted:
		fmt.Fprintln(w, "mcpfuzz: interrupted, target stopped")
	default:
		fmt.Fprintf(w, "mcpfuzz: target exited with code %d\n", res.ExitCode)
	}
	fmt.Fprintf(w, "  managed:      %d\n", res.Stats.TotalManaged)
	fmt.Fprintf(w, "  watchdog:     %d tracked, %d running, %d finished\n",
		res.Stats.Watchdog.TotalProcesses,
		res.Stats.Watchdog.RunningProcesses,
		res.Stats.Watchdog.FinishedProcesses,
	)
	if res.Transport.LastSignal != "" {
		fmt.Fprintf(w, "  last signal:  %s\n", res.Transport.LastSignal)
	}
	if res.Transport.LastError != "" {
		fmt.Fprintf(w, "  last error:   %s\n", res.Transport.LastError)
	}
	if len(res.Reaped) > 0 {
		fmt.Fprintf(w, "  reaped:       %v\n", res.Reaped)
	}
	return nil
}
