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

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/mcpfuzz/internal/log"
	"github.com/tombee/mcpfuzz/internal/process"
)

// WatchdogUpdater receives reloaded watchdog settings. *process.Watchdog
// implements it.
type WatchdogUpdater interface {
	UpdateConfig(cfg process.WatchdogConfig) error
}

// Watcher reloads the config file when it changes and applies the watchdog
// section to a running watchdog. Other sections need a restart.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	target    WatchdogUpdater
	onReload  func(*Config)
	logger    *slog.Logger

	// debounceDelay coalesces the bursts of events editors produce on save
	debounceDelay time.Duration

	mu      sync.Mutex
	pending *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// Path is the config file to watch.
	Path string

	// Target receives the reloaded watchdog settings.
	Target WatchdogUpdater

	// OnReload is called with every successfully applied config (optional)
	OnReload func(*Config)

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// DebounceDelay defaults to 200ms.
	DebounceDelay time.Duration
}

// NewWatcher starts watching cfg.Path.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.Target == nil {
		return nil, fmt.Errorf("watchdog target is required")
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", cfg.Path, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: editors often replace the file by renaming over it,
	// which drops a watch on the file itself.
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		fsWatcher:     fsWatcher,
		path:          absPath,
		target:        cfg.Target,
		onReload:      cfg.OnReload,
		logger:        log.WithComponent(logger, "config"),
		debounceDelay: debounceDelay,
		ctx:           ctx,
		cancel:        cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	w.logger.Debug("watching config file", "path", absPath)
	return w, nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", log.Error(err))

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()

	if w.ctx.Err() != nil {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		// Keep running with the last good settings.
		w.logger.Warn("ignoring invalid config change", "path", w.path, log.Error(err))
		return
	}

	if err := w.target.UpdateConfig(cfg.WatchdogConfig()); err != nil {
		w.logger.Warn("failed to apply watchdog config", "path", w.path, log.Error(err))
		return
	}

	w.logger.Info("reloaded watchdog config",
		"check_interval", cfg.Watchdog.CheckInterval,
		"process_timeout", cfg.Watchdog.ProcessTimeout,
		"auto_kill", cfg.Watchdog.AutoKill,
	)

	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close stops watching and cancels any pending reload.
func (w *Watcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
	return w.fsWatcher.Close()
}
