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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tombee/mcpfuzz/internal/log"
)

// EventLog appends lifecycle events to a file as JSON lines.
type EventLog struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// NewEventLog creates an event log writing to path. The directory is
// created on first write.
func NewEventLog(path string, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{
		path:   path,
		logger: log.WithComponent(logger, "eventlog"),
	}
}

// Path returns the log file path.
func (l *EventLog) Path() string { return l.path }

// Observe implements Observer. Write failures are logged, never returned,
// so a full disk cannot stall supervision.
func (l *EventLog) Observe(e Event) {
	if err := l.Write(e); err != nil {
		l.logger.Warn("failed to append lifecycle event", "event", e.Type, log.Error(err))
	}
}

// Write appends a single event.
func (l *EventLog) Write(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}
