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

package tracing

import (
	"fmt"
	"time"

	fuzzerrors "github.com/tombee/mcpfuzz/pkg/errors"
)

// Exporter types.
const (
	ExporterConsole  = "console"
	ExporterOTLP     = "otlp"
	ExporterOTLPHTTP = "otlp-http"
)

// Config holds tracing configuration.
type Config struct {
	// Enabled controls whether spans are recorded and exported.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this process in traces.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the application version.
	ServiceVersion string `yaml:"-"`

	// SampleRate is the fraction of root spans to record (0.0 - 1.0).
	SampleRate float64 `yaml:"sample_rate"`

	// Exporters configures export destinations.
	Exporters []ExporterConfig `yaml:"exporters"`

	// BatchSize is the maximum number of spans per export batch (default: 512).
	BatchSize int `yaml:"batch_size"`

	// BatchInterval is how often to flush spans (default: 5s).
	BatchInterval time.Duration `yaml:"batch_interval"`
}

// ExporterConfig defines an export destination.
type ExporterConfig struct {
	// Type is one of "console", "otlp" or "otlp-http".
	Type string `yaml:"type"`

	// Endpoint is the OTLP receiver host:port.
	Endpoint string `yaml:"endpoint"`

	// Headers are sent with every export request.
	Headers map[string]string `yaml:"headers"`

	// Insecure disables TLS.
	Insecure bool `yaml:"insecure"`

	// Timeout bounds each export request.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        false, // Opt-in
		ServiceName:    "mcpfuzz",
		ServiceVersion: "unknown",
		SampleRate:     1.0,
		BatchSize:      512,
		BatchInterval:  5 * time.Second,
	}
}

// Validate checks the exporter list and sampling rate.
func (c Config) Validate() error {
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return &fuzzerrors.ValidationError{Field: "sample_rate", Message: "must be between 0 and 1"}
	}
	for i, exp := range c.Exporters {
		switch exp.Type {
		case ExporterConsole:
		case ExporterOTLP, ExporterOTLPHTTP:
			if exp.Endpoint == "" {
				return &fuzzerrors.ValidationError{
					Field:   fmt.Sprintf("exporters[%d].endpoint", i),
					Message: "is required for " + exp.Type,
				}
			}
		default:
			return &fuzzerrors.ValidationError{
				Field:      fmt.Sprintf("exporters[%d].type", i),
				Message:    fmt.Sprintf("unknown exporter type %q", exp.Type),
				Suggestion: "use console, otlp or otlp-http",
			}
		}
	}
	return nil
}
