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
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Option configures a Provider.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	console io.Writer
	tpOpts  []sdktrace.TracerProviderOption
	global  bool
}

// WithLogger sets the logger for exporter setup warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithConsoleWriter redirects console exporter output.
func WithConsoleWriter(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// WithTracerProviderOptions passes extra options to the SDK provider.
// Tests use it to attach an in-memory syncer.
func WithTracerProviderOptions(opts ...sdktrace.TracerProviderOption) Option {
	return func(o *options) { o.tpOpts = append(o.tpOpts, opts...) }
}

// WithoutGlobal keeps the provider out of otel.SetTracerProvider.
func WithoutGlobal() Option {
	return func(o *options) { o.global = false }
}

// Provider owns the SDK tracer provider and its exporters.
type Provider struct {
	tp       *sdktrace.TracerProvider
	previous trace.TracerProvider
	global   bool
}

// New builds a tracer provider from cfg and installs it globally.
// A disabled config yields a provider whose tracers are no-ops.
// Exporters that fail to start are logged and skipped.
func New(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	o := options{logger: slog.Default(), global: true}
	for _, opt := range opts {
		opt(&o)
	}

	if !cfg.Enabled {
		return &Provider{}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// No SchemaURL, to avoid conflicts when merging with the default resource.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}

	var batchOpts []sdktrace.BatchSpanProcessorOption
	if cfg.BatchSize > 0 {
		batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(cfg.BatchSize))
	}
	if cfg.BatchInterval > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchInterval))
	}

	for i, expCfg := range cfg.Exporters {
		exporter, err := NewExporter(ctx, expCfg, o.console)
		if err != nil {
			o.logger.Warn("failed to create exporter, skipping",
				"index", i,
				"type", expCfg.Type,
				"endpoint", expCfg.Endpoint,
				"error", err)
			continue
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter, batchOpts...))
		o.logger.Debug("created exporter", "type", expCfg.Type, "endpoint", expCfg.Endpoint)
	}

	p := &Provider{
		tp:     sdktrace.NewTracerProvider(append(tpOpts, o.tpOpts...)...),
		global: o.global,
	}
	if p.global {
		p.previous = otel.GetTracerProvider()
		otel.SetTracerProvider(p.tp)
	}
	return p, nil
}

// Enabled reports whether spans are being recorded.
func (p *Provider) Enabled() bool {
	return p.tp != nil
}

// Tracer returns a tracer for the given instrumentation scope.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// ForceFlush exports all pending spans synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes pending spans, stops the exporters and restores the
// previous global provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	if p.global {
		otel.SetTracerProvider(p.previous)
	}
	return p.tp.Shutdown(ctx)
}
