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

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tombee/mcpfuzz/internal/log"
	"github.com/tombee/mcpfuzz/internal/metrics"
	fuzzerrors "github.com/tombee/mcpfuzz/pkg/errors"
)

// TracerName is the instrumentation scope of executor spans.
const TracerName = "github.com/tombee/mcpfuzz/internal/executor"

// ErrShutdown is returned for operations submitted after Shutdown.
var ErrShutdown = errors.New("executor is shut down")

// Operation is a unit of fuzzing work. It must honour ctx cancellation.
type Operation func(ctx context.Context) (any, error)

// Config configures an Executor.
type Config struct {
	// MaxConcurrency bounds in-flight operations (default: 10)
	MaxConcurrency int `yaml:"max_concurrency"`

	// Timeout is the default per-operation timeout (default: 30s)
	Timeout time.Duration `yaml:"timeout"`

	// RetryCount is the default number of extra attempts (default: 3)
	RetryCount int `yaml:"retry_count"`

	// RetryDelay is the default delay before the first retry (default: 1s)
	RetryDelay time.Duration `yaml:"retry_delay"`

	// RateLimit caps operation starts per second. Zero disables it.
	RateLimit float64 `yaml:"rate_limit"`

	// Logger is used for structured logging (optional)
	Logger *slog.Logger `yaml:"-"`

	// Metrics records operation outcomes (optional)
	Metrics *metrics.Metrics `yaml:"-"`

	// Tracer creates a span per operation (default: global provider)
	Tracer trace.Tracer `yaml:"-"`
}

// DefaultConfig returns the default executor settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		Timeout:        30 * time.Second,
		RetryCount:     3,
		RetryDelay:     time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrency <= 0:
		return &fuzzerrors.ValidationError{Field: "max_concurrency", Message: "must be positive"}
	case c.Timeout <= 0:
		return &fuzzerrors.ValidationError{Field: "timeout", Message: "must be positive"}
	case c.RetryCount < 0:
		return &fuzzerrors.ValidationError{Field: "retry_count", Message: "must not be negative"}
	case c.RetryDelay < 0:
		return &fuzzerrors.ValidationError{Field: "retry_delay", Message: "must not be negative"}
	case c.RateLimit < 0:
		return &fuzzerrors.ValidationError{Field: "rate_limit", Message: "must not be negative"}
	}
	return nil
}

// Executor runs operations with bounded concurrency.
type Executor struct {
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// New creates an Executor. Zero fields in cfg take their defaults.
func New(cfg Config) (*Executor, error) {
	def := DefaultConfig()
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}

	e := &Executor{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger:  log.WithComponent(logger, "executor"),
		metrics: cfg.Metrics,
		tracer:  tracer,
		running: make(map[string]context.CancelFunc),
	}
	if cfg.RateLimit > 0 {
		burst := max(1, int(cfg.RateLimit))
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// ExecOption customises a single Execute call.
type ExecOption func(*execOptions)

type execOptions struct {
	timeout time.Duration
	name    string
}

// WithTimeout overrides the configured timeout for one call.
func WithTimeout(d time.Duration) ExecOption {
	return func(o *execOptions) { o.timeout = d }
}

// WithName labels the operation in logs, spans and timeout errors.
func WithName(name string) ExecOption {
	return func(o *execOptions) { o.name = name }
}

// Running returns the number of tracked in-flight operations.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Execute runs op once. It waits for a concurrency slot, then runs op with
// the call's timeout. On timeout it returns a *errors.TimeoutError without
// waiting for op; the slot is released when op actually returns. If ctx is
// cancelled, ctx's error is returned as is.
func (e *Executor) Execute(ctx context.Context, op Operation, opts ...ExecOption) (any, error) {
	o := execOptions{timeout: e.cfg.Timeout, name: "fuzz"}
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	taskCtx, cancel, err := e.track(ctx, id)
	if err != nil {
		return nil, err
	}
	defer cancel()

	ctx, span := e.tracer.Start(taskCtx, "executor.execute", trace.WithAttributes(
		attribute.String("executor.task_id", id),
		attribute.String("executor.operation", o.name),
		attribute.String("executor.timeout", o.timeout.String()),
	))
	defer span.End()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.untrack(id)
		e.finishSpan(span, err)
		return nil, e.cancelled(taskCtx, err)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			e.sem.Release(1)
			e.untrack(id)
			e.finishSpan(span, err)
			return nil, e.cancelled(taskCtx, err)
		}
	}

	opCtx, opCancel := context.WithTimeout(ctx, o.timeout)
	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)
	started := time.Now()
	e.metrics.OperationStarted()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("operation %s panicked: %v", o.name, r)}
			}
			opCancel()
			e.sem.Release(1)
			e.untrack(id)
		}()
		v, err := op(opCtx)
		done <- outcome{val: v, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-opCtx.Done():
		// op may still finish in the same instant
		select {
		case res = <-done:
		default:
			res.err = opCtx.Err()
		}
	}

	// taskCtx is only cancelled by the caller or by Shutdown at this point.
	err = res.err
	switch {
	case err == nil:
	case taskCtx.Err() != nil:
		err = e.cancelled(taskCtx, taskCtx.Err())
	case errors.Is(err, context.DeadlineExceeded) && opCtx.Err() != nil:
		err = &fuzzerrors.TimeoutError{Operation: o.name, Duration: o.timeout, Cause: err}
	}

	e.metrics.OperationFinished(outcomeOf(err), time.Since(started))
	e.finishSpan(span, err)
	if err != nil {
		e.logger.Debug("operation failed", "task_id", id, "operation", o.name, log.Error(err))
		return nil, err
	}
	return res.val, nil
}

// cancelled prefers the parent's error so callers see context.Canceled
// rather than a semaphore or limiter wrapper.
func (e *Executor) cancelled(ctx context.Context, err error) error {
	if cerr := context.Cause(ctx); cerr != nil {
		return cerr
	}
	return err
}

func (e *Executor) track(ctx context.Context, id string) (context.Context, context.CancelFunc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, nil, ErrShutdown
	}
	taskCtx, cancel := context.WithCancel(ctx)
	e.running[id] = cancel
	e.wg.Add(1)
	return taskCtx, cancel, nil
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	if _, ok := e.running[id]; ok {
		delete(e.running, id)
		e.wg.Done()
	}
	e.mu.Unlock()
}

func (e *Executor) finishSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func outcomeOf(err error) string {
	var te *fuzzerrors.TimeoutError
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &te):
		return metrics.OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeError
	}
}

// Shutdown refuses new work, cancels every tracked operation and waits up
// to timeout for them to return. Operations still running after the
// timeout are abandoned and reported in the error.
func (e *Executor) Shutdown(timeout time.Duration) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	n := len(e.running)
	for _, cancel := range e.running {
		cancel()
	}
	e.mu.Unlock()

	e.logger.Info("shutting down executor", "running", n)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		abandoned := e.Running()
		e.logger.Warn("abandoning operations that ignored cancellation", "count", abandoned, "timeout", timeout)
		return &fuzzerrors.TimeoutError{
			Operation: fmt.Sprintf("executor shutdown (%d operations abandoned)", abandoned),
			Duration:  timeout,
		}
	}
}
