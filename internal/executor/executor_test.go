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
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tombee/mcpfuzz/internal/metrics"
	fuzzerrors "github.com/tombee/mcpfuzz/pkg/errors"
)

func newTestExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(time.Second) })
	return e
}

func value(v any) Operation {
	return func(context.Context) (any, error) { return v, nil }
}

func blockUntilDone(ctx context.Context) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// gauge tracks how many operations overlap and the most seen at once.
type gauge struct {
	current, highWater atomic.Int32
}

func (g *gauge) enter() {
	n := g.current.Add(1)
	for {
		hw := g.highWater.Load()
		if n <= hw || g.highWater.CompareAndSwap(hw, n) {
			return
		}
	}
}

func (g *gauge) leave() { g.current.Add(-1) }

func TestNew(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)
	require.Equal(t, 10, e.Config().MaxConcurrency)
	require.Equal(t, 30*time.Second, e.Config().Timeout)

	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"negative concurrency", Config{MaxConcurrency: -1}, "max_concurrency"},
		{"negative timeout", Config{Timeout: -time.Second}, "timeout"},
		{"negative retries", Config{RetryCount: -1}, "retry_count"},
		{"negative delay", Config{RetryDelay: -time.Second}, "retry_delay"},
		{"negative rate", Config{RateLimit: -1}, "rate_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			var verr *fuzzerrors.ValidationError
			require.True(t, errors.As(err, &verr))
			require.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestExecute_ReturnsValue(t *testing.T) {
	e := newTestExecutor(t, Config{})

	v, err := e.Execute(context.Background(), value(42))
	require.NoError(t, err)
	require.Equal(t, 42, v)

	boom := errors.New("boom")
	_, err = e.Execute(context.Background(), func(context.Context) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	require.Zero(t, e.Running())
}

func TestExecute_BoundsConcurrency(t *testing.T) {
	const limit = 3
	e := newTestExecutor(t, Config{MaxConcurrency: limit})

	var g gauge
	op := func(context.Context) (any, error) {
		g.enter()
		defer g.leave()
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(context.Background(), op)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, g.highWater.Load(), int32(limit))
	require.Positive(t, g.highWater.Load())
}

func TestExecute_Timeout(t *testing.T) {
	e := newTestExecutor(t, Config{})

	_, err := e.Execute(context.Background(), blockUntilDone, WithTimeout(20*time.Millisecond), WithName("probe"))

	var te *fuzzerrors.TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
	require.Equal(t, "probe", te.Operation)
	require.Equal(t, 20*time.Millisecond, te.Duration)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecute_TimeoutHoldsSlotUntilReturn(t *testing.T) {
	e := newTestExecutor(t, Config{MaxConcurrency: 1})
	release := make(chan struct{})

	start := time.Now()
	_, err := e.Execute(context.Background(), func(context.Context) (any, error) {
		<-release
		return nil, nil
	}, WithTimeout(20*time.Millisecond))
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second, "Execute must not wait for a stuck operation")
	require.Equal(t, 1, e.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.Execute(ctx, value(1))
	require.ErrorIs(t, err, context.DeadlineExceeded, "slot is still held by the stuck operation")

	close(release)
	require.Eventually(t, func() bool { return e.Running() == 0 }, time.Second, 5*time.Millisecond)

	v, err := e.Execute(context.Background(), value(1))
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestExecute_CancellationReturnedAsIs(t *testing.T) {
	e := newTestExecutor(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := e.Execute(ctx, blockUntilDone)
	require.ErrorIs(t, err, context.Canceled)

	var te *fuzzerrors.TimeoutError
	require.False(t, errors.As(err, &te))
}

func TestExecute_PanicBecomesError(t *testing.T) {
	e := newTestExecutor(t, Config{MaxConcurrency: 1})

	_, err := e.Execute(context.Background(), func(context.Context) (any, error) { panic("fuzzer bug") })
	require.ErrorContains(t, err, "panicked")

	v, err := e.Execute(context.Background(), value("ok"))
	require.NoError(t, err, "slot must be released after a panic")
	require.Equal(t, "ok", v)
}

func TestExecute_RateLimit(t *testing.T) {
	e := newTestExecutor(t, Config{RateLimit: 10})

	start := time.Now()
	for range 12 {
		_, err := e.Execute(context.Background(), value(nil))
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestExecute_Span(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e := newTestExecutor(t, Config{Tracer: tp.Tracer("test")})

	_, err := e.Execute(context.Background(), value(1), WithName("ok"))
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), func(context.Context) (any, error) { return nil, errors.New("x") })
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "executor.execute", spans[0].Name())
	require.Equal(t, codes.Ok, spans[0].Status().Code)
	require.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestExecute_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newTestExecutor(t, Config{Metrics: metrics.New(reg)})

	_, _ = e.Execute(context.Background(), value(1))
	_, _ = e.Execute(context.Background(), blockUntilDone, WithTimeout(5*time.Millisecond))

	n, err := testutil.GatherAndCount(reg, "mcpfuzz_executor_operations_total")
	require.NoError(t, err)
	require.Equal(t, 2, n, "one series per outcome")
}

func TestExecuteWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		retries   int
		wantCalls int32
		wantErr   bool
	}{
		{"succeeds first time", 0, 2, 1, false},
		{"fails twice then succeeds", 2, 2, 3, false},
		{"fails every time", 3, 2, 3, true},
		{"no retries", 5, 0, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(t, Config{})
			var calls atomic.Int32

			v, err := e.ExecuteWithRetry(context.Background(), func(context.Context) (any, error) {
				n := calls.Add(1)
				if int(n) <= tt.failures {
					return nil, fmt.Errorf("failure %d", n)
				}
				return "done", nil
			}, tt.retries, time.Millisecond)

			require.Equal(t, tt.wantCalls, calls.Load())
			if tt.wantErr {
				require.EqualError(t, err, fmt.Sprintf("failure %d", tt.wantCalls), "last error is returned")
				return
			}
			require.NoError(t, err)
			require.Equal(t, "done", v)
		})
	}
}

func TestExecuteWithRetry_ExponentialDelay(t *testing.T) {
	e := newTestExecutor(t, Config{})
	var stamps []time.Time

	start := time.Now()
	_, err := e.ExecuteWithRetry(context.Background(), func(context.Context) (any, error) {
		stamps = append(stamps, time.Now())
		return nil, errors.New("nope")
	}, 2, 20*time.Millisecond)
	require.Error(t, err)
	require.Len(t, stamps, 3)

	require.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 20*time.Millisecond)
	require.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 40*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestExecuteWithRetry_RetriesPermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation error", &fuzzerrors.ValidationError{Field: "tool", Message: "unknown tool"}},
		{"config error", &fuzzerrors.ConfigError{Key: "command", Reason: "missing"}},
		{"plain error", errors.New("target refused connection")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(t, Config{})
			var calls atomic.Int32

			_, err := e.ExecuteWithRetry(context.Background(), func(context.Context) (any, error) {
				calls.Add(1)
				return nil, tt.err
			}, 2, time.Millisecond)

			require.ErrorIs(t, err, tt.err)
			require.Equal(t, int32(3), calls.Load())
		})
	}
}

func TestExecuteWithRetry_DoesNotRetryCancellation(t *testing.T) {
	tests := []struct {
		name string
		run  func(e *Executor, calls *atomic.Int32) error
		want error
	}{
		{
			name: "cancelled context",
			run: func(e *Executor, calls *atomic.Int32) error {
				ctx, cancel := context.WithCancel(context.Background())
				_, err := e.ExecuteWithRetry(ctx, func(ctx context.Context) (any, error) {
					calls.Add(1)
					cancel()
					<-ctx.Done()
					return nil, ctx.Err()
				}, 3, time.Millisecond)
				return err
			},
			want: context.Canceled,
		},
		{
			name: "operation reports cancellation",
			run: func(e *Executor, calls *atomic.Int32) error {
				_, err := e.ExecuteWithRetry(context.Background(), func(context.Context) (any, error) {
					calls.Add(1)
					return nil, fmt.Errorf("call aborted: %w", context.Canceled)
				}, 3, time.Millisecond)
				return err
			},
			want: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(t, Config{})
			var calls atomic.Int32
			require.ErrorIs(t, tt.run(e, &calls), tt.want)
			require.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestExecuteWithRetry_RetriesTimeouts(t *testing.T) {
	e := newTestExecutor(t, Config{})
	var calls atomic.Int32

	v, err := e.ExecuteWithRetry(context.Background(), func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return blockUntilDone(ctx)
		}
		return "second", nil
	}, 1, time.Millisecond, WithTimeout(10*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, "second", v)
	require.Equal(t, int32(2), calls.Load())
}

func TestExecuteWithRetry_Defaults(t *testing.T) {
	e := newTestExecutor(t, Config{RetryCount: 1, RetryDelay: time.Millisecond})
	var calls atomic.Int32

	_, err := e.ExecuteWithRetry(context.Background(), func(context.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("x")
	}, -1, -1)
	require.Error(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestExecuteBatch(t *testing.T) {
	double := func(x int) Operation {
		return func(context.Context) (any, error) { return 2 * x, nil }
	}
	plusTen := func(x int) Operation {
		return func(context.Context) (any, error) { return x + 10, nil }
	}
	failing := func(context.Context) (any, error) { return nil, errors.New("crashed target") }

	e := newTestExecutor(t, Config{})
	opts := BatchOptions{CollectResults: true, CollectErrors: true}

	res, err := e.ExecuteBatch(context.Background(), []Operation{double(5), plusTen(7)}, opts)
	require.NoError(t, err)
	require.ElementsMatch(t, []any{10, 17}, res.Results)
	require.Empty(t, res.Errors)

	res, err = e.ExecuteBatch(context.Background(), []Operation{double(5), failing}, opts)
	require.NoError(t, err)
	require.Equal(t, []any{10}, res.Results)
	require.Len(t, res.Errors, 1)
	require.EqualError(t, res.Errors[0], "crashed target")

	res, err = e.ExecuteBatch(context.Background(), []Operation{double(5), plusTen(7)}, BatchOptions{CollectErrors: true})
	require.NoError(t, err)
	require.Nil(t, res.Results)
}

func TestExecuteBatch_FailFast(t *testing.T) {
	e := newTestExecutor(t, Config{})

	var (
		started   sync.WaitGroup
		cancelled atomic.Int32
	)
	started.Add(2)
	slow := func(ctx context.Context) (any, error) {
		started.Done()
		select {
		case <-ctx.Done():
			cancelled.Add(1)
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "late", nil
		}
	}
	failing := func(context.Context) (any, error) {
		started.Wait()
		return nil, errors.New("crashed target")
	}

	start := time.Now()
	_, err := e.ExecuteBatch(context.Background(), []Operation{slow, slow, failing}, BatchOptions{CollectResults: true})
	require.EqualError(t, err, "crashed target")
	require.Less(t, time.Since(start), 2*time.Second)
	require.Eventually(t, func() bool { return cancelled.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestExecuteBatch_SharesConcurrencyBound(t *testing.T) {
	e := newTestExecutor(t, Config{MaxConcurrency: 2})

	var g gauge
	ops := make([]Operation, 10)
	for i := range ops {
		ops[i] = func(context.Context) (any, error) {
			g.enter()
			defer g.leave()
			time.Sleep(5 * time.Millisecond)
			return i, nil
		}
	}

	res, err := e.ExecuteBatch(context.Background(), ops, BatchOptions{CollectResults: true})
	require.NoError(t, err)
	require.Len(t, res.Results, 10)
	require.LessOrEqual(t, g.highWater.Load(), int32(2))
}

func TestShutdown(t *testing.T) {
	e := newTestExecutor(t, Config{})

	errc := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), blockUntilDone)
		errc <- err
	}()
	require.Eventually(t, func() bool { return e.Running() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Shutdown(time.Second))
	require.ErrorIs(t, <-errc, context.Canceled)

	_, err := e.Execute(context.Background(), value(1))
	require.ErrorIs(t, err, ErrShutdown)
	require.NoError(t, e.Shutdown(time.Second), "second shutdown is a no-op")
}

func TestShutdown_AbandonsStragglers(t *testing.T) {
	e := newTestExecutor(t, Config{})
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})

	go func() {
		_, _ = e.Execute(context.Background(), func(context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	err := e.Shutdown(20 * time.Millisecond)
	var te *fuzzerrors.TimeoutError
	require.True(t, errors.As(err, &te))
}
