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
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tombee/mcpfuzz/internal/log"
	fuzzerrors "github.com/tombee/mcpfuzz/pkg/errors"
)

// maxRetryInterval caps the exponential schedule.
const maxRetryInterval = 5 * time.Minute

// ExecuteWithRetry runs op through Execute, retrying failures up to retries
// extra times. The n-th retry waits delay * 2^(n-1). Negative retries or
// delay select the configured defaults.
//
// Any error other than cancellation or shutdown is retried, whatever its
// classification. After the last attempt the last error is returned.
func (e *Executor) ExecuteWithRetry(ctx context.Context, op Operation, retries int, delay time.Duration, opts ...ExecOption) (any, error) {
	if retries < 0 {
		retries = e.cfg.RetryCount
	}
	if delay < 0 {
		delay = e.cfg.RetryDelay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxRetryInterval

	attempt := 0
	res, err := backoff.Retry(ctx, func() (any, error) {
		attempt++
		v, err := e.Execute(ctx, op, opts...)
		if err == nil {
			return v, nil
		}
		if !shouldRetry(ctx, err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.metrics.RecordRetry()
			e.logger.Debug("retrying operation",
				"attempt", attempt,
				"next_delay", next,
				"transient", fuzzerrors.IsRetryable(err),
				log.Error(err))
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return res, err
}

func shouldRetry(ctx context.Context, err error) bool {
	switch {
	case ctx.Err() != nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, ErrShutdown):
		return false
	default:
		return true
	}
}
