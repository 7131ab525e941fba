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
	"sync"
)

// BatchOptions controls what ExecuteBatch keeps.
type BatchOptions struct {
	// CollectResults keeps successful results.
	CollectResults bool

	// CollectErrors keeps failures and lets the rest of the batch finish.
	// When false, the first failure cancels the remaining operations and
	// is returned.
	CollectErrors bool

	// Exec is applied to every operation in the batch.
	Exec []ExecOption
}

// BatchResult holds batch outcomes in completion order.
type BatchResult struct {
	Results []any
	Errors  []error
}

// ExecuteBatch runs ops concurrently through Execute, so they share the
// executor's concurrency bound and are tracked for Shutdown.
func (e *Executor) ExecuteBatch(ctx context.Context, ops []Operation, opts BatchOptions) (BatchResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		out      BatchResult
		firstErr error
	)

	for _, op := range ops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := e.Execute(ctx, op, opts.Exec...)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if opts.CollectResults {
					out.Results = append(out.Results, v)
				}
			case opts.CollectErrors:
				out.Errors = append(out.Errors, err)
			case firstErr == nil:
				firstErr = err
				cancel()
			}
		}()
	}
	wg.Wait()

	e.logger.Debug("batch finished",
		"operations", len(ops),
		"results", len(out.Results),
		"errors", len(out.Errors),
	)
	return out, firstErr
}
