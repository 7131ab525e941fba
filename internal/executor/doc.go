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

/*
Package executor runs fuzzing operations with bounded concurrency.

An Executor gates every operation behind a weighted semaphore, applies a
per-call timeout, and optionally rate limits submissions:

	exec, err := executor.New(executor.Config{MaxConcurrency: 8, Timeout: 10 * time.Second})
	if err != nil {
		return err
	}
	defer exec.Shutdown(5 * time.Second)

	res, err := exec.ExecuteWithRetry(ctx, fuzzOnce, 3, 500*time.Millisecond)

Timeouts are reported as *errors.TimeoutError. Cancellation of the caller's
context is returned unchanged and never retried.
*/
package executor
