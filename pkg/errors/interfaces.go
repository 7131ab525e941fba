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


package errors

// UserVisibleError is implemented by errors the CLI prints as-is, with an
// optional hint. process.Error implements it; HandleExitError finds it
// anywhere in a wrapped chain.
type UserVisibleError interface {
	error

	// IsUserVisible reports false for errors whose text only makes sense
	// to someone reading the source.
	IsUserVisible() bool

	// UserMessage describes the failure without internal detail.
	UserMessage() string

	// Suggestion is printed under the message, or omitted when empty.
	Suggestion() string
}

// ErrorClassifier tags an error with a category for logs. IsRetryable
// marks failures expected to clear on their own, such as a timeout;
// ExecuteWithRetry logs it but retries every non-cancellation error.
type ErrorClassifier interface {
	error

	// ErrorType is a short stable category such as "validation" or
	// "process_signal".
	ErrorType() string

	IsRetryable() bool
}
