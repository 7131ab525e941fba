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
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ErrorCode identifies the category of a supervision failure.
type ErrorCode string

const (
	// CodeStart indicates a process could not be spawned.
	CodeStart ErrorCode = "PROCESS_START"
	// CodeStop indicates graceful and forceful termination both failed.
	CodeStop ErrorCode = "PROCESS_STOP"
	// CodeRegistration indicates watchdog bookkeeping failed.
	CodeRegistration ErrorCode = "PROCESS_REGISTRATION"
	// CodeWatchdogStart indicates the watchdog loop could not start.
	CodeWatchdogStart ErrorCode = "WATCHDOG_START"
	// CodeSignal indicates a signal could not be delivered to one or more processes.
	CodeSignal ErrorCode = "PROCESS_SIGNAL"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrProcessStart        = &Error{Code: CodeStart}
	ErrProcessStop         = &Error{Code: CodeStop}
	ErrProcessRegistration = &Error{Code: CodeRegistration}
	ErrWatchdogStart       = &Error{Code: CodeWatchdogStart}
	ErrProcessSignal       = &Error{Code: CodeSignal}
)

// Error is a supervision failure with diagnostic context.
type Error struct {
	// Code is the error category.
	Code ErrorCode
	// Message is the primary error message.
	Message string
	// Context carries diagnostic fields such as pid, name and command.
	Context map[string]any
	// Suggestions are actionable steps to resolve the error.
	Suggestions []string
	// Cause is the underlying error, if any.
	Cause error
}

func newError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if len(e.Context) > 0 {
		sb.WriteString(" (")
		for i, k := range slices.Sorted(maps.Keys(e.Context)) {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Context[k])
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// IsUserVisible implements pkg/errors.UserVisibleError.
func (e *Error) IsUserVisible() bool {
	return true
}

// UserMessage implements pkg/errors.UserVisibleError.
func (e *Error) UserMessage() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause.Error())
	}
	return e.Message
}

// Suggestion implements pkg/errors.UserVisibleError.
func (e *Error) Suggestion() string {
	if len(e.Suggestions) == 0 {
		return ""
	}
	return e.Suggestions[0]
}

// ErrorType implements pkg/errors.ErrorClassifier.
func (e *Error) ErrorType() string {
	return strings.ToLower(string(e.Code))
}

// IsRetryable implements pkg/errors.ErrorClassifier. Signal and stop
// failures are often transient; a spawn failure is not.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case CodeStop, CodeSignal:
		return true
	default:
		return false
	}
}

// WithContext adds a diagnostic field to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithCause adds an underlying cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSuggestions adds suggestions to the error.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = suggestions
	return e
}

// withProcess attaches the standard process fields.
func (e *Error) withProcess(pid int, cfg ProcessConfig) *Error {
	if pid > 0 {
		e.WithContext("pid", pid)
	}
	if cfg.Name != "" {
		e.WithContext("name", cfg.Name)
	}
	if len(cfg.Command) > 0 {
		e.WithContext("command", cfg.CommandLine())
	}
	return e
}
