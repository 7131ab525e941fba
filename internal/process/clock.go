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
	"context"
	"sync/atomic"
	"time"
)

// Clock abstracts time so the watchdog can be driven deterministically in
// tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Activity is a monotonic last-activity timestamp shared between a
// process's I/O wrappers and its registry entry.
type Activity struct {
	nanos atomic.Int64
}

// NewActivity returns an Activity initialised to t.
func NewActivity(t time.Time) *Activity {
	a := &Activity{}
	a.nanos.Store(t.UnixNano())
	return a
}

// Touch moves the timestamp forward to t. Earlier values are ignored.
func (a *Activity) Touch(t time.Time) {
	n := t.UnixNano()
	for {
		cur := a.nanos.Load()
		if n <= cur {
			return
		}
		if a.nanos.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Last returns the latest recorded activity.
func (a *Activity) Last() time.Time {
	return time.Unix(0, a.nanos.Load())
}
