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
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/mcpfuzz/internal/lifecycle"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock only moves when Advance is called. Sleep blocks until the
// context is done so a background watchdog loop scans once and parks.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeHandle struct {
	pid int

	mu   sync.Mutex
	code *int
	done chan struct{}
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) Pid() int { return h.pid }

func (h *fakeHandle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.code == nil {
		return 0, false
	}
	return *h.code, true
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) exit(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.code != nil {
		return
	}
	h.code = &code
	close(h.done)
}

type signalCall struct {
	pid   int
	sig   lifecycle.Signal
	group bool
}

// fakeSignaler records deliveries. Group signals fail for pids in
// groupErr, process signals for pids in procErr. onSignal runs after every
// successful delivery.
type fakeSignaler struct {
	mu       sync.Mutex
	calls    []signalCall
	groupErr map[int]error
	procErr  map[int]error
	onSignal func(pid int, sig lifecycle.Signal)
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{groupErr: map[int]error{}, procErr: map[int]error{}}
}

func (s *fakeSignaler) SignalGroup(pid int, sig lifecycle.Signal) error {
	return s.deliver(signalCall{pid: pid, sig: sig, group: true}, s.groupErr)
}

func (s *fakeSignaler) SignalProcess(pid int, sig lifecycle.Signal) error {
	return s.deliver(signalCall{pid: pid, sig: sig}, s.procErr)
}

func (s *fakeSignaler) deliver(c signalCall, errs map[int]error) error {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	err := errs[c.pid]
	hook := s.onSignal
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(c.pid, c.sig)
	}
	return nil
}

func (s *fakeSignaler) failGroup(pid int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupErr[pid] = err
}

func (s *fakeSignaler) failProcess(pid int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procErr[pid] = err
}

func (s *fakeSignaler) setHook(fn func(pid int, sig lifecycle.Signal)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSignal = fn
}

func (s *fakeSignaler) Calls() []signalCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signalCall(nil), s.calls...)
}

// delivered returns the signals that reached pid, in order.
func (s *fakeSignaler) delivered(pid int) []lifecycle.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []lifecycle.Signal
	for _, c := range s.calls {
		if c.pid != pid {
			continue
		}
		errs := s.procErr
		if c.group {
			errs = s.groupErr
		}
		if errs[c.pid] == nil {
			out = append(out, c.sig)
		}
	}
	return out
}

// staticLoad is a LoadSampler returning a fixed sample.
type staticLoad HostLoad

func (l staticLoad) Sample() HostLoad { return HostLoad(l) }

// countingLoad is a LoadSampler that counts its calls.
type countingLoad struct {
	load  HostLoad
	calls atomic.Int32
}

func (l *countingLoad) Sample() HostLoad {
	l.calls.Add(1)
	return l.load
}
