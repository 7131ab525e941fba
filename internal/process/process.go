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
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/mcpfuzz/internal/lifecycle"
)

const (
	// stderrCapacity bounds the captured stderr tail per process.
	stderrCapacity = 64 * 1024

	// waitDelay bounds how long Wait keeps copying stderr after exit when a
	// grandchild still holds the pipe open.
	waitDelay = 2 * time.Second
)

// Process is a child process started by the Manager. It implements Handle.
//
// Stdin and Stdout are connected through OS pipes. Every read and write
// counts as activity for the watchdog.
type Process struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	activity  *Activity

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *ringBuffer

	done     chan struct{}
	exited   atomic.Bool
	exitCode atomic.Int64
	waitErr  error
}

// spawn starts cfg as a new process group leader.
func spawn(cfg ProcessConfig, clock Clock) (*Process, error) {
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Cwd
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	cmd.WaitDelay = waitDelay
	lifecycle.ConfigureProcessGroup(cmd)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr := newRingBuffer(stderrCapacity)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}

	// The child holds its own copies of these ends.
	stdinR.Close()
	stdoutW.Close()

	startedAt := clock.Now()
	activity := NewActivity(startedAt)

	p := &Process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: startedAt,
		activity:  activity,
		stdin:     &activityWriter{w: stdinW, activity: activity, clock: clock},
		stdout:    &activityReader{r: stdoutR, activity: activity, clock: clock},
		stderr:    stderr,
		done:      make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.waitErr = err
	p.exitCode.Store(int64(code))
	p.exited.Store(true)
	close(p.done)
}

// Pid implements Handle.
func (p *Process) Pid() int { return p.pid }

// ExitCode implements Handle. A process killed by a signal reports -1.
func (p *Process) ExitCode() (int, bool) {
	if !p.exited.Load() {
		return 0, false
	}
	return int(p.exitCode.Load()), true
}

// Done implements Handle.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		code, _ := p.ExitCode()
		var exitErr *exec.ExitError
		if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) {
			return code, p.waitErr
		}
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// StartedAt returns the spawn time.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Stdin returns the write end of the child's stdin.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the read end of the child's stdout.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Stderr returns the most recent stderr output, up to 64KiB.
func (p *Process) Stderr() string { return p.stderr.String() }

// Activity returns the activity tracker shared with the registry.
func (p *Process) Activity() *Activity { return p.activity }

// closePipes releases the parent's pipe ends once the process is gone.
func (p *Process) closePipes() {
	p.stdin.Close()
	p.stdout.Close()
}

// mergeEnv overlays extra on base. Later keys win; the result is sorted for
// reproducibility.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if _, overridden := extra[key]; overridden {
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

type activityWriter struct {
	w        io.WriteCloser
	activity *Activity
	clock    Clock
}

func (a *activityWriter) Write(p []byte) (int, error) {
	n, err := a.w.Write(p)
	if n > 0 {
		a.activity.Touch(a.clock.Now())
	}
	return n, err
}

func (a *activityWriter) Close() error { return a.w.Close() }

type activityReader struct {
	r        io.ReadCloser
	activity *Activity
	clock    Clock
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.activity.Touch(a.clock.Now())
	}
	return n, err
}

func (a *activityReader) Close() error { return a.r.Close() }

// ringBuffer keeps the last cap bytes written to it.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{size: size}
}

func (b *ringBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.size {
		b.buf = append(b.buf[:0], p[n-b.size:]...)
		return n, nil
	}
	if overflow := len(b.buf) + n - b.size; overflow > 0 {
		b.buf = append(b.buf[:0], b.buf[overflow:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *ringBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
