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

//go:build !windows

package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestPIDFile_Acquire(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("writes PID with restrictive permissions", func(t *testing.T) {
		pidPath := filepath.Join(tmpDir, "supervisor.pid")
		p := NewPIDFile(pidPath)
		defer p.Release()

		if err := p.Acquire(1234); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}

		pid, err := p.Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if pid != 1234 {
			t.Errorf("Read() = %d, want 1234", pid)
		}

		info, err := os.Stat(pidPath)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		if mode := info.Mode() & os.ModePerm; mode != 0600 {
			t.Errorf("PID file mode = %04o, want 0600", mode)
		}
	})

	t.Run("second supervisor is refused", func(t *testing.T) {
		pidPath := filepath.Join(tmpDir, "held.pid")
		p1 := NewPIDFile(pidPath)
		p2 := NewPIDFile(pidPath)
		defer p1.Release()

		if err := p1.Acquire(1111); err != nil {
			t.Fatalf("first Acquire() error = %v", err)
		}

		err := p2.Acquire(2222)
		if !errors.Is(err, ErrPIDFileLocked) {
			t.Errorf("second Acquire() error = %v, want ErrPIDFileLocked", err)
		}
	})

	t.Run("reclaims stale file", func(t *testing.T) {
		pidPath := filepath.Join(tmpDir, "stale.pid")
		if err := os.WriteFile(pidPath, []byte("999999\n"), 0600); err != nil {
			t.Fatalf("failed to seed stale file: %v", err)
		}

		p := NewPIDFile(pidPath)
		defer p.Release()

		if err := p.Acquire(4321); err != nil {
			t.Fatalf("Acquire() over stale file error = %v", err)
		}
		if pid, _ := p.Read(); pid != 4321 {
			t.Errorf("Read() = %d, want 4321", pid)
		}
	})

	t.Run("creates parent directory if missing", func(t *testing.T) {
		deepPath := filepath.Join(tmpDir, "nested", "dir", "supervisor.pid")
		p := NewPIDFile(deepPath)
		defer p.Release()

		if err := p.Acquire(1234); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}

		info, err := os.Stat(filepath.Dir(deepPath))
		if err != nil {
			t.Fatalf("parent directory not created: %v", err)
		}
		if mode := info.Mode() & os.ModePerm; mode != 0700 {
			t.Errorf("parent directory mode = %04o, want 0700", mode)
		}
	})
}

func TestPIDFile_Read(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("returns error for non-existent file", func(t *testing.T) {
		p := NewPIDFile(filepath.Join(tmpDir, "missing.pid"))
		if _, err := p.Read(); !os.IsNotExist(err) {
			t.Errorf("Read() error = %v, want os.IsNotExist", err)
		}
	})

	tests := []struct {
		name    string
		content string
	}{
		{"non-numeric", "not-a-number\n"},
		{"negative", "-123\n"},
		{"zero", "0\n"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pidPath := filepath.Join(tmpDir, tt.name+".pid")
			if err := os.WriteFile(pidPath, []byte(tt.content), 0600); err != nil {
				t.Fatalf("failed to create test file: %v", err)
			}

			_, err := NewPIDFile(pidPath).Read()
			if !errors.Is(err, ErrInvalidPID) {
				t.Errorf("Read() error = %v, want ErrInvalidPID", err)
			}
		})
	}
}

func TestPIDFile_Release(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "release.pid")

	p := NewPIDFile(pidPath)
	if err := p.Acquire(1234); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("PID file still exists after Release()")
	}
	if err := p.Release(); err != nil {
		t.Errorf("second Release() error = %v, want nil", err)
	}

	p2 := NewPIDFile(pidPath)
	defer p2.Release()
	if err := p2.Acquire(5678); err != nil {
		t.Errorf("Acquire() after Release() error = %v", err)
	}
}

func TestPIDFile_HoldsLock(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "flock.pid")
	p := NewPIDFile(pidPath)
	defer p.Release()

	if err := p.Acquire(1234); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	f, err := os.OpenFile(pidPath, os.O_RDWR, 0600)
	if err != nil {
		t.Fatalf("failed to open PID file: %v", err)
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		t.Fatal("acquired lock on already-locked file")
	}
	if !errors.Is(err, unix.EWOULDBLOCK) {
		t.Errorf("Flock error = %v, want EWOULDBLOCK", err)
	}
}

func TestVerifyDirectorySafety(t *testing.T) {
	tmpDir := t.TempDir()
	unsafeDir := filepath.Join(tmpDir, "unsafe")
	if err := os.Mkdir(unsafeDir, 0777); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.Chmod(unsafeDir, 0777); err != nil {
		t.Fatalf("failed to chmod directory: %v", err)
	}

	err := NewPIDFile(filepath.Join(unsafeDir, "x.pid")).Acquire(1)
	if !errors.Is(err, ErrUnsafeDirectory) {
		t.Errorf("Acquire() error = %v, want ErrUnsafeDirectory", err)
	}

	stickyDir := filepath.Join(tmpDir, "sticky")
	if err := os.Mkdir(stickyDir, 0700); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.Chmod(stickyDir, 0777|os.ModeSticky); err != nil {
		t.Fatalf("failed to chmod directory: %v", err)
	}
	if err := verifyDirectorySafety(stickyDir); err != nil {
		t.Errorf("verifyDirectorySafety(sticky) error = %v, want nil", err)
	}
}
