// Package daemon tracks the background `agentdesk serve` process through a
// PID file.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrAlreadyRunning is returned by Acquire when a live process holds the file.
var ErrAlreadyRunning = errors.New("server already running")

// ErrNotRunning is returned when no live process holds the file.
var ErrNotRunning = errors.New("server not running")

// PIDFile manages a PID file for daemon process tracking.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Status describes what the PID file says about the server.
type Status struct {
	PID     int
	Running bool
	// Stale is set when the file names a process that no longer exists.
	Stale bool
}

// Status reads the file without changing it.
func (p *PIDFile) Status() Status {
	pid, running := p.IsRunning()
	return Status{PID: pid, Running: running, Stale: pid != 0 && !running}
}

// Acquire records pid as the server process. A file left by a dead process
// is replaced; a live one yields ErrAlreadyRunning.
func (p *PIDFile) Acquire(pid int) error {
	st := p.Status()
	if st.Running && st.PID != pid {
		return fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, st.PID)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create PID directory: %w", err)
	}
	return p.WritePID(pid)
}

// Release removes the file if it still names pid. Another process's file is
// left alone.
func (p *PIDFile) Release(pid int) error {
	current, err := p.Read()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && current != pid {
		return nil
	}
	if err := p.Remove(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Write writes the current process's PID to the file.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes the given PID to the file.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// WaitExit polls until the recorded process is gone or ctx ends.
func (p *PIDFile) WaitExit(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, running := p.IsRunning(); !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
