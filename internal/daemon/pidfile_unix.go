//go:build !windows

package daemon

import (
	"fmt"
	"syscall"
)

// IsRunning reports the recorded PID and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil || pid <= 0 {
		return 0, false
	}
	// Signal 0 checks for existence. EPERM means alive but owned by someone else.
	err = syscall.Kill(pid, 0)
	return pid, err == nil || err == syscall.EPERM
}

// Signal sends sig to the recorded process.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, running := p.IsRunning()
	if !running {
		return ErrNotRunning
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("signal PID %d: %w", pid, err)
	}
	return nil
}
