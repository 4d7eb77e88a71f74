//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs is a no-op on Windows, which has no Setsid.
func setDaemonAttrs(_ *exec.Cmd) {}

// shutdownSignals are the signals that stop `serve` and `import --watch`.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// sigTERM returns the termination signal for Windows (os.Kill).
func sigTERM() syscall.Signal { return syscall.SIGTERM }

// sigKILL returns the kill signal for Windows (os.Kill).
func sigKILL() syscall.Signal { return syscall.SIGKILL }
