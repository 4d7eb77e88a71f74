package agent

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// ProcessDetector checks whether an agent process is running in a directory.
type ProcessDetector interface {
	IsAgentRunning(dir string) bool
}

// OSProcessDetector detects agent processes using pgrep + lsof (macOS/Linux).
type OSProcessDetector struct {
	// Name is the process name to look for. Empty means "claude".
	Name string
}

// IsAgentRunning returns true if an agent process has its cwd at or under dir.
func (d *OSProcessDetector) IsAgentRunning(dir string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	name := d.Name
	if name == "" {
		name = "claude"
	}

	out, err := exec.Command("pgrep", "-x", name).Output()
	if err != nil {
		return false // pgrep not found or no matches
	}

	for pid := range strings.FieldsSeq(strings.TrimSpace(string(out))) {
		cwd := getCwd(pid)
		if cwd == "" {
			continue
		}
		absCwd, err := filepath.Abs(cwd)
		if err != nil {
			continue
		}
		if absCwd == absDir || strings.HasPrefix(absCwd, absDir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// getCwd resolves the current working directory of a process via lsof.
func getCwd(pid string) string {
	out, err := exec.Command("lsof", "-a", "-p", pid, "-d", "cwd", "-Fn").Output()
	if err != nil {
		return ""
	}
	for line := range strings.SplitSeq(string(out), "\n") {
		if strings.HasPrefix(line, "n") && !strings.HasPrefix(line, "n ") {
			return line[1:]
		}
	}
	return ""
}
