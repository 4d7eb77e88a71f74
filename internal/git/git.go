package git

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// FileStat is one file's line counts from `git diff --numstat`.
type FileStat struct {
	Path    string
	Added   int
	Deleted int
	Binary  bool
}

// Client defines the git operations agentdesk runs against session
// working directories. All methods take a path since sessions live in
// different repos.
type Client interface {
	RepoRoot(path string) (string, error)
	CurrentBranch(path string) (string, error)
	HeadCommit(path string) (string, error)
	IsDirty(path string) (bool, error)
	DiffSummary(path, base string) ([]FileStat, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) RepoRoot(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--abbrev-ref", "HEAD")
}

// HeadCommit returns the full hash of HEAD, recorded as a session's base
// commit so later diffs show only the agent's work.
func (c *RealClient) HeadCommit(path string) (string, error) {
	return gitCmd(path, "rev-parse", "HEAD")
}

func (c *RealClient) IsDirty(path string) (bool, error) {
	out, err := gitCmd(path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// DiffSummary lists changed files between base and the working tree.
// An empty base diffs against HEAD.
func (c *RealClient) DiffSummary(path, base string) ([]FileStat, error) {
	if base == "" {
		base = "HEAD"
	}
	out, err := gitCmd(path, "diff", "--numstat", base)
	if err != nil {
		return nil, err
	}
	return ParseNumstat(out), nil
}

// ParseNumstat parses the output of `git diff --numstat`. Binary files
// report "-" for both counts.
func ParseNumstat(output string) []FileStat {
	var stats []FileStat
	for _, line := range strings.Split(output, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		fs := FileStat{Path: fields[2]}
		if fields[0] == "-" && fields[1] == "-" {
			fs.Binary = true
		} else {
			fs.Added, _ = strconv.Atoi(fields[0])
			fs.Deleted, _ = strconv.Atoi(fields[1])
		}
		stats = append(stats, fs)
	}
	return stats
}
