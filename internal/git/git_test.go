package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initTestRepo creates a git repo in dir with a user config so commits work on CI.
func initTestRepo(t *testing.T, dir string) {
	t.Helper()
	cmds := [][]string{
		{"git", "-C", dir, "init", "-b", "main"},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		require.NoError(t, exec.Command(args[0], args[1:]...).Run())
	}
}

func TestParseNumstat(t *testing.T) {
	input := "3\t1\tinternal/store/sqlite.go\n0\t12\tREADME.md\n-\t-\tassets/logo.png\n"
	stats := ParseNumstat(input)
	require.Len(t, stats, 3)

	assert.Equal(t, FileStat{Path: "internal/store/sqlite.go", Added: 3, Deleted: 1}, stats[0])
	assert.Equal(t, FileStat{Path: "README.md", Deleted: 12}, stats[1])
	assert.Equal(t, FileStat{Path: "assets/logo.png", Binary: true}, stats[2])
}

func TestParseNumstat_Empty(t *testing.T) {
	assert.Nil(t, ParseNumstat(""))
}

func TestParseNumstat_RenamePath(t *testing.T) {
	stats := ParseNumstat("1\t1\told.go => new.go")
	require.Len(t, stats, 1)
	assert.Equal(t, "old.go => new.go", stats[0].Path)
}

func TestRealClient_RepoInfo(t *testing.T) {
	dir := t.TempDir()
	initTestRepo(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file1.txt"), []byte("hello\n"), 0644))
	require.NoError(t, exec.Command("git", "-C", dir, "add", ".").Run())
	require.NoError(t, exec.Command("git", "-C", dir, "commit", "-m", "initial").Run())

	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	c := NewClient()

	root, err := c.RepoRoot(sub)
	require.NoError(t, err)
	wantRoot, _ := filepath.EvalSymlinks(dir)
	gotRoot, _ := filepath.EvalSymlinks(root)
	assert.Equal(t, wantRoot, gotRoot)

	branch, err := c.CurrentBranch(dir)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	head, err := c.HeadCommit(dir)
	require.NoError(t, err)
	assert.Len(t, head, 40)

	dirty, err := c.IsDirty(dir)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestRealClient_DiffSummary(t *testing.T) {
	dir := t.TempDir()
	initTestRepo(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file1.txt"), []byte("hello\n"), 0644))
	require.NoError(t, exec.Command("git", "-C", dir, "add", ".").Run())
	require.NoError(t, exec.Command("git", "-C", dir, "commit", "-m", "initial").Run())

	c := NewClient()
	base, err := c.HeadCommit(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file1.txt"), []byte("hello world\nsecond\n"), 0644))

	stats, err := c.DiffSummary(dir, base)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "file1.txt", stats[0].Path)
	assert.Equal(t, 2, stats[0].Added)
	assert.Equal(t, 1, stats[0].Deleted)

	dirty, err := c.IsDirty(dir)
	require.NoError(t, err)
	assert.True(t, dirty)
}

func TestRealClient_NotARepo(t *testing.T) {
	c := NewClient()
	_, err := c.RepoRoot(t.TempDir())
	assert.Error(t, err)
}
