package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestInfo(t *testing.T) {
	u, out, _ := newTestUI()
	u.Info("hello %s", "world")
	assert.Contains(t, out.String(), "hello world")
}

func TestSuccess(t *testing.T) {
	u, out, _ := newTestUI()
	u.Success("done %d", 42)
	assert.Contains(t, out.String(), "done 42")
}

func TestWarning(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Warning("careful %s", "now")
	assert.Contains(t, errOut.String(), "careful now")
}

func TestError(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Error("failed %s", "badly")
	assert.Contains(t, errOut.String(), "failed badly")
}

func TestVerboseLog_Enabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = true
	u.VerboseLog("detail %d", 1)
	assert.Contains(t, out.String(), "detail 1")
}

func TestVerboseLog_Disabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = false
	u.VerboseLog("detail %d", 1)
	assert.Empty(t, out.String())
}

func TestDryRunMsg_Enabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = true
	u.DryRunMsg("would create %s", "file")
	assert.Contains(t, errOut.String(), "[DRY-RUN]")
	assert.Contains(t, errOut.String(), "would create file")
}

func TestDryRunMsg_Disabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = false
	u.DryRunMsg("would create %s", "file")
	assert.Empty(t, errOut.String())
}

func TestColorHelpers(t *testing.T) {
	// Color helpers should return non-empty strings
	assert.NotEmpty(t, Cyan("test"))
	assert.NotEmpty(t, Green("test"))
	assert.NotEmpty(t, Yellow("test"))
	assert.NotEmpty(t, Red("test"))
}

func TestPhaseColor(t *testing.T) {
	for _, phase := range []string{"idle", "running_agent", "script_running", "awaiting_permission", "error"} {
		assert.Contains(t, PhaseColor(phase), phase)
	}
	assert.Equal(t, "unknown", PhaseColor("unknown"))
}

func TestPermissionColor(t *testing.T) {
	for _, status := range []string{"pending", "granted", "denied", "timed_out"} {
		assert.Contains(t, PermissionColor(status), status)
	}
	assert.Equal(t, "other", PermissionColor("other"))
}

func TestTimeAgo(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "never", TimeAgo(time.Time{}))
	assert.Equal(t, "just now", TimeAgo(now.Add(-10*time.Second)))
	assert.Equal(t, "5m ago", TimeAgo(now.Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", TimeAgo(now.Add(-3*time.Hour-time.Second)))
	assert.Equal(t, "1d ago", TimeAgo(now.Add(-25*time.Hour)))
	assert.Equal(t, "4d ago", TimeAgo(now.Add(-4*24*time.Hour-time.Hour)))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"Session", "Phase"})
	require.NotNil(t, table)

	table.Append([]string{"fix-login", "idle"})
	table.Append([]string{"add-metrics", "error"})
	err := table.Render()
	require.NoError(t, err)

	result := out.String()
	assert.True(t, strings.Contains(result, "fix-login"), "table output should contain session names")
	assert.True(t, strings.Contains(result, "add-metrics"), "table output should contain session names")
}
