package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/agentdesk/internal/daemon"
)

func TestPidFile_Path(t *testing.T) {
	dir := testEnv(t)

	pf := pidFile()
	expected := filepath.Join(dir, "agentdesk-serve.pid")
	assert.Equal(t, expected, pf.Path)
}

func TestServeLogPath(t *testing.T) {
	dir := testEnv(t)

	logPath := serveLogPath()
	expected := filepath.Join(dir, "agentdesk-serve.log")
	assert.Equal(t, expected, logPath)
}

func TestServeAddr(t *testing.T) {
	testEnv(t)
	assert.Equal(t, "127.0.0.1:19420", serveAddr())

	viper.Set("serve.port", 8123)
	assert.Equal(t, "127.0.0.1:8123", serveAddr())
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so status should show "not running" without error.
	err := serveStatusRun()
	assert.NoError(t, err)
	assert.Contains(t, ui.Out.(*bytes.Buffer).String(), "not running")
}

func TestServeStatusRun_Stale(t *testing.T) {
	dir := testEnv(t)
	pf := daemon.NewPIDFile(filepath.Join(dir, "agentdesk-serve.pid"))
	require.NoError(t, pf.WritePID(999999))

	require.NoError(t, serveStatusRun())
	assert.Contains(t, ui.ErrOut.(*bytes.Buffer).String(), "stale PID file")
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so stop should return an error.
	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	dir := testEnv(t)

	// Write a PID file for the current process (which is alive).
	pf := daemon.NewPIDFile(filepath.Join(dir, "agentdesk-serve.pid"))
	require.NoError(t, pf.Write())
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestNewIssuer(t *testing.T) {
	testEnv(t)

	issuer, err := newIssuer()
	require.NoError(t, err)
	assert.Nil(t, issuer)

	viper.Set("auth.secret", "s3cret")
	issuer, err = newIssuer()
	require.NoError(t, err)
	require.NotNil(t, issuer)

	token, err := issuer.Issue("user-1")
	require.NoError(t, err)
	sub, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)
}
