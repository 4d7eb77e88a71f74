package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/agentdesk/internal/agent"
	"github.com/joescharf/agentdesk/internal/api"
	"github.com/joescharf/agentdesk/internal/daemon"
	"github.com/joescharf/agentdesk/internal/identity"
	"github.com/joescharf/agentdesk/internal/metrics"
	"github.com/joescharf/agentdesk/internal/store"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local HTTP API in the foreground",
	Long: `Run the agentdesk HTTP API. It listens on 127.0.0.1:19420 unless
serve.host / serve.port say otherwise.

Use 'agentdesk serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 19420, "port to listen on")
	serveCmd.PersistentFlags().String("host", "127.0.0.1", "address to bind")
	_ = viper.BindPFlag("serve.port", serveCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("serve.host", serveCmd.PersistentFlags().Lookup("host"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "agentdesk-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "agentdesk-serve.log")
}

func serveAddr() string {
	return net.JoinHostPort(viper.GetString("serve.host"), strconv.Itoa(viper.GetInt("serve.port")))
}

// newIssuer returns nil when no auth secret is configured; the API then
// rejects any bearer token it is shown.
func newIssuer() (*identity.Issuer, error) {
	secret := viper.GetString("auth.secret")
	if secret == "" {
		return nil, nil
	}
	return identity.NewIssuer(secret, viper.GetDuration("auth.token_ttl"))
}

func serveRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	pf := pidFile()
	if err := pf.Acquire(os.Getpid()); err != nil {
		return err
	}
	defer func() { _ = pf.Release(os.Getpid()) }()

	logger := newLogger(os.Stderr)
	a, err := newApp(logger, metrics.New())
	if err != nil {
		return err
	}
	issuer, err := newIssuer()
	if err != nil {
		return err
	}

	if err := a.Arbiter.Recover(ctx); err != nil {
		logger.Warn("permission recovery incomplete", "error", err)
	}
	reconcileSessions(ctx, a.Store, a.Sessions, logger)

	srv := &http.Server{
		Addr:              serveAddr(),
		Handler:           api.NewServer(a, newLLMClient(), issuer).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	// Requests submitted by `agentdesk mcp` processes reach this server's
	// event stream through the shared store.
	go a.Arbiter.Follow(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving", "addr", srv.Addr, "auth", issuer != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = a.Close(context.Background())
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return a.Close(shutdownCtx)
}

// reconcileSessions settles sessions whose agent died while nobody was
// watching. Failures are logged; the server starts regardless.
func reconcileSessions(ctx context.Context, s store.Store, reg agent.Sessions, logger *slog.Logger) {
	list, err := s.ListSessions(ctx, store.SessionListFilter{})
	if err != nil {
		logger.Warn("list sessions for reconcile", "error", err)
		return
	}
	res, err := agent.Reconcile(ctx, reg, list, &agent.OSProcessDetector{})
	if err != nil {
		logger.Warn("reconcile sessions", "error", err)
	}
	if res.Stopped > 0 || res.Failed > 0 {
		logger.Info("reconciled sessions", "checked", res.Checked, "stopped", res.Stopped, "failed", res.Failed)
	}
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (PID %d)", pid)
	}

	if dryRun {
		ui.DryRunMsg("Would start server on %s", serveAddr())
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open server log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	args := []string{"serve",
		"--host", viper.GetString("serve.host"),
		"--port", strconv.Itoa(viper.GetInt("serve.port")),
	}
	if cfg := viper.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}
	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	// The child writes its own PID file; record it now so status works
	// immediately.
	if err := pf.WritePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	_ = child.Process.Release()

	ui.Success("Server started on http://%s (PID %d)", serveAddr(), child.Process.Pid)
	ui.VerboseLog("Logs: %s", serveLogPath())
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		_ = pf.Release(pid)
		return fmt.Errorf("server not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop server (PID %d)", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace+2*time.Second)
	defer cancel()
	if err := pf.WaitExit(ctx, 100*time.Millisecond); err != nil {
		ui.Warning("Server did not exit in time, killing PID %d", pid)
		if err := pf.Signal(sigKILL()); err != nil && !errors.Is(err, daemon.ErrNotRunning) {
			return err
		}
	}
	_ = pf.Release(pid)
	ui.Success("Server stopped (PID %d)", pid)
	return nil
}

func serveStatusRun() error {
	st := pidFile().Status()
	switch {
	case st.Running:
		ui.Success("Server running on http://%s (PID %d)", serveAddr(), st.PID)
	case st.Stale:
		ui.Warning("Server not running (stale PID file for %d)", st.PID)
	default:
		ui.Info("Server not running")
	}
	return nil
}
