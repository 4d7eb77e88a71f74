package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/agentdesk/internal/app"
	"github.com/joescharf/agentdesk/internal/metrics"
	"github.com/joescharf/agentdesk/internal/output"
	"github.com/joescharf/agentdesk/internal/store"
	"github.com/joescharf/agentdesk/internal/transcript"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "agentdesk",
	Short: "Coordinate coding-agent sessions, messages and tool permissions",
	Long: `agentdesk tracks coding-agent sessions and their lifecycle phase,
keeps a deduplicated log of each session's messages, and arbitrates the
agent's tool permission requests, with always-allow policies per project.

Run 'agentdesk serve' for the local HTTP API and 'agentdesk mcp' as the
agent's permission prompt tool.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/agentdesk/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		configDir, err := defaultConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("AGENTDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	configDir, _ := defaultConfigDir()
	setDefaults(configDir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default under stateDir.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "agentdesk.db"))
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("serve.host", "127.0.0.1")
	viper.SetDefault("serve.port", 19420)
	viper.SetDefault("permissions.timeout", "5m")
	viper.SetDefault("auth.secret", "")
	viper.SetDefault("auth.token_ttl", "720h")
	viper.SetDefault("user.id", "")
	viper.SetDefault("user.name", "")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("transcripts.dir", transcript.DefaultRoot())
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Initialize store lazily, only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// rootRun handles `agentdesk` with no subcommand: list recent sessions.
func rootRun(cmd *cobra.Command) error {
	if _, err := getStore(); err != nil {
		return cmd.Help()
	}
	sessionLimit = 20
	return sessionListRun()
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx := rootCmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// newLogger builds the service logger from log.level and log.format.
// CLI output goes through ui; this is for the services underneath.
func newLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log.level"))); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(viper.GetString("log.format"), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newApp wires the services over the shared store.
func newApp(logger *slog.Logger, m *metrics.Metrics) (*app.App, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	return app.New(s, app.Config{
		PermissionTimeout: viper.GetDuration("permissions.timeout"),
		TranscriptRoot:    viper.GetString("transcripts.dir"),
		Logger:            logger,
		Metrics:           m,
	}), nil
}

// cliApp is newApp for one-shot commands: warnings only, to stderr.
func cliApp() (*app.App, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if verbose {
		logger = newLogger(os.Stderr)
	}
	return newApp(logger, nil)
}
