// Package app wires the session, message and permission services over one
// record store. The HTTP server, the MCP server and the CLI all build their
// services through it so every surface shares the same semantics.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/joescharf/agentdesk/internal/git"
	"github.com/joescharf/agentdesk/internal/inbox"
	"github.com/joescharf/agentdesk/internal/messagelog"
	"github.com/joescharf/agentdesk/internal/metrics"
	"github.com/joescharf/agentdesk/internal/notify"
	"github.com/joescharf/agentdesk/internal/permissions"
	"github.com/joescharf/agentdesk/internal/review"
	"github.com/joescharf/agentdesk/internal/sessions"
	"github.com/joescharf/agentdesk/internal/store"
	"github.com/joescharf/agentdesk/internal/stream"
	"github.com/joescharf/agentdesk/internal/transcript"
)

// Config tunes the services. Zero values pick the package defaults.
type Config struct {
	PermissionTimeout time.Duration
	PollInterval      time.Duration
	TranscriptRoot    string
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
	Git               git.Client
}

// App holds the wired services.
type App struct {
	Store    store.Store
	Bus      *notify.Bus
	Metrics  *metrics.Metrics
	Git      git.Client
	Logger   *slog.Logger
	Sessions *sessions.Registry
	Messages *messagelog.Log
	Arbiter  *permissions.Arbiter
	Inbox    *inbox.Inbox
	Review   *review.Service
	Importer *transcript.Importer
	Ingester *stream.Ingester
}

// New builds every service over s.
func New(s store.Store, cfg Config) *App {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	gc := cfg.Git
	if gc == nil {
		gc = git.NewClient()
	}
	root := cfg.TranscriptRoot
	if root == "" {
		root = transcript.DefaultRoot()
	}
	bus := notify.NewBus()

	reg := sessions.NewRegistry(s,
		sessions.WithPublisher(bus),
		sessions.WithMetrics(cfg.Metrics),
		sessions.WithLogger(logger.With("component", "sessions")),
	)
	log := messagelog.New(s, reg,
		messagelog.WithPublisher(bus),
		messagelog.WithMetrics(cfg.Metrics),
		messagelog.WithLogger(logger.With("component", "messagelog")),
	)
	arbOpts := []permissions.Option{
		permissions.WithPublisher(bus),
		permissions.WithPhaseHook(reg),
		permissions.WithMetrics(cfg.Metrics),
		permissions.WithLogger(logger.With("component", "permissions")),
		permissions.WithRootFinder(gc),
	}
	if cfg.PermissionTimeout > 0 {
		arbOpts = append(arbOpts, permissions.WithTimeout(cfg.PermissionTimeout))
	}
	if cfg.PollInterval > 0 {
		arbOpts = append(arbOpts, permissions.WithPollInterval(cfg.PollInterval))
	}

	return &App{
		Store:    s,
		Bus:      bus,
		Metrics:  cfg.Metrics,
		Git:      gc,
		Logger:   logger,
		Sessions: reg,
		Messages: log,
		Arbiter:  permissions.NewArbiter(s, permissions.NewStorePolicies(s), arbOpts...),
		Inbox:    inbox.New(s, reg, bus),
		Review:   review.NewService(s, logger.With("component", "review")),
		Importer: transcript.NewImporter(log, root, logger.With("component", "transcript")),
		Ingester: stream.NewIngester(reg, log, s, logger.With("component", "stream")),
	}
}

// Close stops the arbiter's timers and closes event subscribers. The store
// is left open; its owner closes it.
func (a *App) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := a.Arbiter.Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	a.Bus.Close()
	return result.ErrorOrNil()
}
