package cmd

import (
	"context"
	"fmt"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/agentdesk/internal/app"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/store"
	"github.com/joescharf/agentdesk/internal/transcript"
)

var (
	importAll   bool
	importWatch bool
	importFile  string
)

var importCmd = &cobra.Command{
	Use:   "import [session]",
	Short: "Import agent transcripts into session message logs",
	Long: `Import the agent's JSONL transcript for a session. The transcript is
found from the session's upstream id and working directory under
transcripts.dir, or given with --file. Importing is idempotent.

With --all every session that has an upstream id is imported. With --watch
the transcripts are followed and re-imported as the agent writes them.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ref string
		if len(args) > 0 {
			ref = args[0]
		}
		return importRun(cmd.Context(), ref)
	},
}

func init() {
	importCmd.Flags().BoolVar(&importAll, "all", false, "Import every session with an upstream id")
	importCmd.Flags().BoolVar(&importWatch, "watch", false, "Keep following transcripts after the import")
	importCmd.Flags().StringVar(&importFile, "file", "", "Import this transcript file instead of locating it")
	rootCmd.AddCommand(importCmd)
}

func importRun(ctx context.Context, ref string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if ref == "" && !importAll {
		return fmt.Errorf("specify a session or --all")
	}
	if importFile != "" && (importAll || importWatch) {
		return fmt.Errorf("--file imports one session once; it cannot be combined with --all or --watch")
	}

	a, err := cliApp()
	if err != nil {
		return err
	}

	var targets []*models.Session
	if importAll {
		if targets, err = a.Sessions.List(ctx, store.SessionListFilter{}); err != nil {
			return err
		}
	} else {
		sess, err := findSession(ctx, a, ref)
		if err != nil {
			return err
		}
		targets = []*models.Session{sess}
	}

	if dryRun {
		ui.DryRunMsg("Would import transcripts for %d session(s) from %s", len(targets), a.Importer.Root())
		return nil
	}

	switch {
	case importFile != "":
		n, err := a.Importer.ImportFile(ctx, targets[0].ID, importFile)
		if err != nil {
			return err
		}
		ui.Success("Imported %d record(s) into %s", n, shortID(targets[0].ID))
	case importAll:
		sum, err := a.Importer.ImportAll(ctx, targets)
		ui.Success("Imported %d record(s) across %d session(s), %d skipped", sum.Records, sum.Sessions, sum.Skipped)
		if err != nil {
			return err
		}
	default:
		n, err := a.Importer.ImportSession(ctx, targets[0])
		if err != nil {
			return err
		}
		ui.Success("Imported %d record(s) into %s", n, shortID(targets[0].ID))
	}

	if !importWatch {
		return nil
	}
	return watchTranscripts(ctx, a, targets)
}

// watchTranscripts follows the sessions' transcripts until interrupted.
func watchTranscripts(ctx context.Context, a *app.App, targets []*models.Session) error {
	w, err := transcript.NewWatcher(a.Importer)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	for _, sess := range targets {
		if sess.UpstreamID == "" || sess.Cwd == "" {
			continue
		}
		if err := w.Watch(sess); err != nil {
			ui.Warning("Cannot watch %s: %v", shortID(sess.ID), err)
		}
	}
	if w.Watching() == 0 {
		return fmt.Errorf("no transcripts to watch")
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()
	ui.Info("Watching %d transcript(s), Ctrl-C to stop", w.Watching())
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
