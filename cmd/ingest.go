package cmd

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <session>",
	Short: "Apply a live stream-json feed from stdin to a session",
	Long: `Read the agent's --output-format stream-json lines from stdin and apply
them to a session: messages are appended, the upstream id is bound from the
init line, todo updates replace the task list, and the result line ends the
run.

  claude -p "fix the tests" --output-format stream-json --verbose \
    | agentdesk ingest <session>`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return ingestRun(cmd.Context(), args[0], os.Stdin)
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func ingestRun(ctx context.Context, ref string, r io.Reader) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := cliApp()
	if err != nil {
		return err
	}
	sess, err := findSession(ctx, a, ref)
	if err != nil {
		return err
	}

	sum, err := a.Ingester.Ingest(ctx, sess.ID, r)
	if err != nil {
		return err
	}
	ui.Success("Ingested %d line(s): %d message(s), %d skipped", sum.Lines, sum.Messages, sum.Skipped)
	if sum.Finished {
		ui.Info("Run finished, cost $%.4f", sum.Cost)
	}
	return nil
}
