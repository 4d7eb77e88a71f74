package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/agentdesk/internal/app"
	"github.com/joescharf/agentdesk/internal/git"
	"github.com/joescharf/agentdesk/internal/inbox"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/output"
	"github.com/joescharf/agentdesk/internal/store"
)

var (
	statusAll       bool
	statusWorkspace string
)

var statusCmd = &cobra.Command{
	Use:   "status [session]",
	Short: "Show what needs attention across sessions",
	Long: `Show sessions that are running, blocked on a permission, in error, or
have unread notes, with their git state. Idle sessions are included with
--all.

With a session, shows its details.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return sessionShowRun(args[0])
		}
		return statusOverviewRun()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "Include idle sessions with nothing pending")
	statusCmd.Flags().StringVar(&statusWorkspace, "workspace", "", "Filter by workspace name or id")
	rootCmd.AddCommand(statusCmd)
}

// sessionStatus is one dashboard row's worth of facts.
type sessionStatus struct {
	Session *models.Session
	Pending int
	Unread  int
	Branch  string
	Dirty   *bool
}

// needsAttention reports whether a session belongs on the default dashboard.
func (st sessionStatus) needsAttention() bool {
	return st.Session.PhaseKind() != models.PhaseKindIdle || st.Session.IsBusy || st.Pending > 0 || st.Unread > 0
}

func statusOverviewRun() error {
	if st := pidFile().Status(); st.Running {
		ui.Success("Server running on http://%s (PID %d)", serveAddr(), st.PID)
	} else {
		ui.Warning("Server not running; agents cannot reach the permission prompt")
	}

	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.SessionListFilter{}
	if statusWorkspace != "" {
		w, err := findWorkspace(ctx, a.Store, statusWorkspace)
		if err != nil {
			return err
		}
		filter.WorkspaceID = w.ID
	}
	list, err := a.Sessions.List(ctx, filter)
	if err != nil {
		return err
	}

	rows := make([]sessionStatus, 0, len(list))
	for _, sess := range list {
		st, err := gatherStatus(ctx, a, a.Git, sess)
		if err != nil {
			return err
		}
		if statusAll || st.needsAttention() {
			rows = append(rows, st)
		}
	}
	if len(rows) == 0 {
		ui.Info("Nothing needs attention.")
		return nil
	}

	table := ui.Table([]string{"Session", "Phase", "Branch", "Git", "Pending", "Inbox", "Activity"})
	for _, st := range rows {
		name := st.Session.Name
		if name == "" {
			name = shortID(st.Session.ID)
		}
		_ = table.Append([]string{
			output.Cyan(output.Truncate(name, 30)),
			output.PhaseColor(string(st.Session.PhaseKind())),
			st.Branch,
			gitState(st.Dirty),
			countOrDash(st.Pending, output.Yellow),
			countOrDash(st.Unread, output.Cyan),
			activity(st.Session),
		})
	}
	_ = table.Render()
	return nil
}

func gatherStatus(ctx context.Context, a *app.App, gc git.Client, sess *models.Session) (sessionStatus, error) {
	st := sessionStatus{Session: sess, Branch: "?"}

	pending, err := a.Arbiter.Pending(ctx, sess.ID)
	if err != nil {
		return st, err
	}
	st.Pending = len(pending)

	entries, err := a.Inbox.List(ctx, sess.ID)
	if err != nil {
		return st, err
	}
	st.Unread = inbox.Unread(entries)

	if sess.Cwd != "" {
		if branch, err := gc.CurrentBranch(sess.Cwd); err == nil {
			st.Branch = branch
		}
		if dirty, err := gc.IsDirty(sess.Cwd); err == nil {
			st.Dirty = &dirty
		}
	}
	return st, nil
}

func gitState(dirty *bool) string {
	switch {
	case dirty == nil:
		return "n/a"
	case *dirty:
		return output.Red("dirty")
	default:
		return output.Green("clean")
	}
}

func countOrDash(n int, color func(string) string) string {
	if n == 0 {
		return "-"
	}
	return color(fmt.Sprintf("%d", n))
}

// staleAfter is how long an active session may go quiet before the
// dashboard flags it.
const staleAfter = 30 * time.Minute

func activity(sess *models.Session) string {
	ago := output.TimeAgo(sess.LastActivityAt)
	if sess.PhaseKind() == models.PhaseKindRunningAgent && time.Since(sess.LastActivityAt) > staleAfter {
		return output.Red(ago)
	}
	return ago
}
