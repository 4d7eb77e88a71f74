package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/agentdesk/internal/agent"
	"github.com/joescharf/agentdesk/internal/app"
	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/inbox"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/output"
	"github.com/joescharf/agentdesk/internal/sessions"
	"github.com/joescharf/agentdesk/internal/store"
)

var (
	sessionName      string
	sessionCwd       string
	sessionUser      string
	sessionWorkspace string
	sessionLocalID   string
	sessionPhase     string
	sessionLimit     int
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions", "s"},
	Short:   "Manage agent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show session details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(args[0])
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new session",
	Long: `Register a new idle session. With --local-id the call is idempotent:
the session already registered for (user, local id) is returned instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCreateRun()
	},
}

var sessionPhaseCmd = &cobra.Command{
	Use:   "phase <session> <phase> [detail]",
	Short: "Move a session to another phase",
	Long: `Move a session to another phase. Phases: idle, running_agent,
awaiting_permission (detail: request id), script_running (detail: script
path), error (detail: message).`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		detail := ""
		if len(args) == 3 {
			detail = args[2]
		}
		return sessionPhaseRun(args[0], args[1], detail)
	},
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset <session>",
	Short: "Return a session in error to idle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionResetRun(args[0])
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <session>",
	Short: "Record that a session's agent has exited",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionStopRun(args[0])
	},
}

var sessionRenameCmd = &cobra.Command{
	Use:   "rename <session> <name>",
	Short: "Rename a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionRenameRun(args[0], args[1])
	},
}

var sessionRmCmd = &cobra.Command{
	Use:     "rm <session>",
	Aliases: []string{"remove"},
	Short:   "Delete a session with its messages, permissions and records",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionRmRun(args[0])
	},
}

var sessionBindCmd = &cobra.Command{
	Use:   "bind <session> <upstream-id>",
	Short: "Record the agent's own session id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionBindRun(args[0], args[1])
	},
}

var sessionTitleCmd = &cobra.Command{
	Use:   "title <session>",
	Short: "Name a session from its conversation using the Anthropic API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionTitleRun(cmd.Context(), args[0])
	},
}

func init() {
	sessionListCmd.Flags().StringVar(&sessionPhase, "phase", "", "Filter by phase")
	sessionListCmd.Flags().StringVar(&sessionUser, "user", "", "Filter by user id")
	sessionListCmd.Flags().StringVar(&sessionWorkspace, "workspace", "", "Filter by workspace name or id")
	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 0, "Show at most this many sessions")

	sessionCreateCmd.Flags().StringVar(&sessionName, "name", "", "Display name")
	sessionCreateCmd.Flags().StringVar(&sessionCwd, "cwd", "", "Working directory (default: current directory)")
	sessionCreateCmd.Flags().StringVar(&sessionUser, "user", "", "Owner user id (default: user.id)")
	sessionCreateCmd.Flags().StringVar(&sessionWorkspace, "workspace", "", "Workspace name or id")
	sessionCreateCmd.Flags().StringVar(&sessionLocalID, "local-id", "", "Device-local session id (makes create idempotent)")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionPhaseCmd)
	sessionCmd.AddCommand(sessionResetCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	sessionCmd.AddCommand(sessionRenameCmd)
	sessionCmd.AddCommand(sessionRmCmd)
	sessionCmd.AddCommand(sessionBindCmd)
	sessionCmd.AddCommand(sessionTitleCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionListRun() error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.SessionListFilter{
		UserID: sessionUser,
		Phase:  models.PhaseKind(sessionPhase),
		Limit:  sessionLimit,
	}
	if sessionPhase != "" && !filter.Phase.Valid() {
		return apperr.Invalid("unknown phase %q", sessionPhase)
	}
	if sessionWorkspace != "" {
		w, err := findWorkspace(ctx, a.Store, sessionWorkspace)
		if err != nil {
			return err
		}
		filter.WorkspaceID = w.ID
	}

	list, err := a.Sessions.List(ctx, filter)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No sessions found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Name", "Phase", "Busy", "Cwd", "Active"})
	for _, sess := range list {
		busy := ""
		if sess.IsBusy {
			busy = output.Yellow("busy")
		}
		_ = table.Append([]string{
			shortID(sess.ID),
			output.Truncate(sess.Name, 40),
			output.PhaseColor(string(sess.PhaseKind())),
			busy,
			sess.Cwd,
			output.TimeAgo(sess.LastActivityAt),
		})
	}
	_ = table.Render()
	return nil
}

func sessionShowRun(ref string) error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findSession(ctx, a, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s %s\n", output.Cyan(sess.ID), sess.Name)
	phase := output.PhaseColor(string(sess.PhaseKind()))
	if detail := models.PhaseDetail(sess.Phase); detail != "" {
		phase += " (" + detail + ")"
	}
	fmt.Fprintf(ui.Out, "  Phase:     %s\n", phase)
	fmt.Fprintf(ui.Out, "  Busy:      %v\n", sess.IsBusy)
	fmt.Fprintf(ui.Out, "  Cwd:       %s\n", sess.Cwd)
	if sess.UserID != "" {
		fmt.Fprintf(ui.Out, "  User:      %s\n", sess.UserID)
	}
	if sess.WorkspaceID != "" {
		name := sess.WorkspaceID
		if w, err := a.Store.GetWorkspace(ctx, sess.WorkspaceID); err == nil {
			name = w.Name
		}
		fmt.Fprintf(ui.Out, "  Workspace: %s\n", name)
	}
	if sess.LocalSessionID != "" {
		fmt.Fprintf(ui.Out, "  Local ID:  %s\n", sess.LocalSessionID)
	}
	if sess.UpstreamID != "" {
		fmt.Fprintf(ui.Out, "  Upstream:  %s\n", sess.UpstreamID)
	}
	if sess.BaseCommit != "" {
		fmt.Fprintf(ui.Out, "  Base:      %s\n", shortID(sess.BaseCommit))
	}
	fmt.Fprintf(ui.Out, "  Active:    %s\n", output.TimeAgo(sess.LastActivityAt))
	fmt.Fprintf(ui.Out, "  Created:   %s\n", sess.CreatedAt.Local().Format("2006-01-02 15:04"))

	msgs, err := a.Messages.List(ctx, sess.ID)
	if err != nil {
		return err
	}
	pending, err := a.Arbiter.Pending(ctx, sess.ID)
	if err != nil {
		return err
	}
	entries, err := a.Inbox.List(ctx, sess.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(ui.Out, "  Messages:  %d\n", len(msgs))
	if len(pending) > 0 {
		fmt.Fprintf(ui.Out, "  Pending:   %s\n", output.Yellow(fmt.Sprintf("%d permission request(s)", len(pending))))
	}
	if n := inbox.Unread(entries); n > 0 {
		fmt.Fprintf(ui.Out, "  Inbox:     %d unread\n", n)
	}

	todos, err := a.Store.ListTodos(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(todos) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "  Todos:")
		for _, td := range todos {
			mark := "[ ]"
			switch td.Status {
			case models.TodoCompleted:
				mark = output.Green("[x]")
			case models.TodoInProgress:
				mark = output.Yellow("[~]")
			}
			fmt.Fprintf(ui.Out, "    %s %s\n", mark, td.Content)
		}
	}
	return nil
}

func sessionCreateRun() error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	cwd := sessionCwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
	}
	userID := sessionUser
	if userID == "" {
		userID = viper.GetString("user.id")
	}
	opts := sessions.CreateOptions{UserID: userID, Name: sessionName, Cwd: cwd}
	if sessionWorkspace != "" {
		w, err := findWorkspace(ctx, a.Store, sessionWorkspace)
		if err != nil {
			return err
		}
		opts.WorkspaceID = w.ID
	}

	if dryRun {
		ui.DryRunMsg("Would create session %q in %s", sessionName, cwd)
		return nil
	}
	opts = agent.WithBaseCommit(opts, a.Git)

	if sessionLocalID != "" {
		sess, created, err := a.Sessions.GetOrCreateForLocal(ctx, userID, sessionLocalID, opts)
		if err != nil {
			return err
		}
		if created {
			ui.Success("Created session %s", output.Cyan(sess.ID))
		} else {
			ui.Info("Session already registered: %s", output.Cyan(sess.ID))
		}
		return nil
	}

	sess, err := a.Sessions.Create(ctx, opts)
	if err != nil {
		return err
	}
	ui.Success("Created session %s", output.Cyan(sess.ID))
	return nil
}

// parsePhase builds a phase from its CLI name and optional detail.
func parsePhase(kind, detail string) (models.Phase, error) {
	k := models.PhaseKind(strings.ToLower(kind))
	if !k.Valid() {
		return nil, apperr.Invalid("unknown phase %q", kind)
	}
	return models.PhaseFromParts(k, detail), nil
}

func sessionPhaseRun(ref, kind, detail string) error {
	phase, err := parsePhase(kind, detail)
	if err != nil {
		return err
	}
	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findSession(ctx, a, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would move %s from %s to %s", shortID(sess.ID), sess.PhaseKind(), phase.Kind())
		return nil
	}
	sess, err = a.Sessions.Transition(ctx, sess.ID, phase)
	if err != nil {
		return err
	}
	ui.Success("Session %s is %s", shortID(sess.ID), output.PhaseColor(string(sess.PhaseKind())))
	return nil
}

func sessionResetRun(ref string) error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findSession(ctx, a, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would reset %s", shortID(sess.ID))
		return nil
	}
	if _, err := a.Sessions.Reset(ctx, sess.ID); err != nil {
		return err
	}
	ui.Success("Session %s reset to %s", shortID(sess.ID), output.PhaseColor(string(models.PhaseKindIdle)))
	return nil
}

func sessionStopRun(ref string) error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findSession(ctx, a, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would stop %s", shortID(sess.ID))
		return nil
	}
	sess, err = agent.StopSession(ctx, a.Sessions, sess.ID)
	if err != nil {
		return err
	}
	ui.Success("Session %s is %s", shortID(sess.ID), output.PhaseColor(string(sess.PhaseKind())))
	return nil
}

func sessionRenameRun(ref, name string) error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findSession(ctx, a, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would rename %s to %q", shortID(sess.ID), name)
		return nil
	}
	if _, err := a.Sessions.Rename(ctx, sess.ID, name); err != nil {
		return err
	}
	ui.Success("Renamed %s to %q", shortID(sess.ID), name)
	return nil
}

func sessionRmRun(ref string) error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findSession(ctx, a, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would delete session %s and everything it owns", shortID(sess.ID))
		return nil
	}
	if err := a.Sessions.Remove(ctx, sess.ID); err != nil {
		return err
	}
	ui.Success("Deleted session %s", shortID(sess.ID))
	return nil
}

func sessionBindRun(ref, upstreamID string) error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findSession(ctx, a, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would bind %s to %s", shortID(sess.ID), upstreamID)
		return nil
	}
	if _, err := a.Sessions.BindUpstreamID(ctx, sess.ID, upstreamID); err != nil {
		return err
	}
	ui.Success("Bound %s to upstream session %s", shortID(sess.ID), upstreamID)
	return nil
}

func sessionTitleRun(ctx context.Context, ref string) error {
	client := newLLMClient()
	if client == nil {
		return fmt.Errorf("no Anthropic API key configured (set anthropic.api_key or ANTHROPIC_API_KEY)")
	}
	a, err := cliApp()
	if err != nil {
		return err
	}

	sess, err := findSession(ctx, a, ref)
	if err != nil {
		return err
	}
	msgs, err := a.Messages.List(ctx, sess.ID)
	if err != nil {
		return err
	}
	suggestion, err := client.SuggestTitle(ctx, msgs)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would rename %s to %q", shortID(sess.ID), suggestion.Title)
		return nil
	}
	if _, err := a.Sessions.Rename(ctx, sess.ID, suggestion.Title); err != nil {
		return err
	}
	ui.Success("Renamed %s to %q", shortID(sess.ID), suggestion.Title)
	if suggestion.Summary != "" {
		ui.VerboseLog("%s", suggestion.Summary)
	}
	return nil
}

// findSession finds a session by full ID, ID prefix or exact name.
func findSession(ctx context.Context, a *app.App, ref string) (*models.Session, error) {
	if sess, err := a.Sessions.Get(ctx, ref); err == nil {
		return sess, nil
	} else if !apperr.IsNotFound(err) {
		return nil, err
	}

	list, err := a.Sessions.List(ctx, store.SessionListFilter{})
	if err != nil {
		return nil, err
	}
	upper := strings.ToUpper(ref)
	var matches []*models.Session
	for _, sess := range list {
		if strings.HasPrefix(sess.ID, upper) || sess.Name == ref {
			matches = append(matches, sess)
		}
	}

	switch len(matches) {
	case 0:
		return nil, apperr.NotFound("session", ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous session %s: matches %d sessions", ref, len(matches))
	}
}

// findWorkspace finds a workspace by ID or name.
func findWorkspace(ctx context.Context, s store.Store, ref string) (*models.Workspace, error) {
	if w, err := s.GetWorkspace(ctx, ref); err == nil {
		return w, nil
	}
	return s.GetWorkspaceByName(ctx, ref)
}

// shortID returns a truncated ULID for display (first 12 chars).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
