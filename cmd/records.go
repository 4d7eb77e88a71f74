package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/output"
	"github.com/joescharf/agentdesk/internal/review"
)

var (
	commentFile     string
	commentLine     int
	commentLineType string
	commentAuthor   string
	commentAll      bool

	workspaceFolder string
	workspaceScript string
	workspaceBranch string

	userName  string
	userEmail string
)

// --- Inbox ---

var inboxCmd = &cobra.Command{
	Use:   "inbox [session]",
	Short: "Show notes agents left for you",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ref string
		if len(args) > 0 {
			ref = args[0]
		}
		return inboxListRun(ref)
	},
}

var inboxReadCmd = &cobra.Command{
	Use:   "read <session>",
	Short: "Mark a session's inbox read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inboxReadRun(args[0])
	},
}

var inboxPostCmd = &cobra.Command{
	Use:   "post <session> <body>",
	Short: "Leave a note in a session's inbox",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inboxPostRun(args[0], args[1])
	},
}

// --- Comments ---

var commentsCmd = &cobra.Command{
	Use:   "comments <session>",
	Short: "Show review comment threads on a session's diff",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return commentsListRun(args[0])
	},
}

var commentsAddCmd = &cobra.Command{
	Use:   "add <session> <body>",
	Short: "Comment on a line of the session diff",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return commentsAddRun(args[0], args[1])
	},
}

var commentsReplyCmd = &cobra.Command{
	Use:   "reply <comment-id> <body>",
	Short: "Reply to a comment thread",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return commentsReplyRun(args[0], args[1])
	},
}

var commentsResolveCmd = &cobra.Command{
	Use:   "resolve <comment-id>",
	Short: "Resolve a comment thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return commentsResolveRun(args[0])
	},
}

var commentsPromptCmd = &cobra.Command{
	Use:   "prompt <session>",
	Short: "Print the prompt that sends the agent through open comments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return commentsPromptRun(args[0])
	},
}

// --- Workspaces ---

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Manage workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceListRun()
	},
}

var workspaceAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceAddRun(args[0])
	},
}

var workspaceListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceListRun()
	},
}

// --- Users ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users, device links and API tokens",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return userCreateRun()
	},
}

var userLinkCmd = &cobra.Command{
	Use:   "link <user-id> <local-id>",
	Short: "Link a device-local id to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return userLinkRun(args[0], args[1])
	},
}

var userTokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue an API bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return userTokenRun(args[0])
	},
}

func init() {
	inboxCmd.AddCommand(inboxReadCmd)
	inboxCmd.AddCommand(inboxPostCmd)
	rootCmd.AddCommand(inboxCmd)

	commentsCmd.Flags().BoolVar(&commentAll, "all", false, "Include resolved threads")
	commentsAddCmd.Flags().StringVar(&commentFile, "file", "", "File path in the diff (required)")
	commentsAddCmd.Flags().IntVar(&commentLine, "line", 0, "Line number")
	commentsAddCmd.Flags().StringVar(&commentLineType, "line-type", "", "Diff side: added, removed or context")
	commentsAddCmd.Flags().StringVar(&commentAuthor, "author", review.AuthorHuman, "Comment author")
	_ = commentsAddCmd.MarkFlagRequired("file")
	commentsReplyCmd.Flags().StringVar(&commentAuthor, "author", review.AuthorHuman, "Reply author")
	commentsCmd.AddCommand(commentsAddCmd)
	commentsCmd.AddCommand(commentsReplyCmd)
	commentsCmd.AddCommand(commentsResolveCmd)
	commentsCmd.AddCommand(commentsPromptCmd)
	rootCmd.AddCommand(commentsCmd)

	workspaceAddCmd.Flags().StringVar(&workspaceFolder, "folder", "", "Workspace folder (default: current directory)")
	workspaceAddCmd.Flags().StringVar(&workspaceScript, "script", "", "Setup script run in the script_running phase")
	workspaceAddCmd.Flags().StringVar(&workspaceBranch, "origin-branch", "main", "Branch sessions start from")
	workspaceCmd.AddCommand(workspaceAddCmd)
	workspaceCmd.AddCommand(workspaceListCmd)
	rootCmd.AddCommand(workspaceCmd)

	userCreateCmd.Flags().StringVar(&userName, "name", "", "Display name (default: user.name)")
	userCreateCmd.Flags().StringVar(&userEmail, "email", "", "Email address")
	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userLinkCmd)
	userCmd.AddCommand(userTokenCmd)
	rootCmd.AddCommand(userCmd)
}

func inboxListRun(ref string) error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sessionID := ""
	if ref != "" {
		sess, err := findSession(ctx, a, ref)
		if err != nil {
			return err
		}
		sessionID = sess.ID
	}
	entries, err := a.Inbox.List(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.Info("Inbox is empty.")
		return nil
	}

	table := ui.Table([]string{"Session", "Note", "When", ""})
	for _, e := range entries {
		unread := ""
		if e.ReadAt == nil {
			unread = output.Yellow("unread")
		}
		_ = table.Append([]string{shortID(e.SessionID), output.Truncate(e.Body, 70), output.TimeAgo(e.CreatedAt), unread})
	}
	_ = table.Render()
	return nil
}

func inboxReadRun(ref string) error {
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
		ui.DryRunMsg("Would mark %s inbox read", shortID(sess.ID))
		return nil
	}
	n, err := a.Inbox.MarkRead(ctx, sess.ID)
	if err != nil {
		return err
	}
	ui.Success("Marked %d note(s) read", n)
	return nil
}

func inboxPostRun(ref, body string) error {
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
		ui.DryRunMsg("Would post to %s inbox", shortID(sess.ID))
		return nil
	}
	if _, err := a.Inbox.Post(ctx, sess.ID, body); err != nil {
		return err
	}
	ui.Success("Posted to %s inbox", shortID(sess.ID))
	return nil
}

func commentsListRun(ref string) error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findSession(ctx, a, ref)
	if err != nil {
		return err
	}
	threads, err := a.Review.Threads(ctx, sess.ID, !commentAll)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		ui.Info("No review comments.")
		return nil
	}
	for _, th := range threads {
		c := th.Comment
		status := output.Yellow(string(c.Status))
		if c.Status == models.CommentResolved {
			status = output.Green(string(c.Status))
		}
		fmt.Fprintf(ui.Out, "%s %s:%d %s\n", output.Cyan(shortID(c.ID)), c.FilePath, c.LineNumber, status)
		fmt.Fprintf(ui.Out, "  %s: %s\n", c.Author, c.Body)
		for _, r := range th.Replies {
			fmt.Fprintf(ui.Out, "    %s: %s\n", r.Author, r.Body)
		}
	}
	return nil
}

func commentsAddRun(ref, body string) error {
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
		ui.DryRunMsg("Would comment on %s:%d", commentFile, commentLine)
		return nil
	}
	c, err := a.Review.Add(ctx, sess.ID, review.NewComment{
		FilePath:   commentFile,
		LineNumber: commentLine,
		LineType:   commentLineType,
		Author:     commentAuthor,
		Body:       body,
	})
	if err != nil {
		return err
	}
	ui.Success("Added comment %s", output.Cyan(c.ID))
	return nil
}

func commentsReplyRun(id, body string) error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would reply to %s", id)
		return nil
	}
	c, err := a.Review.Reply(context.Background(), id, commentAuthor, body)
	if err != nil {
		return err
	}
	ui.Success("Replied %s", output.Cyan(c.ID))
	return nil
}

func commentsResolveRun(id string) error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would resolve %s", id)
		return nil
	}
	c, err := a.Review.Resolve(context.Background(), id)
	if err != nil {
		return err
	}
	ui.Success("Resolved %s", output.Cyan(c.ID))
	return nil
}

func commentsPromptRun(ref string) error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findSession(ctx, a, ref)
	if err != nil {
		return err
	}
	threads, err := a.Review.ListOpen(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		ui.Info("No open review comments.")
		return nil
	}
	fmt.Fprint(ui.Out, review.BuildKickoffPrompt(threads))
	return nil
}

func workspaceAddRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	folder := workspaceFolder
	if folder == "" {
		if folder, err = os.Getwd(); err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
	}
	if folder, err = filepath.Abs(folder); err != nil {
		return fmt.Errorf("resolve folder: %w", err)
	}

	w := &models.Workspace{
		Name:         name,
		Folder:       folder,
		ScriptPath:   workspaceScript,
		OriginBranch: workspaceBranch,
	}
	if dryRun {
		ui.DryRunMsg("Would add workspace %s at %s", name, folder)
		return nil
	}
	if err := s.CreateWorkspace(context.Background(), w); err != nil {
		return err
	}
	ui.Success("Added workspace %s (%s)", output.Cyan(name), shortID(w.ID))
	return nil
}

func workspaceListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	list, err := s.ListWorkspaces(context.Background())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No workspaces.")
		return nil
	}
	table := ui.Table([]string{"ID", "Name", "Folder", "Branch", "Script"})
	for _, w := range list {
		_ = table.Append([]string{shortID(w.ID), w.Name, w.Folder, w.OriginBranch, w.ScriptPath})
	}
	_ = table.Render()
	return nil
}

func userCreateRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	name := userName
	if name == "" {
		name = viper.GetString("user.name")
	}
	if name == "" {
		return fmt.Errorf("a name is required (--name or user.name)")
	}
	u := &models.User{Name: name, Email: userEmail}
	if dryRun {
		ui.DryRunMsg("Would create user %s", name)
		return nil
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		return err
	}
	ui.Success("Created user %s (%s)", name, output.Cyan(u.ID))
	if viper.GetString("user.id") == "" {
		ui.Info("Set user.id: %s in your config to own new sessions", u.ID)
	}
	return nil
}

func userLinkRun(userID, localID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would link %s to %s", localID, userID)
		return nil
	}
	if err := s.LinkLocalID(context.Background(), userID, localID); err != nil {
		return err
	}
	ui.Success("Linked %s to %s", localID, userID)
	return nil
}

func userTokenRun(userID string) error {
	issuer, err := newIssuer()
	if err != nil {
		return err
	}
	if issuer == nil {
		return fmt.Errorf("auth.secret is not set; tokens cannot be issued")
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	if _, err := s.GetUser(context.Background(), userID); err != nil {
		return err
	}
	token, err := issuer.Issue(userID)
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out, token)
	return nil
}
