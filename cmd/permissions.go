package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/agentdesk/internal/app"
	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/output"
	"github.com/joescharf/agentdesk/internal/permissions"
	"github.com/joescharf/agentdesk/internal/store"
)

var (
	permSession   string
	permStatus    string
	permAll       bool
	permAlways    bool
	permMessage   string
	permInterrupt bool
	policyCwd     string
)

var permissionsCmd = &cobra.Command{
	Use:     "permissions",
	Aliases: []string{"perm", "perms"},
	Short:   "Review and answer agent tool permission requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return permissionsListRun()
	},
}

var permissionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List permission requests (pending only unless --all or --status)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return permissionsListRun()
	},
}

var permissionsDecideCmd = &cobra.Command{
	Use:   "decide <request> <allow|deny>",
	Short: "Answer a pending permission request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return permissionsDecideRun(args[0], args[1])
	},
}

var policyCmd = &cobra.Command{
	Use:     "policy",
	Aliases: []string{"policies"},
	Short:   "Manage always-allow tool policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return policyListRun()
	},
}

var policyListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List always-allow policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return policyListRun()
	},
}

var policyGrantCmd = &cobra.Command{
	Use:   "grant <tool>",
	Short: "Always allow a tool in the project containing --cwd",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return policyGrantRun(args[0])
	},
}

var policyRevokeCmd = &cobra.Command{
	Use:   "revoke <scope> <tool>",
	Short: "Remove an always-allow policy",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return policyRevokeRun(args[0], args[1])
	},
}

func init() {
	permissionsListCmd.Flags().StringVar(&permSession, "session", "", "Filter by session")
	permissionsListCmd.Flags().StringVar(&permStatus, "status", "", "Filter by status: pending, granted, denied, timed_out")
	permissionsListCmd.Flags().BoolVar(&permAll, "all", false, "Include resolved requests")

	permissionsDecideCmd.Flags().BoolVar(&permAlways, "always", false, "Also always allow this tool in the request's project")
	permissionsDecideCmd.Flags().StringVarP(&permMessage, "message", "m", "", "Message returned to the agent")
	permissionsDecideCmd.Flags().BoolVar(&permInterrupt, "interrupt", false, "Stop the agent's turn after a deny")

	policyGrantCmd.Flags().StringVar(&policyCwd, "cwd", "", "Directory inside the project (default: current directory)")

	permissionsCmd.AddCommand(permissionsListCmd)
	permissionsCmd.AddCommand(permissionsDecideCmd)
	rootCmd.AddCommand(permissionsCmd)

	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyGrantCmd)
	policyCmd.AddCommand(policyRevokeCmd)
	rootCmd.AddCommand(policyCmd)
}

func permissionsListRun() error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.PermissionListFilter{Status: models.PermissionStatus(permStatus)}
	if permStatus == "" && !permAll {
		filter.Status = models.PermissionPending
	}
	if permSession != "" {
		sess, err := findSession(ctx, a, permSession)
		if err != nil {
			return err
		}
		filter.SessionID = sess.ID
	}

	list, err := a.Store.ListPermissionRequests(ctx, filter)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No permission requests.")
		return nil
	}

	table := ui.Table([]string{"ID", "Session", "Tool", "Input", "Status", "Reason", "Age"})
	for _, r := range list {
		_ = table.Append([]string{
			shortID(r.ID),
			shortID(r.SessionID),
			r.ToolName,
			output.Truncate(string(r.ToolInput), 50),
			output.PermissionColor(string(r.Status)),
			string(r.Reason),
			output.TimeAgo(r.CreatedAt),
		})
	}
	_ = table.Render()
	return nil
}

func permissionsDecideRun(ref, behavior string) error {
	d := permissions.Decision{
		Behavior:    models.Behavior(strings.ToLower(behavior)),
		AlwaysAllow: permAlways,
		Message:     permMessage,
		Interrupt:   permInterrupt,
	}
	if d.Behavior != models.BehaviorAllow && d.Behavior != models.BehaviorDeny {
		return apperr.Invalid("behavior must be allow or deny, got %q", behavior)
	}

	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	req, err := findPermission(ctx, a, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would %s %s for %s", d.Behavior, req.ToolName, shortID(req.SessionID))
		return nil
	}

	got, err := a.Arbiter.Decide(ctx, req.ID, d)
	if err != nil {
		return err
	}
	if got.Reason != models.ReasonDecision || got.Behavior != d.Behavior {
		ui.Warning("Request was already %s (%s)", got.Status, got.Reason)
		return nil
	}
	ui.Success("%s %s", output.PermissionColor(string(got.Status)), got.ToolName)
	if d.AlwaysAllow && d.Behavior == models.BehaviorAllow {
		ui.Info("%s is now always allowed in %s", got.ToolName, got.Scope)
	}
	return nil
}

// findPermission finds a request by full ID or a unique ID prefix among
// pending requests.
func findPermission(ctx context.Context, a *app.App, ref string) (*models.PermissionRequest, error) {
	if r, err := a.Store.GetPermissionRequest(ctx, ref); err == nil {
		return r, nil
	} else if !apperr.IsNotFound(err) {
		return nil, err
	}

	pending, err := a.Arbiter.Pending(ctx, "")
	if err != nil {
		return nil, err
	}
	var matches []*models.PermissionRequest
	for _, r := range pending {
		if strings.HasPrefix(r.ID, ref) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return nil, apperr.NotFound("permission request", ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous permission request %s: matches %d requests", ref, len(matches))
	}
}

func policyListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	list, err := s.ListPolicies(context.Background())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No always-allow policies.")
		return nil
	}
	table := ui.Table([]string{"Scope", "Tool", "Granted"})
	for _, p := range list {
		_ = table.Append([]string{p.Scope, p.ToolName, output.TimeAgo(p.GrantedAt)})
	}
	_ = table.Render()
	return nil
}

func policyGrantRun(tool string) error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	cwd := policyCwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
	}
	scope := permissions.Scope(a.Git, cwd)
	if dryRun {
		ui.DryRunMsg("Would always allow %s in %s", tool, scope)
		return nil
	}
	if err := permissions.NewStorePolicies(a.Store).Grant(context.Background(), scope, tool); err != nil {
		return err
	}
	ui.Success("%s is always allowed in %s", tool, scope)
	return nil
}

func policyRevokeRun(scope, tool string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would revoke %s in %s", tool, scope)
		return nil
	}
	if err := s.RevokePolicy(context.Background(), scope, tool); err != nil {
		return err
	}
	ui.Success("Revoked %s in %s", tool, scope)
	return nil
}
