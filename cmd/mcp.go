package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/agentdesk/internal/mcp"
)

var mcpSessionID string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP stdio server for a coding agent",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

The agent calls permission_prompt before running a tool and waits for the
human's decision. Bind the server to a session with --session (or
AGENTDESK_SESSION_ID) and point the agent at it:

  claude --mcp-config agentdesk.json \
         --permission-prompt-tool mcp__agentdesk__permission_prompt

  {
    "mcpServers": {
      "agentdesk": { "command": "agentdesk", "args": ["mcp", "--session", "<id>"] }
    }
  }

Available tools: permission_prompt, notify_ready, get_pending_comments,
reply_to_comment, resolve_comment`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// stdout carries the protocol; everything else goes to stderr.
		a, err := newApp(newLogger(os.Stderr), nil)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		defer func() { _ = a.Close(ctx) }()

		sessionID := mcpSessionID
		if sessionID == "" {
			sessionID = viper.GetString("session_id")
		}
		if sessionID != "" {
			if _, err := a.Sessions.Get(ctx, sessionID); err != nil {
				return err
			}
		}
		return mcp.NewServer(a, sessionID, buildVersion).ServeStdio(ctx)
	},
}

func init() {
	mcpCmd.Flags().StringVar(&mcpSessionID, "session", "", "Session the tools act on (default $AGENTDESK_SESSION_ID)")
	rootCmd.AddCommand(mcpCmd)
}
