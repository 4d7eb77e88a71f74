package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/agentdesk/internal/messagelog"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/output"
)

var (
	messageType       string
	messageText       string
	messageExternalID string
	messageModel      string
	messageCost       float64
	messageFull       bool
)

var messagesCmd = &cobra.Command{
	Use:     "messages",
	Aliases: []string{"msg"},
	Short:   "Read and append session messages",
}

var messagesListCmd = &cobra.Command{
	Use:     "list <session>",
	Aliases: []string{"ls"},
	Short:   "List a session's messages in order",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return messagesListRun(args[0])
	},
}

var messagesAppendCmd = &cobra.Command{
	Use:   "append <session>",
	Short: "Append a message (or update the one with the same --external-id)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return messagesAppendRun(args[0], cmd.Flags().Changed("cost"))
	},
}

func init() {
	messagesListCmd.Flags().BoolVar(&messageFull, "full", false, "Print full message text instead of a table")

	messagesAppendCmd.Flags().StringVar(&messageType, "type", "user", "Message type: user, assistant, system, error")
	messagesAppendCmd.Flags().StringVar(&messageText, "text", "", "Message text (required)")
	messagesAppendCmd.Flags().StringVar(&messageExternalID, "external-id", "", "Dedup key from the producing system")
	messagesAppendCmd.Flags().StringVar(&messageModel, "model", "", "Model that produced the message")
	messagesAppendCmd.Flags().Float64Var(&messageCost, "cost", 0, "Cost in USD")
	_ = messagesAppendCmd.MarkFlagRequired("text")

	messagesCmd.AddCommand(messagesListCmd)
	messagesCmd.AddCommand(messagesAppendCmd)
	rootCmd.AddCommand(messagesCmd)
}

// summarize renders a message body on one line: its text, or the tools it
// used when it has none.
func summarize(m *models.Message) string {
	if text := strings.TrimSpace(m.PlainText()); text != "" {
		return strings.Join(strings.Fields(text), " ")
	}
	var parts []string
	for _, b := range m.Content {
		switch b.Type {
		case models.BlockToolUse:
			parts = append(parts, "tool_use:"+b.Name)
		case models.BlockToolResult:
			parts = append(parts, "tool_result")
		case models.BlockThinking:
			parts = append(parts, "thinking")
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func messagesListRun(ref string) error {
	a, err := cliApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findSession(ctx, a, ref)
	if err != nil {
		return err
	}
	msgs, err := a.Messages.List(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		ui.Info("No messages.")
		return nil
	}

	if messageFull {
		for _, m := range msgs {
			fmt.Fprintf(ui.Out, "%s %s\n", output.Cyan(fmt.Sprintf("#%d %s", m.Seq, m.Type)), m.CreatedAt.Local().Format("15:04:05"))
			fmt.Fprintln(ui.Out, m.PlainText())
			fmt.Fprintln(ui.Out)
		}
		return nil
	}

	var total float64
	table := ui.Table([]string{"Seq", "Type", "Message", "Cost"})
	for _, m := range msgs {
		cost := ""
		if m.Cost != nil {
			cost = fmt.Sprintf("$%.4f", *m.Cost)
			total += *m.Cost
		}
		_ = table.Append([]string{
			fmt.Sprintf("%d", m.Seq),
			string(m.Type),
			output.Truncate(summarize(m), 80),
			cost,
		})
	}
	_ = table.Render()
	if total > 0 {
		ui.VerboseLog("Total cost: $%.4f", total)
	}
	return nil
}

func messagesAppendRun(ref string, withCost bool) error {
	rec := messagelog.Record{
		ExternalID: messageExternalID,
		Type:       models.MessageType(messageType),
		Content:    []models.ContentBlock{models.TextBlock(messageText)},
		Model:      messageModel,
	}
	if withCost {
		cost := messageCost
		rec.Cost = &cost
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
		ui.DryRunMsg("Would append %s message to %s", messageType, shortID(sess.ID))
		return nil
	}
	id, err := a.Messages.Append(ctx, sess.ID, rec)
	if err != nil {
		return err
	}
	ui.Success("Stored message %s", output.Cyan(id))
	return nil
}
