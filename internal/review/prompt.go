package review

import (
	"fmt"
	"strings"

	"github.com/joescharf/agentdesk/internal/models"
)

// FormatThreads renders open review threads for the agent, one block per
// thread with its replies indented beneath.
func FormatThreads(threads []*models.CommentThread) string {
	if len(threads) == 0 {
		return "No pending review comments."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d pending review comment(s):\n", len(threads))
	for _, th := range threads {
		c := th.Comment
		b.WriteString("\n")
		fmt.Fprintf(&b, "[%s] %s:%d", c.ID, c.FilePath, c.LineNumber)
		if c.LineType != "" {
			fmt.Fprintf(&b, " (%s)", c.LineType)
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "  %s: %s\n", c.Author, c.Body)
		for _, r := range th.Replies {
			fmt.Fprintf(&b, "    %s: %s\n", r.Author, r.Body)
		}
	}
	b.WriteString("\nAddress each comment, reply with reply_to_comment, and call resolve_comment when done.\n")
	return b.String()
}

// BuildKickoffPrompt is the prompt that resumes an agent to work through
// pending review comments.
func BuildKickoffPrompt(threads []*models.CommentThread) string {
	var b strings.Builder
	b.WriteString("The reviewer left comments on your changes. ")
	b.WriteString("Fetch them with get_pending_comments, fix each one, run the tests, ")
	b.WriteString("then reply and resolve.\n\n")
	b.WriteString(FormatThreads(threads))
	return b.String()
}
