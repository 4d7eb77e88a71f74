package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/agentdesk/internal/models"
)

// maxExcerpt bounds how much conversation text is sent for titling.
const maxExcerpt = 6000

// TitleSuggestion is the LLM's naming of a session.
type TitleSuggestion struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Client wraps the Anthropic API for session titling.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// excerpt renders the opening user and assistant turns as plain text.
func excerpt(msgs []*models.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Type != models.MessageTypeUser && m.Type != models.MessageTypeAssistant {
			continue
		}
		text := strings.TrimSpace(m.PlainText())
		if text == "" {
			continue
		}
		line := fmt.Sprintf("%s: %s\n", m.Type, text)
		if sb.Len()+len(line) > maxExcerpt {
			remaining := maxExcerpt - sb.Len()
			if remaining > 0 {
				sb.WriteString(line[:remaining])
			}
			break
		}
		sb.WriteString(line)
	}
	return sb.String()
}

// buildTitlePrompt constructs the system and user prompts for session titling.
func buildTitlePrompt(msgs []*models.Message) (system string, user string) {
	system = `You name coding-agent sessions for a session list. Given the opening of a conversation between a developer and a coding agent, return a JSON object with exactly two fields:

- "title": 3-7 words in sentence case describing the task, no trailing punctuation
- "summary": one sentence describing what the developer asked for

Rules:
- Return valid JSON only, no markdown fencing or explanation
- Describe the task, not the agent's reply
- Prefer concrete nouns from the conversation (file, feature, bug names)`

	user = "Conversation:\n\n" + excerpt(msgs)
	return
}

// stripFence removes a surrounding markdown code fence if present.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// parseTitle decodes the model's answer.
func parseTitle(text string) (*TitleSuggestion, error) {
	var s TitleSuggestion
	if err := json.Unmarshal([]byte(stripFence(text)), &s); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	s.Title = strings.TrimSpace(strings.TrimRight(s.Title, ".!"))
	if s.Title == "" {
		return nil, fmt.Errorf("LLM returned an empty title")
	}
	return &s, nil
}

// SuggestTitle asks the model for a session title based on its messages.
func (c *Client) SuggestTitle(ctx context.Context, msgs []*models.Message) (*TitleSuggestion, error) {
	systemPrompt, userPrompt := buildTitlePrompt(msgs)
	if strings.TrimSpace(strings.TrimPrefix(userPrompt, "Conversation:")) == "" {
		return nil, fmt.Errorf("session has no conversation to title")
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 256,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}
	return parseTitle(text)
}
