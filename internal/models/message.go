package models

import (
	"encoding/json"
	"time"
)

// MessageType identifies who produced a message.
type MessageType string

const (
	MessageTypeUser      MessageType = "user"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeSystem    MessageType = "system"
	MessageTypeError     MessageType = "error"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeUser, MessageTypeAssistant, MessageTypeSystem, MessageTypeError:
		return true
	}
	return false
}

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one typed element of a message body.
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// TextBlock returns a single text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// Message is one entry in a session's conversation log.
type Message struct {
	ID         string
	SessionID  string
	Seq        int64
	ExternalID string
	Type       MessageType
	Content    []ContentBlock
	Cost       *float64
	Model      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PlainText concatenates the text blocks of a message.
func (m *Message) PlainText() string {
	var out string
	for _, b := range m.Content {
		if b.Type != BlockText || b.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}
