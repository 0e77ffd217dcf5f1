// Package chat owns chat configuration, the ordered message log, and the
// history projections used to prime agent turns.
package chat

import (
	"time"
)

// DefaultMaxTurns caps agent turns when a chat does not configure its own.
const DefaultMaxTurns = 50

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Chat is a conversation with its agent configuration.
type Chat struct {
	ID           int64          `json:"id"`
	Tenant       string         `json:"tenant"`
	SystemPrompt string         `json:"system_prompt"`
	Workspace    string         `json:"workspace,omitempty"`
	AllowedTools []string       `json:"allowed_tools"`
	MaxTurns     int            `json:"max_turns"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Message is one entry in a chat. Sequence is dense, 1-based, and strictly
// increasing within a chat.
type Message struct {
	ID           int64     `json:"id"`
	ChatID       int64     `json:"chat_id"`
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	Sequence     int       `json:"sequence"`
	TokensInput  int       `json:"tokens_input"`
	TokensOutput int       `json:"tokens_output"`
	CreatedAt    time.Time `json:"created_at"`
}

// HistoryEntry is the minimal role+content pair used to prime agent turns.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TimelineEntry is one element of the include_tools message projection:
// either a stored message or a per-turn text/tool_use event standing in for
// the concatenated assistant message.
type TimelineEntry struct {
	ID           int64     `json:"id,omitempty"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Sequence     int       `json:"sequence,omitempty"`
	TokensInput  int       `json:"tokens_input,omitempty"`
	TokensOutput int       `json:"tokens_output,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateParams are the inputs for creating a chat.
type CreateParams struct {
	Tenant       string
	SystemPrompt string
	Workspace    string
	AllowedTools []string
	MaxTurns     int
	Metadata     map[string]any
}

// UpdateParams are the patchable chat fields; nil means leave unchanged.
type UpdateParams struct {
	SystemPrompt *string
	Workspace    *string
	AllowedTools []string
	MaxTurns     *int
	Metadata     map[string]any
}

// Usage aggregates token totals over messages.
type Usage struct {
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
	MessageCount      int64 `json:"message_count"`
}
