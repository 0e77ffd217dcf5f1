// Package agent defines the black-box contract between the task executor and
// the model runtime: a lazy, finite stream of typed messages produced by one
// agent run.
package agent

import (
	"context"
	"encoding/json"
)

// Request describes one agent run.
type Request struct {
	// Prompt is the rendered user turn, including any conversation history.
	Prompt string
	// SystemPrompt configures the agent's behavior.
	SystemPrompt string
	// Model is the model identifier.
	Model string
	// Workspace is the working directory for tool execution.
	Workspace string
	// AllowedTools restricts which tools the agent may call.
	AllowedTools []string
	// MaxTurns caps the number of model round-trips.
	MaxTurns int
	// Env holds extra environment variables for tool subprocesses.
	Env map[string]string
	// SessionID resumes a previous run when set.
	SessionID string
}

// Block is one content block of an assistant message.
type Block interface {
	isBlock()
}

// TextBlock is a text content block.
type TextBlock struct {
	Text string
}

func (TextBlock) isBlock() {}

// ToolUseBlock is a tool invocation content block.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

func (ToolUseBlock) isBlock() {}

// Message is one element of the agent's output stream.
type Message interface {
	isMessage()
}

// Assistant carries the ordered content blocks of one model turn.
type Assistant struct {
	Blocks []Block
}

func (Assistant) isMessage() {}

// Result is the final stream element carrying usage totals and the session
// identifier for a later resume.
type Result struct {
	InputTokens  int
	OutputTokens int
	SessionID    string
}

func (Result) isMessage() {}

// Stream is a lazy, finite, non-restartable message sequence. Next returns
// io.EOF after the last message. A mid-stream failure is returned as a
// non-EOF error and ends the stream.
type Stream interface {
	Next() (Message, error)
}

// Runner starts agent runs.
type Runner interface {
	Run(ctx context.Context, req Request) (Stream, error)
}

// ToolHandler executes one tool call on behalf of the agent. The returned
// string is fed back to the model as the tool result; isError marks it as a
// failure result.
type ToolHandler interface {
	Handle(ctx context.Context, name string, input json.RawMessage) (result string, isError bool)
}

// ToolHandlerFunc adapts a function to the ToolHandler interface.
type ToolHandlerFunc func(ctx context.Context, name string, input json.RawMessage) (string, bool)

// Handle implements ToolHandler.
func (f ToolHandlerFunc) Handle(ctx context.Context, name string, input json.RawMessage) (string, bool) {
	return f(ctx, name, input)
}
