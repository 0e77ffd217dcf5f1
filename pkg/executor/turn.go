package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/otomata/otomata/pkg/agent"
	"github.com/otomata/otomata/pkg/chat"
	"github.com/otomata/otomata/pkg/events"
	"github.com/otomata/otomata/pkg/tasks"
)

// ChatReader is the slice of the chat store the orchestrator needs.
type ChatReader interface {
	GetChat(ctx context.Context, id int64) (*chat.Chat, error)
	History(ctx context.Context, chatID int64) ([]chat.HistoryEntry, error)
	AppendMessage(ctx context.Context, chatID int64, role chat.Role, content string, tokensInput, tokensOutput int) (int, error)
}

// SessionUpdater records the agent session id for a later resume.
type SessionUpdater interface {
	UpdateSessionID(ctx context.Context, id int64, sessionID string) error
}

// TurnRunner orchestrates one agent turn: it renders the prompt, drives the
// agent's message stream, emits progress events, and persists the exchange
// to the chat on success.
type TurnRunner struct {
	chats    ChatReader
	sessions SessionUpdater
	bus      *events.Bus
	runner   agent.Runner
	model    string
}

// NewTurnRunner creates a TurnRunner.
func NewTurnRunner(chats ChatReader, sessions SessionUpdater, bus *events.Bus, runner agent.Runner, model string) *TurnRunner {
	return &TurnRunner{
		chats:    chats,
		sessions: sessions,
		bus:      bus,
		runner:   runner,
		model:    model,
	}
}

// turnResult is the stored result payload of an agent task.
type turnResult struct {
	Success      bool   `json:"success"`
	Output       string `json:"output"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	ToolCount    int    `json:"tool_count"`
}

// Run executes the agent task. Tasks bound to a chat get the full history
// rendered into the prompt and the exchange appended on success; standalone
// tasks run a single turn with empty history and persist nothing.
func (t *TurnRunner) Run(ctx context.Context, task *tasks.Task, secretValues map[string]string) (result json.RawMessage, err error) {
	// Secrets live in the process environment only for the duration of the
	// run. Prior values are restored on every exit path.
	restore := injectEnv(secretValues)
	defer restore()
	defer t.bus.Cleanup(task.ID)

	req := agent.Request{
		Prompt:    task.Prompt,
		Model:     t.model,
		Workspace: task.Workspace,
		SessionID: task.SessionID,
		Env:       secretValues,
		MaxTurns:  chat.DefaultMaxTurns,
	}

	var chatConfig *chat.Chat
	if task.ChatID != nil {
		chatConfig, err = t.chats.GetChat(ctx, *task.ChatID)
		if err != nil {
			return nil, fmt.Errorf("failed to load chat %d: %w", *task.ChatID, err)
		}
		history, err := t.chats.History(ctx, *task.ChatID)
		if err != nil {
			return nil, fmt.Errorf("failed to load history for chat %d: %w", *task.ChatID, err)
		}
		req.Prompt = renderPrompt(history, task.Prompt)
		req.SystemPrompt = chatConfig.SystemPrompt
		req.AllowedTools = chatConfig.AllowedTools
		req.MaxTurns = chatConfig.MaxTurns
		if chatConfig.Workspace != "" {
			req.Workspace = chatConfig.Workspace
		}
	}

	t.bus.Emit(ctx, task.ID, events.TypeStart, map[string]any{"model": t.model})

	outcome, err := t.consume(ctx, task.ID, req)
	if err != nil {
		t.bus.Emit(ctx, task.ID, events.TypeError, map[string]any{"error": err.Error()})
		return nil, err
	}

	t.bus.Emit(ctx, task.ID, events.TypeComplete, map[string]any{
		"tool_count":    outcome.ToolCount,
		"input_tokens":  outcome.InputTokens,
		"output_tokens": outcome.OutputTokens,
	})

	if chatConfig != nil {
		if _, err := t.chats.AppendMessage(ctx, chatConfig.ID, chat.RoleUser, task.Prompt, 0, 0); err != nil {
			return nil, fmt.Errorf("failed to persist user message: %w", err)
		}
		if _, err := t.chats.AppendMessage(ctx, chatConfig.ID, chat.RoleAssistant, outcome.Output,
			outcome.InputTokens, outcome.OutputTokens); err != nil {
			return nil, fmt.Errorf("failed to persist assistant message: %w", err)
		}
	}

	encoded, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to encode turn result: %w", err)
	}
	return encoded, nil
}

// consume drives the agent stream to completion, emitting text, tool_use,
// and thinking events as blocks arrive.
func (t *TurnRunner) consume(ctx context.Context, taskID int64, req agent.Request) (*turnResult, error) {
	stream, err := t.runner.Run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to start agent run: %w", err)
	}

	var response strings.Builder
	outcome := &turnResult{Success: true}
	turn := 0

	for {
		msg, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch m := msg.(type) {
		case agent.Assistant:
			turn++
			textBlocks, toolBlocks := 0, 0
			for _, block := range m.Blocks {
				switch b := block.(type) {
				case agent.TextBlock:
					textBlocks++
					response.WriteString(b.Text)
					t.bus.Emit(ctx, taskID, events.TypeText, map[string]any{
						"content": b.Text,
						"turn":    turn,
					})
				case agent.ToolUseBlock:
					toolBlocks++
					outcome.ToolCount++
					t.bus.Emit(ctx, taskID, events.TypeToolUse, map[string]any{
						"tool":  b.Name,
						"count": outcome.ToolCount,
						"input": json.RawMessage(b.Input),
					})
				}
			}
			if textBlocks > 0 && toolBlocks == 0 {
				t.bus.Emit(ctx, taskID, events.TypeThinking, map[string]any{"turn": turn})
			}
		case agent.Result:
			outcome.InputTokens = m.InputTokens
			outcome.OutputTokens = m.OutputTokens
			if m.SessionID != "" && t.sessions != nil {
				if err := t.sessions.UpdateSessionID(ctx, taskID, m.SessionID); err != nil {
					return nil, fmt.Errorf("failed to record session id: %w", err)
				}
			}
		}
	}

	outcome.Output = response.String()
	return outcome, nil
}

// renderPrompt flattens the chat history into alternating User/Assistant
// blocks followed by the new user message.
func renderPrompt(history []chat.HistoryEntry, newMessage string) string {
	if len(history) == 0 {
		return newMessage
	}

	var b strings.Builder
	b.WriteString("Previous conversation:\n\n")
	for _, entry := range history {
		switch entry.Role {
		case chat.RoleUser:
			b.WriteString("User: ")
		case chat.RoleAssistant:
			b.WriteString("Assistant: ")
		}
		b.WriteString(entry.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("User's new message: ")
	b.WriteString(newMessage)
	return b.String()
}

// injectEnv exports the values into the process environment and returns a
// function restoring the previous state.
func injectEnv(values map[string]string) func() {
	if len(values) == 0 {
		return func() {}
	}

	type prior struct {
		value  string
		wasSet bool
	}
	saved := make(map[string]prior, len(values))
	for key, value := range values {
		old, ok := os.LookupEnv(key)
		saved[key] = prior{value: old, wasSet: ok}
		os.Setenv(key, value)
	}

	return func() {
		for key, p := range saved {
			if p.wasSet {
				os.Setenv(key, p.value)
			} else {
				os.Unsetenv(key)
			}
		}
	}
}
