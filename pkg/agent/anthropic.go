package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
)

// defaultMaxTokens caps one model completion.
const defaultMaxTokens = 8192

// MessagesClient is the subset of the Anthropic SDK used by the runner. It is
// satisfied by *sdk.MessageService, so tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicRunner drives the Claude Messages API with a bounded tool loop.
// Tool calls surfaced by the model are answered through the configured
// ToolHandler and fed back until the model stops requesting tools or the
// turn cap is reached.
type AnthropicRunner struct {
	client  MessagesClient
	handler ToolHandler
}

// NewAnthropicRunner builds a runner from an API key. The handler answers
// tool calls; nil installs a handler that reports every tool unavailable.
func NewAnthropicRunner(apiKey string, handler ToolHandler) (*AnthropicRunner, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicRunnerWithClient(&client.Messages, handler), nil
}

// NewAnthropicRunnerWithClient builds a runner over an existing Messages
// client.
func NewAnthropicRunnerWithClient(client MessagesClient, handler ToolHandler) *AnthropicRunner {
	if handler == nil {
		handler = unavailableHandler{}
	}
	return &AnthropicRunner{client: client, handler: handler}
}

type unavailableHandler struct{}

func (unavailableHandler) Handle(_ context.Context, name string, _ json.RawMessage) (string, bool) {
	return fmt.Sprintf("tool %q is not available in this environment", name), true
}

// Run starts the tool loop in a goroutine and returns a lazy stream over its
// output. The loop stops producing as soon as the consumer stops reading and
// the context is cancelled.
func (r *AnthropicRunner) Run(ctx context.Context, req Request) (Stream, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if req.Model == "" {
		return nil, fmt.Errorf("model identifier is required")
	}
	if req.MaxTurns <= 0 {
		req.MaxTurns = 1
	}

	s := &channelStream{ch: make(chan streamItem)}
	go r.loop(ctx, req, s)
	return s, nil
}

type streamItem struct {
	msg Message
	err error
}

type channelStream struct {
	ch   chan streamItem
	done bool
}

// Next implements Stream.
func (s *channelStream) Next() (Message, error) {
	if s.done {
		return nil, io.EOF
	}
	item, ok := <-s.ch
	if !ok {
		s.done = true
		return nil, io.EOF
	}
	if item.err != nil {
		s.done = true
		return nil, item.err
	}
	return item.msg, nil
}

func (s *channelStream) send(ctx context.Context, item streamItem) bool {
	select {
	case s.ch <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *AnthropicRunner) loop(ctx context.Context, req Request, s *channelStream) {
	defer close(s.ch)

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: defaultMaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if tools := encodeTools(req.AllowedTools); len(tools) > 0 {
		params.Tools = tools
	}

	var inputTokens, outputTokens int

	for turn := 0; turn < req.MaxTurns; turn++ {
		msg, err := r.client.New(ctx, params)
		if err != nil {
			s.send(ctx, streamItem{err: fmt.Errorf("anthropic messages.new: %w", err)})
			return
		}
		inputTokens += int(msg.Usage.InputTokens)
		outputTokens += int(msg.Usage.OutputTokens)

		assistant, toolUses := translateContent(msg)
		if len(assistant.Blocks) > 0 {
			if !s.send(ctx, streamItem{msg: assistant}) {
				return
			}
		}

		if msg.StopReason != "tool_use" || len(toolUses) == 0 {
			break
		}

		// Feed the assistant turn and our tool results back into the
		// conversation and go around again.
		params.Messages = append(params.Messages, msg.ToParam())
		results := make([]sdk.ContentBlockParamUnion, 0, len(toolUses))
		for _, use := range toolUses {
			result, isError := r.handler.Handle(ctx, use.Name, use.Input)
			results = append(results, sdk.NewToolResultBlock(use.ID, result, isError))
		}
		params.Messages = append(params.Messages, sdk.NewUserMessage(results...))

		if turn == req.MaxTurns-1 {
			slog.Warn("Agent run hit turn cap", "max_turns", req.MaxTurns)
		}
	}

	s.send(ctx, streamItem{msg: Result{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		SessionID:    sessionID,
	}})
}

func translateContent(msg *sdk.Message) (Assistant, []ToolUseBlock) {
	var assistant Assistant
	var toolUses []ToolUseBlock

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			assistant.Blocks = append(assistant.Blocks, TextBlock{Text: block.Text})
		case "tool_use":
			use := ToolUseBlock{
				ID:    block.ID,
				Name:  block.Name,
				Input: json.RawMessage(block.Input),
			}
			assistant.Blocks = append(assistant.Blocks, use)
			toolUses = append(toolUses, use)
		}
	}
	return assistant, toolUses
}

// encodeTools advertises the allowed tools with a permissive input schema.
// The handler decides at call time whether a tool is actually runnable.
func encodeTools(names []string) []sdk.ToolUnionParam {
	tools := make([]sdk.ToolUnionParam, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{
			ExtraFields: map[string]any{"type": "object"},
		}, name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(fmt.Sprintf("Invoke the %s tool.", name))
		}
		tools = append(tools, u)
	}
	return tools
}
