package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// toolSummaryLimit caps the rendered length of a shell command in a tool_use
// timeline entry.
const toolSummaryLimit = 80

// taskEventRecord is the slice of the durable event log the projection needs.
type taskEventRecord struct {
	Type      string
	Data      json.RawMessage
	CreatedAt time.Time
}

// GetChatWithMessages fetches a chat together with its ordered messages.
func (s *Store) GetChatWithMessages(ctx context.Context, id int64) (*Chat, []*Message, error) {
	c, err := s.GetChat(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.Messages(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return c, messages, nil
}

// ListMessages returns the chat timeline. With includeTools set, each
// assistant message is replaced by the fine-grained text and tool_use events
// of the task that produced it, read from the durable event log. Tasks are
// matched to user messages by creation order: the k-th user message pairs
// with the k-th task of the chat.
func (s *Store) ListMessages(ctx context.Context, chatID int64, includeTools bool) ([]TimelineEntry, error) {
	messages, err := s.Messages(ctx, chatID)
	if err != nil {
		return nil, err
	}

	if !includeTools {
		out := make([]TimelineEntry, 0, len(messages))
		for _, m := range messages {
			out = append(out, messageEntry(m))
		}
		return out, nil
	}

	eventsByTask, err := s.chatTaskEvents(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return buildTimeline(messages, eventsByTask), nil
}

// chatTaskEvents loads the text and tool_use events for every task of the
// chat, grouped per task in chronological task order.
func (s *Store) chatTaskEvents(ctx context.Context, chatID int64) ([][]taskEventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.task_id, e.event_type, e.event_data, e.created_at
		FROM task_events e
		JOIN tasks t ON t.id = e.task_id
		WHERE t.chat_id = $1 AND e.event_type IN ('text', 'tool_use')
		ORDER BY t.created_at ASC, t.id ASC, e.sequence ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task events for chat %d: %w", chatID, err)
	}
	defer rows.Close()

	var grouped [][]taskEventRecord
	var lastTaskID int64
	for rows.Next() {
		var taskID int64
		var record taskEventRecord
		if err := rows.Scan(&taskID, &record.Type, &record.Data, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		if len(grouped) == 0 || taskID != lastTaskID {
			grouped = append(grouped, nil)
			lastTaskID = taskID
		}
		grouped[len(grouped)-1] = append(grouped[len(grouped)-1], record)
	}
	return grouped, rows.Err()
}

// buildTimeline walks the stored messages in sequence order. User messages
// pass through and advance the task cursor; each assistant message is swapped
// for its task's events when that task produced any, and kept as-is otherwise.
func buildTimeline(messages []*Message, eventsByTask [][]taskEventRecord) []TimelineEntry {
	var out []TimelineEntry
	taskIndex := -1

	for _, m := range messages {
		if m.Role == RoleUser {
			taskIndex++
			out = append(out, messageEntry(m))
			continue
		}

		if taskIndex >= 0 && taskIndex < len(eventsByTask) && len(eventsByTask[taskIndex]) > 0 {
			for _, event := range eventsByTask[taskIndex] {
				out = append(out, eventEntry(m, event))
			}
			continue
		}
		out = append(out, messageEntry(m))
	}
	return out
}

func messageEntry(m *Message) TimelineEntry {
	return TimelineEntry{
		ID:           m.ID,
		Role:         string(m.Role),
		Content:      m.Content,
		Sequence:     m.Sequence,
		TokensInput:  m.TokensInput,
		TokensOutput: m.TokensOutput,
		CreatedAt:    m.CreatedAt,
	}
}

func eventEntry(m *Message, event taskEventRecord) TimelineEntry {
	entry := TimelineEntry{
		Role:      string(RoleAssistant),
		CreatedAt: event.CreatedAt,
	}

	var data struct {
		Content string          `json:"content"`
		Tool    string          `json:"tool"`
		Input   json.RawMessage `json:"input"`
	}
	_ = json.Unmarshal(event.Data, &data)

	switch event.Type {
	case "tool_use":
		entry.Role = "tool"
		entry.Content = summarizeToolUse(data.Tool, data.Input)
	default:
		entry.Content = data.Content
	}
	return entry
}

// summarizeToolUse renders a tool invocation as a short human-readable line:
// the tool name plus its most salient input field.
func summarizeToolUse(tool string, input json.RawMessage) string {
	var fields struct {
		Command  string `json:"command"`
		FilePath string `json:"file_path"`
		Pattern  string `json:"pattern"`
	}
	_ = json.Unmarshal(input, &fields)

	switch tool {
	case "Bash":
		command := fields.Command
		if len(command) > toolSummaryLimit {
			command = command[:toolSummaryLimit] + "..."
		}
		if command == "" {
			return tool
		}
		return fmt.Sprintf("%s: %s", tool, command)
	case "Read", "Write", "Edit":
		if fields.FilePath == "" {
			return tool
		}
		return fmt.Sprintf("%s: %s", tool, fields.FilePath)
	case "Glob", "Grep":
		if fields.Pattern == "" {
			return tool
		}
		return fmt.Sprintf("%s: %s", tool, fields.Pattern)
	}
	return tool
}
