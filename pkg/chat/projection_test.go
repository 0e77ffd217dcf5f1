package chat

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSummarizeToolUse(t *testing.T) {
	t.Run("bash command", func(t *testing.T) {
		got := summarizeToolUse("Bash", json.RawMessage(`{"command":"ls -la /tmp"}`))
		assert.Equal(t, "Bash: ls -la /tmp", got)
	})

	t.Run("bash command truncated at 80", func(t *testing.T) {
		long := strings.Repeat("x", 120)
		got := summarizeToolUse("Bash", json.RawMessage(`{"command":"`+long+`"}`))
		assert.Equal(t, "Bash: "+strings.Repeat("x", 80)+"...", got)
	})

	t.Run("file tools", func(t *testing.T) {
		for _, tool := range []string{"Read", "Write", "Edit"} {
			got := summarizeToolUse(tool, json.RawMessage(`{"file_path":"/etc/hosts"}`))
			assert.Equal(t, tool+": /etc/hosts", got)
		}
	})

	t.Run("search tools", func(t *testing.T) {
		for _, tool := range []string{"Glob", "Grep"} {
			got := summarizeToolUse(tool, json.RawMessage(`{"pattern":"*.go"}`))
			assert.Equal(t, tool+": *.go", got)
		}
	})

	t.Run("unknown tool falls back to name", func(t *testing.T) {
		assert.Equal(t, "WebFetch", summarizeToolUse("WebFetch", json.RawMessage(`{"url":"https://example.com"}`)))
	})

	t.Run("missing salient field falls back to name", func(t *testing.T) {
		assert.Equal(t, "Bash", summarizeToolUse("Bash", json.RawMessage(`{}`)))
		assert.Equal(t, "Read", summarizeToolUse("Read", nil))
	})
}

func TestBuildTimeline(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := func(seq int, role Role, content string) *Message {
		return &Message{
			ID:        int64(seq),
			Role:      role,
			Content:   content,
			Sequence:  seq,
			CreatedAt: base.Add(time.Duration(seq) * time.Minute),
		}
	}

	t.Run("assistant messages replaced by task events", func(t *testing.T) {
		messages := []*Message{
			msg(1, RoleUser, "list the files"),
			msg(2, RoleAssistant, "done"),
		}
		events := [][]taskEventRecord{
			{
				{Type: "text", Data: json.RawMessage(`{"content":"Listing files"}`), CreatedAt: base},
				{Type: "tool_use", Data: json.RawMessage(`{"tool":"Bash","input":{"command":"ls"}}`), CreatedAt: base},
				{Type: "text", Data: json.RawMessage(`{"content":"done"}`), CreatedAt: base},
			},
		}

		timeline := buildTimeline(messages, events)
		assert.Len(t, timeline, 4)
		assert.Equal(t, "user", timeline[0].Role)
		assert.Equal(t, "list the files", timeline[0].Content)
		assert.Equal(t, "assistant", timeline[1].Role)
		assert.Equal(t, "Listing files", timeline[1].Content)
		assert.Equal(t, "tool", timeline[2].Role)
		assert.Equal(t, "Bash: ls", timeline[2].Content)
		assert.Equal(t, "assistant", timeline[3].Role)
		assert.Equal(t, "done", timeline[3].Content)
	})

	t.Run("second user message pairs with second task", func(t *testing.T) {
		messages := []*Message{
			msg(1, RoleUser, "first"),
			msg(2, RoleAssistant, "reply one"),
			msg(3, RoleUser, "second"),
			msg(4, RoleAssistant, "reply two"),
		}
		events := [][]taskEventRecord{
			{{Type: "text", Data: json.RawMessage(`{"content":"from task one"}`), CreatedAt: base}},
			{{Type: "text", Data: json.RawMessage(`{"content":"from task two"}`), CreatedAt: base}},
		}

		timeline := buildTimeline(messages, events)
		assert.Len(t, timeline, 4)
		assert.Equal(t, "from task one", timeline[1].Content)
		assert.Equal(t, "from task two", timeline[3].Content)
	})

	t.Run("assistant message kept when task has no events", func(t *testing.T) {
		messages := []*Message{
			msg(1, RoleUser, "hello"),
			msg(2, RoleAssistant, "stored reply"),
		}

		timeline := buildTimeline(messages, nil)
		assert.Len(t, timeline, 2)
		assert.Equal(t, "stored reply", timeline[1].Content)
		assert.Equal(t, 2, timeline[1].Sequence)
	})

	t.Run("empty log", func(t *testing.T) {
		assert.Empty(t, buildTimeline(nil, nil))
	})
}
