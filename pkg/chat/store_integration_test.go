package chat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otomata/otomata/pkg/chat"
	"github.com/otomata/otomata/pkg/events"
	"github.com/otomata/otomata/pkg/tasks"
	util "github.com/otomata/otomata/test/util"
)

func TestChatCRUD(t *testing.T) {
	db := util.SetupTestDatabase(t)
	store := chat.NewStore(db)
	ctx := context.Background()

	id, err := store.CreateChat(ctx, chat.CreateParams{
		Tenant:       "acme",
		SystemPrompt: "be brief",
		AllowedTools: []string{"Bash", "Read"},
		Metadata:     map[string]any{"client_id": "c-9"},
	})
	require.NoError(t, err)

	got, err := store.GetChat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Tenant)
	assert.Equal(t, "be brief", got.SystemPrompt)
	assert.Equal(t, []string{"Bash", "Read"}, got.AllowedTools)
	assert.Equal(t, chat.DefaultMaxTurns, got.MaxTurns)
	assert.Equal(t, "c-9", got.Metadata["client_id"])

	newPrompt := "be thorough"
	maxTurns := 10
	require.NoError(t, store.UpdateChat(ctx, id, chat.UpdateParams{
		SystemPrompt: &newPrompt,
		MaxTurns:     &maxTurns,
	}))

	got, err = store.GetChat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "be thorough", got.SystemPrompt)
	assert.Equal(t, 10, got.MaxTurns)

	_, err = store.GetChat(ctx, 99999)
	assert.ErrorIs(t, err, chat.ErrNotFound)
	assert.ErrorIs(t, store.UpdateChat(ctx, 99999, chat.UpdateParams{SystemPrompt: &newPrompt}), chat.ErrNotFound)
}

func TestListChatsFilters(t *testing.T) {
	db := util.SetupTestDatabase(t)
	store := chat.NewStore(db)
	ctx := context.Background()

	_, err := store.CreateChat(ctx, chat.CreateParams{
		Tenant: "acme", Metadata: map[string]any{"client_id": "c-1"}})
	require.NoError(t, err)
	_, err = store.CreateChat(ctx, chat.CreateParams{
		Tenant: "acme", Metadata: map[string]any{"client_id": "c-2"}})
	require.NoError(t, err)
	_, err = store.CreateChat(ctx, chat.CreateParams{Tenant: "globex"})
	require.NoError(t, err)

	all, err := store.ListChats(ctx, "", nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	acme, err := store.ListChats(ctx, "acme", nil)
	require.NoError(t, err)
	assert.Len(t, acme, 2)

	filtered, err := store.ListChats(ctx, "acme", map[string]string{"client_id": "c-2"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "c-2", filtered[0].Metadata["client_id"])
}

func TestAppendMessageSequences(t *testing.T) {
	db := util.SetupTestDatabase(t)
	store := chat.NewStore(db)
	ctx := context.Background()

	id, err := store.CreateChat(ctx, chat.CreateParams{Tenant: "acme"})
	require.NoError(t, err)

	seq, err := store.AppendMessage(ctx, id, chat.RoleUser, "first", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	seq, err = store.AppendMessage(ctx, id, chat.RoleAssistant, "second", 10, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, seq)

	_, err = store.AppendMessage(ctx, 99999, chat.RoleUser, "x", 0, 0)
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestAppendMessageConcurrent(t *testing.T) {
	db := util.SetupTestDatabase(t)
	store := chat.NewStore(db)
	ctx := context.Background()

	id, err := store.CreateChat(ctx, chat.CreateParams{Tenant: "acme"})
	require.NoError(t, err)

	const appenders = 10
	var wg sync.WaitGroup
	for i := 0; i < appenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendMessage(ctx, id, chat.RoleUser, "m", 0, 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	messages, err := store.Messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, appenders)
	// Sequences stay dense and gapless under concurrent appends.
	for i, m := range messages {
		assert.Equal(t, i+1, m.Sequence)
	}
}

func TestHistoryOrder(t *testing.T) {
	db := util.SetupTestDatabase(t)
	store := chat.NewStore(db)
	ctx := context.Background()

	id, err := store.CreateChat(ctx, chat.CreateParams{Tenant: "acme"})
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, id, chat.RoleUser, "q1", 0, 0)
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, id, chat.RoleAssistant, "a1", 1, 2)
	require.NoError(t, err)

	history, err := store.History(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []chat.HistoryEntry{
		{Role: chat.RoleUser, Content: "q1"},
		{Role: chat.RoleAssistant, Content: "a1"},
	}, history)
}

func TestUsageAggregation(t *testing.T) {
	db := util.SetupTestDatabase(t)
	store := chat.NewStore(db)
	ctx := context.Background()

	acme, err := store.CreateChat(ctx, chat.CreateParams{Tenant: "acme"})
	require.NoError(t, err)
	globex, err := store.CreateChat(ctx, chat.CreateParams{Tenant: "globex"})
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, acme, chat.RoleAssistant, "a", 100, 50)
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, acme, chat.RoleAssistant, "b", 200, 75)
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, globex, chat.RoleAssistant, "c", 1000, 1000)
	require.NoError(t, err)

	usage, err := store.GetUsage(ctx, "acme", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(300), usage.TotalInputTokens)
	assert.Equal(t, int64(125), usage.TotalOutputTokens)
	assert.Equal(t, int64(2), usage.MessageCount)

	all, err := store.GetUsage(ctx, "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1300), all.TotalInputTokens)

	// A window entirely in the future matches nothing.
	future := time.Now().Add(time.Hour)
	none, err := store.GetUsage(ctx, "", &future, nil)
	require.NoError(t, err)
	assert.Zero(t, none.MessageCount)
}

func TestListMessagesTimelineFromEvents(t *testing.T) {
	db := util.SetupTestDatabase(t)
	store := chat.NewStore(db)
	taskStore := tasks.NewStore(db)
	bus := events.NewBus(db)
	ctx := context.Background()

	chatID, err := store.CreateChat(ctx, chat.CreateParams{Tenant: "acme"})
	require.NoError(t, err)

	taskID, err := taskStore.Create(ctx, tasks.CreateParams{
		Type: tasks.TypeAgent, Prompt: "list files", ChatID: &chatID})
	require.NoError(t, err)

	bus.Emit(ctx, taskID, events.TypeStart, map[string]any{"model": "m"})
	bus.Emit(ctx, taskID, events.TypeText, map[string]any{"content": "Listing", "turn": 1})
	bus.Emit(ctx, taskID, events.TypeToolUse, map[string]any{
		"tool": "Bash", "count": 1, "input": map[string]any{"command": "ls"}})
	bus.Emit(ctx, taskID, events.TypeComplete, map[string]any{"tool_count": 1})

	_, err = store.AppendMessage(ctx, chatID, chat.RoleUser, "list files", 0, 0)
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, chatID, chat.RoleAssistant, "Listing", 5, 2)
	require.NoError(t, err)

	plain, err := store.ListMessages(ctx, chatID, false)
	require.NoError(t, err)
	require.Len(t, plain, 2)
	assert.Equal(t, "assistant", plain[1].Role)

	timeline, err := store.ListMessages(ctx, chatID, true)
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, "user", timeline[0].Role)
	assert.Equal(t, "Listing", timeline[1].Content)
	assert.Equal(t, "tool", timeline[2].Role)
	assert.Equal(t, "Bash: ls", timeline[2].Content)
}
