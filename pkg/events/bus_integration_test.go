package events_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otomata/otomata/pkg/events"
	"github.com/otomata/otomata/pkg/tasks"
	util "github.com/otomata/otomata/test/util"
)

func TestEmitPersistsHistory(t *testing.T) {
	db := util.SetupTestDatabase(t)
	bus := events.NewBus(db)
	store := tasks.NewStore(db)
	ctx := context.Background()

	taskID, err := store.Create(ctx, tasks.CreateParams{Type: tasks.TypeAgent, Prompt: "hi"})
	require.NoError(t, err)

	bus.Emit(ctx, taskID, events.TypeStart, map[string]any{"model": "m"})
	bus.Emit(ctx, taskID, events.TypeText, map[string]any{"content": "hello", "turn": 1})
	bus.Emit(ctx, taskID, events.TypeComplete, map[string]any{"tool_count": 0})
	bus.Cleanup(taskID)

	// History reads the durable log, so it survives tail cleanup.
	history, err := bus.History(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, events.TypeStart, history[0].Type)
	assert.Equal(t, events.TypeText, history[1].Type)
	assert.Equal(t, events.TypeComplete, history[2].Type)
	assert.Equal(t, "hello", history[1].Payload["content"])

	other, err := store.Create(ctx, tasks.CreateParams{Type: tasks.TypeAgent, Prompt: "yo"})
	require.NoError(t, err)
	history, err = bus.History(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, history)
}
