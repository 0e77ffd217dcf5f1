package tasks_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otomata/otomata/pkg/chat"
	"github.com/otomata/otomata/pkg/tasks"
	util "github.com/otomata/otomata/test/util"
)

func TestClaimFIFOOrder(t *testing.T) {
	db := util.SetupTestDatabase(t)
	store := tasks.NewStore(db)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := store.Create(ctx, tasks.CreateParams{
			Type:       tasks.TypeScript,
			ScriptPath: "/opt/run.sh",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, want := range ids {
		task, err := store.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, want, task.ID)
		assert.Equal(t, tasks.StatusRunning, task.Status)
		assert.Equal(t, "w1", task.ClaimedBy)
		require.NotNil(t, task.StartedAt)
	}

	task, err := store.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestConcurrentClaimExclusivity(t *testing.T) {
	db := util.SetupTestDatabase(t)
	store := tasks.NewStore(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, tasks.CreateParams{
			Type:       tasks.TypeScript,
			ScriptPath: "/opt/run.sh",
		})
		require.NoError(t, err)
	}

	const workers = 5
	var wg sync.WaitGroup
	claimed := make(chan *tasks.Task, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			task, err := store.Claim(ctx, string(rune('a'+n)))
			require.NoError(t, err)
			claimed <- task
		}(i)
	}
	wg.Wait()
	close(claimed)

	seen := make(map[int64]bool)
	empty := 0
	for task := range claimed {
		if task == nil {
			empty++
			continue
		}
		assert.False(t, seen[task.ID], "task %d claimed twice", task.ID)
		seen[task.ID] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, 2, empty)
}

func TestCompleteIsIdempotent(t *testing.T) {
	db := util.SetupTestDatabase(t)
	store := tasks.NewStore(db)
	ctx := context.Background()

	id, err := store.Create(ctx, tasks.CreateParams{Type: tasks.TypeScript, ScriptPath: "/x"})
	require.NoError(t, err)
	_, err = store.Claim(ctx, "w1")
	require.NoError(t, err)

	first := json.RawMessage(`{"success":true,"n":1}`)
	require.NoError(t, store.Complete(ctx, id, first))

	// A late duplicate settlement must not flip status or overwrite the
	// first result.
	require.NoError(t, store.Complete(ctx, id, json.RawMessage(`{"n":2}`)))
	require.NoError(t, store.Fail(ctx, id, "too late"))

	task, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, task.Status)
	assert.JSONEq(t, string(first), string(task.Result))
	assert.Empty(t, task.Error)
}

func TestRetryAndCancel(t *testing.T) {
	db := util.SetupTestDatabase(t)
	store := tasks.NewStore(db)
	ctx := context.Background()

	id, err := store.Create(ctx, tasks.CreateParams{Type: tasks.TypeScript, ScriptPath: "/x"})
	require.NoError(t, err)

	// Pending tasks are not retryable.
	retried, err := store.Retry(ctx, id)
	require.NoError(t, err)
	assert.False(t, retried)

	_, err = store.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, id, "boom"))

	retried, err = store.Retry(ctx, id)
	require.NoError(t, err)
	assert.True(t, retried)

	task, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, task.Status)
	assert.Empty(t, task.ClaimedBy)
	assert.Nil(t, task.StartedAt)
	assert.Empty(t, task.Error)

	// Pending again, so cancel deletes it.
	cancelled, err := store.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, tasks.ErrNotFound)

	cancelled, err = store.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestActiveForChat(t *testing.T) {
	db := util.SetupTestDatabase(t)
	store := tasks.NewStore(db)
	chats := chat.NewStore(db)
	ctx := context.Background()

	chatID, err := chats.CreateChat(ctx, chat.CreateParams{Tenant: "acme"})
	require.NoError(t, err)

	active, err := store.ActiveForChat(ctx, chatID)
	require.NoError(t, err)
	assert.Nil(t, active)

	id, err := store.Create(ctx, tasks.CreateParams{
		Type:   tasks.TypeAgent,
		Prompt: "hi",
		ChatID: &chatID,
	})
	require.NoError(t, err)

	active, err = store.ActiveForChat(ctx, chatID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, id, active.ID)

	_, err = store.Claim(ctx, "w1")
	require.NoError(t, err)

	// Running still blocks the chat.
	active, err = store.ActiveForChat(ctx, chatID)
	require.NoError(t, err)
	require.NotNil(t, active)

	require.NoError(t, store.Complete(ctx, id, nil))
	active, err = store.ActiveForChat(ctx, chatID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestUpdateSessionID(t *testing.T) {
	db := util.SetupTestDatabase(t)
	store := tasks.NewStore(db)
	ctx := context.Background()

	id, err := store.Create(ctx, tasks.CreateParams{Type: tasks.TypeAgent, Prompt: "hi"})
	require.NoError(t, err)
	require.NoError(t, store.UpdateSessionID(ctx, id, "sess-42"))

	task, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "sess-42", task.SessionID)
}
