package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusSnapshot(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	bus.Emit(ctx, 1, TypeStart, map[string]any{"model": "m"})
	bus.Emit(ctx, 1, TypeText, map[string]any{"content": "hello"})
	bus.Emit(ctx, 2, TypeStart, nil)

	all := bus.Snapshot(1, 0)
	require.Len(t, all, 2)
	assert.Equal(t, TypeStart, all[0].Type)
	assert.Equal(t, TypeText, all[1].Type)

	rest := bus.Snapshot(1, 1)
	require.Len(t, rest, 1)
	assert.Equal(t, "hello", rest[0].Payload["content"])

	assert.Nil(t, bus.Snapshot(1, 2))
	assert.Nil(t, bus.Snapshot(99, 0))
}

func TestBusWaitWokenByEmit(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	woken := make(chan bool, 1)
	go func() {
		woken <- bus.Wait(ctx, 1, 5*time.Second)
	}()

	// Give the waiter time to register on the signal channel.
	time.Sleep(20 * time.Millisecond)
	bus.Emit(ctx, 1, TypeText, map[string]any{"content": "x"})

	select {
	case ok := <-woken:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestBusWaitTimeout(t *testing.T) {
	bus := NewBus(nil)
	ok := bus.Wait(context.Background(), 1, 10*time.Millisecond)
	assert.False(t, ok)
}

func TestBusWaitContextCancelled(t *testing.T) {
	bus := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := bus.Wait(ctx, 1, time.Second)
	assert.False(t, ok)
}

func TestBusEmitReleasesAllWaiters(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	const waiters = 5
	var wg sync.WaitGroup
	results := make(chan bool, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- bus.Wait(ctx, 1, 5*time.Second)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	bus.Emit(ctx, 1, TypeComplete, nil)
	wg.Wait()
	close(results)

	for ok := range results {
		assert.True(t, ok)
	}
}

func TestBusWaitDoesNotLeakTails(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	// A timed-out wait on a task with no events, such as one whose tail was
	// already cleaned up, must not leave a tail behind.
	bus.Emit(ctx, 1, TypeComplete, nil)
	bus.Cleanup(1)
	assert.False(t, bus.Wait(ctx, 1, 10*time.Millisecond))

	assert.False(t, bus.Wait(ctx, 99, 10*time.Millisecond))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Empty(t, bus.tails)
}

func TestBusCleanupReleasesWaiters(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	bus.Emit(ctx, 1, TypeStart, nil)

	woken := make(chan bool, 1)
	go func() {
		woken <- bus.Wait(ctx, 1, 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)

	bus.Cleanup(1)

	select {
	case <-woken:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup did not release waiter")
	}

	assert.Nil(t, bus.Snapshot(1, 0))
	// Cleanup of an unknown task is a no-op.
	bus.Cleanup(42)
}

func TestEventMarshalFlattensPayload(t *testing.T) {
	event := Event{
		Type:      TypeToolUse,
		Payload:   map[string]any{"tool": "Bash", "count": 1},
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "tool_use", got["type"])
	assert.Equal(t, "Bash", got["tool"])
	assert.Equal(t, float64(1), got["count"])
	assert.Equal(t, "2026-03-01T12:00:00Z", got["timestamp"])
}

func TestEventTerminal(t *testing.T) {
	assert.True(t, Event{Type: TypeComplete}.Terminal())
	assert.True(t, Event{Type: TypeError}.Terminal())
	assert.False(t, Event{Type: TypeText}.Terminal())
	assert.False(t, Event{Type: TypeStart}.Terminal())
}
