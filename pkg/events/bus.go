// Package events provides the per-task progress event bus: an in-memory
// ordered tail with broadcast signaling for live SSE subscribers, backed by a
// best-effort durable log in the task_events table.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event types emitted during task execution.
const (
	TypeStart    = "start"
	TypeText     = "text"
	TypeToolUse  = "tool_use"
	TypeThinking = "thinking"
	TypeComplete = "complete"
	TypeError    = "error"
)

// Event is one progress record. Payload fields are keyed by event type and
// flattened alongside type and timestamp when serialized.
type Event struct {
	Type      string
	Payload   map[string]any
	Timestamp time.Time
}

// MarshalJSON flattens the payload into the top-level object so subscribers
// see {"type": "text", "content": ..., "timestamp": ...}.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		flat[k] = v
	}
	flat["type"] = e.Type
	flat["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(flat)
}

// Terminal reports whether the event ends its task's stream.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

type tail struct {
	events  []Event
	signal  chan struct{}
	waiters int
}

// Bus is the per-task event hub. Emit appends to the task's in-memory tail
// and wakes every waiter; the durable insert is best-effort and never fails
// the emitting task. Safe for concurrent use.
type Bus struct {
	db *sql.DB

	mu    sync.Mutex
	tails map[int64]*tail
}

// NewBus creates a Bus. db may be nil, which disables the durable log.
func NewBus(db *sql.DB) *Bus {
	return &Bus{
		db:    db,
		tails: make(map[int64]*tail),
	}
}

// Emit appends an event to the task's tail, releases all current waiters,
// and writes the event to the durable log. A durable write failure is logged
// and swallowed so a database hiccup cannot fail a running task.
func (b *Bus) Emit(ctx context.Context, taskID int64, eventType string, payload map[string]any) Event {
	event := Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	t := b.tails[taskID]
	if t == nil {
		t = &tail{signal: make(chan struct{})}
		b.tails[taskID] = t
	}
	t.events = append(t.events, event)
	close(t.signal)
	t.signal = make(chan struct{})
	b.mu.Unlock()

	if b.db != nil {
		if err := b.persist(ctx, taskID, event); err != nil {
			slog.Warn("Failed to persist task event",
				"task_id", taskID,
				"event_type", eventType,
				"error", err)
		}
	}
	return event
}

// Snapshot returns a copy of the task's events after the given index. An
// unknown task yields an empty snapshot.
func (b *Bus) Snapshot(taskID int64, afterIndex int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.tails[taskID]
	if t == nil || afterIndex >= len(t.events) {
		return nil
	}
	if afterIndex < 0 {
		afterIndex = 0
	}
	out := make([]Event, len(t.events)-afterIndex)
	copy(out, t.events[afterIndex:])
	return out
}

// Wait blocks until a new event is emitted for the task, the timeout elapses,
// or the context is cancelled. Returns true when woken by an emit. The signal
// is level-triggered at the call site: callers re-snapshot after waking, so
// an emit between Snapshot and Wait is never lost beyond one wakeup.
func (b *Bus) Wait(ctx context.Context, taskID int64, timeout time.Duration) bool {
	b.mu.Lock()
	t := b.tails[taskID]
	if t == nil {
		t = &tail{signal: make(chan struct{})}
		b.tails[taskID] = t
	}
	t.waiters++
	signal := t.signal
	b.mu.Unlock()
	defer b.releaseWaiter(taskID, t)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-signal:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// releaseWaiter drops a tail that only ever existed for waiters. Without
// this, waiting on an already-terminated task would leave a map entry that
// no Cleanup ever removes.
func (b *Bus) releaseWaiter(taskID int64, t *tail) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t.waiters--
	if t.waiters == 0 && len(t.events) == 0 && b.tails[taskID] == t {
		delete(b.tails, taskID)
	}
}

// Cleanup drops the task's in-memory tail and releases any pending waiters.
// Durable events remain in the log table.
func (b *Bus) Cleanup(taskID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.tails[taskID]
	if t == nil {
		return
	}
	close(t.signal)
	delete(b.tails, taskID)
}

// History reads the task's durable events in sequence order. Used by
// subscribers that arrive after Cleanup and by the chat timeline projection.
func (b *Bus) History(ctx context.Context, taskID int64) ([]Event, error) {
	if b.db == nil {
		return nil, nil
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT event_type, event_data, created_at
		FROM task_events
		WHERE task_id = $1
		ORDER BY sequence ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var event Event
		var data []byte
		if err := rows.Scan(&event.Type, &data, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// persist appends the event to the durable log with the next per-task
// sequence. The orchestrator is the single writer per task, so the
// max-plus-one read inside one transaction is race-free in practice; the
// UNIQUE(task_id, sequence) constraint catches anything else.
func (b *Bus) persist(ctx context.Context, taskID int64, event Event) error {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, event_data, sequence, created_at)
		SELECT $1, $2, $3, COALESCE(MAX(sequence), 0) + 1, $4
		FROM task_events WHERE task_id = $1`,
		taskID, event.Type, data, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}
