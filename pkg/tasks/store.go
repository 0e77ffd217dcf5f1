package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("task not found")

const taskColumns = `id, task_type, status, script_path, params, prompt,
	session_id, workspace, chat_id, claimed_by, started_at, completed_at,
	error, result, created_at`

// Store persists tasks and implements the lifecycle transitions. It is the
// only component that rewrites task status.
type Store struct {
	db *sql.DB
}

// NewStore creates a task Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a pending task and returns its id.
func (s *Store) Create(ctx context.Context, p CreateParams) (int64, error) {
	if p.Type != TypeScript && p.Type != TypeAgent {
		return 0, fmt.Errorf("unknown task type: %q", p.Type)
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (task_type, status, script_path, params, prompt, session_id, workspace, chat_id)
		VALUES ($1, 'pending', $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		p.Type, nullable(p.ScriptPath), nullableJSON(p.Params), nullable(p.Prompt),
		nullable(p.SessionID), nullable(p.Workspace), p.ChatID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}
	return id, nil
}

// Claim atomically claims the oldest pending task for the given worker and
// transitions it to running. Returns nil when no task is claimable.
//
// The SELECT and the status transition run in one transaction with
// FOR UPDATE SKIP LOCKED, so concurrent workers neither serialize on each
// other nor observe the same task as claimable.
func (s *Store) Claim(ctx context.Context, workerID string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM tasks
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable task: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'running', claimed_by = $1, started_at = now()
		WHERE id = $2
		RETURNING `+taskColumns, workerID, id)

	task, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return task, nil
}

// Complete marks a running task completed with the given result. Calls on a
// task that is already terminal are no-ops, so a late or duplicate settlement
// can never flip status or overwrite the first result.
func (s *Store) Complete(ctx context.Context, id int64, result json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'completed', completed_at = now(), result = $1, error = NULL
		WHERE id = $2 AND status = 'running'`,
		nullableJSON(result), id)
	if err != nil {
		return fmt.Errorf("failed to complete task %d: %w", id, err)
	}
	return nil
}

// Fail marks a running task failed with the given error text. Idempotent in
// the same way as Complete.
func (s *Store) Fail(ctx context.Context, id int64, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'failed', completed_at = now(), error = $1, result = NULL
		WHERE id = $2 AND status = 'running'`,
		errText, id)
	if err != nil {
		return fmt.Errorf("failed to fail task %d: %w", id, err)
	}
	return nil
}

// Get fetches a task by id.
func (s *Store) Get(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return task, nil
}

// List returns tasks newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("unknown task status: %q", status)
		}
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// Retry resets a failed task to pending, clearing execution bookkeeping.
// Returns false when the task is missing or not failed.
func (s *Store) Retry(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', claimed_by = NULL, started_at = NULL,
		    completed_at = NULL, error = NULL
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to retry task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// Cancel deletes a pending task. Running and terminal tasks are untouched.
// Returns false when nothing was cancelled.
func (s *Store) Cancel(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ActiveForChat returns the chat's pending or running task, or nil. Used to
// enforce the one-in-flight-task-per-chat invariant at submit time.
func (s *Store) ActiveForChat(ctx context.Context, chatID int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE chat_id = $1 AND status IN ('pending', 'running')
		ORDER BY created_at ASC
		LIMIT 1`, chatID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active task for chat %d: %w", chatID, err)
	}
	return task, nil
}

// UpdateSessionID stores the agent session id for later resume.
func (s *Store) UpdateSessionID(ctx context.Context, id int64, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET session_id = $1 WHERE id = $2`, sessionID, id)
	if err != nil {
		return fmt.Errorf("failed to update session id for task %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var scriptPath, prompt, sessionID, workspace, claimedBy, errText sql.NullString
	var chatID sql.NullInt64
	var startedAt, completedAt sql.NullTime
	var params, result []byte

	err := row.Scan(&t.ID, &t.Type, &t.Status, &scriptPath, &params, &prompt,
		&sessionID, &workspace, &chatID, &claimedBy, &startedAt, &completedAt,
		&errText, &result, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.ScriptPath = scriptPath.String
	t.Prompt = prompt.String
	t.SessionID = sessionID.String
	t.Workspace = workspace.String
	t.ClaimedBy = claimedBy.String
	t.Error = errText.String
	t.Params = params
	t.Result = result
	if chatID.Valid {
		t.ChatID = &chatID.Int64
	}
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	return &t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
