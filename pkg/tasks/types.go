// Package tasks owns the task queue: creation, atomic claiming, and the
// task lifecycle state machine.
package tasks

import (
	"encoding/json"
	"time"
)

// Status is the task lifecycle state.
type Status string

// Task lifecycle states. Transitions: pending → running → completed|failed,
// failed → pending (retry). Pending tasks can be cancelled (deleted).
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether the status is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Type discriminates the two task kinds.
type Type string

// Task kinds.
const (
	TypeScript Type = "script"
	TypeAgent  Type = "agent"
)

// Task is the unit of work. Script tasks carry ScriptPath and Params; agent
// tasks carry Prompt, optional ChatID, and Workspace.
type Task struct {
	ID     int64  `json:"id"`
	Type   Type   `json:"task_type"`
	Status Status `json:"status"`

	ScriptPath string          `json:"script_path,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`

	Prompt    string `json:"prompt,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	ChatID    *int64 `json:"chat_id,omitempty"`

	ClaimedBy   string          `json:"claimed_by,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RequiredSecrets extracts the required_secrets list from task params.
// Absent or malformed params yield nil.
func (t *Task) RequiredSecrets() []string {
	if len(t.Params) == 0 {
		return nil
	}
	var params struct {
		RequiredSecrets []string `json:"required_secrets"`
	}
	if err := json.Unmarshal(t.Params, &params); err != nil {
		return nil
	}
	return params.RequiredSecrets
}

// CreateParams are the inputs for creating a task.
type CreateParams struct {
	Type       Type
	ScriptPath string
	Params     json.RawMessage
	Prompt     string
	Workspace  string
	SessionID  string
	ChatID     *int64
}
