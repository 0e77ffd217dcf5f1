// Package executor dispatches claimed tasks to their runners: script tasks
// to a subprocess invoker, agent tasks to the turn orchestrator.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/otomata/otomata/pkg/tasks"
)

// SecretResolver resolves the secret values a task declared it needs.
type SecretResolver interface {
	GetForTask(ctx context.Context, keys []string, userID *int64) (map[string]string, error)
}

// Dispatcher routes a claimed task to its runner. The returned result is
// stored on the task; a returned error fails the task.
type Dispatcher struct {
	secrets SecretResolver
	script  *ScriptRunner
	turn    *TurnRunner
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(secrets SecretResolver, script *ScriptRunner, turn *TurnRunner) *Dispatcher {
	return &Dispatcher{
		secrets: secrets,
		script:  script,
		turn:    turn,
	}
}

// Execute runs the task to completion and returns its result payload.
func (d *Dispatcher) Execute(ctx context.Context, task *tasks.Task) (json.RawMessage, error) {
	secretValues, err := d.resolveSecrets(ctx, task)
	if err != nil {
		return nil, err
	}

	switch task.Type {
	case tasks.TypeScript:
		return d.script.Run(ctx, task, secretValues)
	case tasks.TypeAgent:
		return d.turn.Run(ctx, task, secretValues)
	default:
		return nil, fmt.Errorf("unknown task type: %q", task.Type)
	}
}

// resolveSecrets maps the task's required secret keys to values. Missing keys
// are omitted from the mapping, not treated as errors.
func (d *Dispatcher) resolveSecrets(ctx context.Context, task *tasks.Task) (map[string]string, error) {
	keys := task.RequiredSecrets()
	if len(keys) == 0 || d.secrets == nil {
		return nil, nil
	}

	values, err := d.secrets.GetForTask(ctx, keys, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}
	if len(values) < len(keys) {
		slog.Warn("Some required secrets are missing",
			"task_id", task.ID,
			"required", len(keys),
			"resolved", len(values))
	}
	return values, nil
}
