package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/otomata/otomata/pkg/tasks"
)

// DefaultScriptTimeout bounds one script execution.
const DefaultScriptTimeout = 300 * time.Second

// ScriptRunner executes script tasks in a subprocess with a clean
// environment: PATH, HOME, the database URL, and the task's resolved secrets.
// Params are serialized to the subprocess over stdin.
type ScriptRunner struct {
	Timeout          time.Duration
	DatabaseURL      string
	DefaultWorkspace string
}

// NewScriptRunner creates a ScriptRunner with the given wall-clock timeout.
// Zero means DefaultScriptTimeout.
func NewScriptRunner(timeout time.Duration, databaseURL, workspace string) *ScriptRunner {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &ScriptRunner{
		Timeout:          timeout,
		DatabaseURL:      databaseURL,
		DefaultWorkspace: workspace,
	}
}

// scriptResult is the stored result payload of a script task.
type scriptResult struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	Metadata scriptMetadata `json:"metadata"`
}

type scriptMetadata struct {
	ReturnCode      int     `json:"returncode"`
	DurationSeconds float64 `json:"duration_seconds"`
	StdoutLength    int     `json:"stdout_length"`
	StderrLength    int     `json:"stderr_length"`
	TimedOut        bool    `json:"timed_out"`
}

// Run executes the task's script. A nonzero exit or timeout is returned as an
// error carrying the metadata in its text, which fails the task.
func (r *ScriptRunner) Run(ctx context.Context, task *tasks.Task, secretValues map[string]string) (json.RawMessage, error) {
	scriptPath, cleanup, err := r.resolveScript(task)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}

	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, scriptPath)
	cmd.Env = r.buildEnv(secretValues)
	if workspace := r.workspace(task); workspace != "" {
		cmd.Dir = workspace
	}
	if len(task.Params) > 0 {
		cmd.Stdin = bytes.NewReader(task.Params)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// ProcessState is nil when the process never started.
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	meta := scriptMetadata{
		ReturnCode:      exitCode,
		DurationSeconds: duration.Seconds(),
		StdoutLength:    stdout.Len(),
		StderrLength:    stderr.Len(),
		TimedOut:        timedOut,
	}

	if timedOut {
		return nil, fmt.Errorf("script timed out after %s", r.Timeout)
	}
	if runErr != nil {
		errText := stderr.String()
		if errText == "" {
			errText = runErr.Error()
		}
		return nil, fmt.Errorf("script exited with code %d: %s", meta.ReturnCode, errText)
	}

	result, err := json.Marshal(scriptResult{
		Success:  true,
		Output:   stdout.String(),
		Metadata: meta,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode script result: %w", err)
	}
	return result, nil
}

// resolveScript returns the path to execute. When params carry inline script
// content instead of a path, it is written to a temp file that the returned
// cleanup removes.
func (r *ScriptRunner) resolveScript(task *tasks.Task) (string, func(), error) {
	if task.ScriptPath != "" {
		return task.ScriptPath, nil, nil
	}

	var params struct {
		ScriptContent string `json:"script_content"`
	}
	if len(task.Params) > 0 {
		_ = json.Unmarshal(task.Params, &params)
	}
	if params.ScriptContent == "" {
		return "", nil, fmt.Errorf("script task %d has neither script_path nor script_content", task.ID)
	}

	f, err := os.CreateTemp("", "otomata-script-*.sh")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create script temp file: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	if _, err := f.WriteString(params.ScriptContent); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write script temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to close script temp file: %w", err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to mark script executable: %w", err)
	}
	return path, cleanup, nil
}

// buildEnv assembles the subprocess environment from scratch. Nothing from
// the worker's own environment leaks through except PATH and HOME.
func (r *ScriptRunner) buildEnv(secretValues map[string]string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
	if r.DatabaseURL != "" {
		env = append(env, "DATABASE_URL="+r.DatabaseURL)
	}
	for key, value := range secretValues {
		env = append(env, key+"="+value)
	}
	return env
}

func (r *ScriptRunner) workspace(task *tasks.Task) string {
	if task.Workspace != "" {
		return task.Workspace
	}
	return r.DefaultWorkspace
}
