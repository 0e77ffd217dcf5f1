// Package worker implements the polling execution loop: claim a pending
// task, run it, settle the result, repeat.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/otomata/otomata/pkg/tasks"
)

// DefaultPollInterval is the sleep between polls when no work is available.
const DefaultPollInterval = 5 * time.Second

// TaskStore is the subset of the task store the worker needs.
type TaskStore interface {
	Claim(ctx context.Context, workerID string) (*tasks.Task, error)
	Complete(ctx context.Context, id int64, result json.RawMessage) error
	Fail(ctx context.Context, id int64, errText string) error
}

// Executor runs one claimed task to completion.
type Executor interface {
	Execute(ctx context.Context, task *tasks.Task) (json.RawMessage, error)
}

// Status represents the current state of a worker.
type Status string

// Worker status constants.
const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
)

// Worker is a single execution slot. It polls for pending tasks and runs
// them one at a time.
type Worker struct {
	id           string
	store        TaskStore
	executor     Executor
	pollInterval time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup

	mu             sync.RWMutex
	status         Status
	currentTaskID  int64
	tasksProcessed int
	lastActivity   time.Time
}

// NewWorker creates a worker. An empty id gets a host-derived default.
func NewWorker(id string, store TaskStore, executor Executor, pollInterval time.Duration) *Worker {
	if id == "" {
		id = defaultWorkerID()
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Worker{
		id:           id,
		store:        store,
		executor:     executor,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
		status:       StatusIdle,
		lastActivity: time.Now(),
	}
}

// ID returns the worker identifier recorded on claimed tasks.
func (w *Worker) ID() string {
	return w.id
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the current task to settle.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the worker's current activity snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         w.status,
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

// WorkerHealth is a point-in-time view of one worker.
type WorkerHealth struct {
	ID             string    `json:"id"`
	Status         Status    `json:"status"`
	CurrentTaskID  int64     `json:"current_task_id,omitempty"`
	TasksProcessed int       `json:"tasks_processed"`
	LastActivity   time.Time `json:"last_activity"`
}

// run is the main polling loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started", "poll_interval", w.pollInterval)

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			processed, err := w.ProcessOne(ctx)
			if err != nil {
				log.Error("Error processing task", "error", err)
				w.sleep(w.pollInterval)
				continue
			}
			if !processed {
				w.sleep(w.pollInterval)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// ProcessOne claims and runs at most one task. Returns false when no task
// was claimable. Execution panics and errors fail the task; the settlement
// itself uses a background context so a cancelled run context cannot strand
// a task in running.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.store.Claim(ctx, w.id)
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	log := slog.With("worker_id", w.id, "task_id", task.ID, "task_type", task.Type)
	log.Info("Task claimed")

	w.setStatus(StatusWorking, task.ID)
	defer w.setStatus(StatusIdle, 0)

	result, execErr := w.execute(ctx, task)

	settleCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if execErr != nil {
		log.Warn("Task failed", "error", execErr)
		if err := w.store.Fail(settleCtx, task.ID, execErr.Error()); err != nil {
			return true, fmt.Errorf("failed to settle failed task %d: %w", task.ID, err)
		}
	} else {
		log.Info("Task completed")
		if err := w.store.Complete(settleCtx, task.ID, result); err != nil {
			return true, fmt.Errorf("failed to settle completed task %d: %w", task.ID, err)
		}
	}

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()
	return true, nil
}

// execute runs the task, converting a panic into a failure.
func (w *Worker) execute(ctx context.Context, task *tasks.Task) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task execution panicked: %v", r)
		}
	}()
	return w.executor.Execute(ctx, task)
}

func (w *Worker) setStatus(status Status, taskID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}

// defaultWorkerID derives an identifier from the hostname, falling back to a
// random suffix when the hostname is unavailable.
func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "worker-" + uuid.NewString()[:8]
	}
	return "worker-" + hostname
}
