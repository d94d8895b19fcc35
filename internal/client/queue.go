package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// QueueConfig holds the scheduler's tunables.
type QueueConfig struct {
	// MaxActive bounds how many tasks may be uploading at once.
	MaxActive int64
	// PollInterval is how often the scheduler looks for admittable work.
	PollInterval time.Duration
}

func (c *QueueConfig) applyDefaults() {
	if c.MaxActive <= 0 {
		c.MaxActive = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
}

// Queue is an ordered collection of upload tasks with a bounded-concurrency
// scheduler. All state transitions are flushed to the task store before they
// are acted on.
type Queue struct {
	store  *TaskStore
	engine *Engine
	client *Client
	cfg    QueueConfig

	sem *semaphore.Weighted

	mu     sync.Mutex
	active map[string]TaskStatus // interrupt requests for running tasks
	wg     sync.WaitGroup
}

// NewQueue creates a Queue over the given store, engine and protocol client.
func NewQueue(store *TaskStore, engine *Engine, client *Client, cfg QueueConfig) *Queue {
	cfg.applyDefaults()
	return &Queue{
		store:  store,
		engine: engine,
		client: client,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxActive),
		active: make(map[string]TaskStatus),
	}
}

// Enqueue records a new task for filePath in the queued state.
func (q *Queue) Enqueue(ctx context.Context, filePath string, target string) (*Task, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", filePath, err)
	}

	task := &Task{
		ID:           uuid.NewString(),
		FilePath:     filePath,
		Target:       target,
		DeclaredSize: info.Size(),
		Status:       TaskQueued,
		CreatedAt:    time.Now().UTC(),
	}
	if err := q.store.Save(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Run schedules queued tasks until ctx is cancelled, admitting at most
// MaxActive concurrent transfers, and keeps retrying unacknowledged
// terminations of cancelled tasks. It returns once in-flight transfers have
// wound down.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			q.retryTerminations(ctx)
			q.admit(ctx)
		}
	}
}

// Drain processes the queue until no task is queued or uploading, then
// returns. Used by one-shot CLI invocations.
func (q *Queue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			q.retryTerminations(ctx)
			q.admit(ctx)

			if q.runningCount() > 0 {
				continue
			}
			next, err := q.store.NextQueued(ctx)
			if err != nil {
				return err
			}
			if next == nil {
				q.wg.Wait()
				return nil
			}
		}
	}
}

func (q *Queue) admit(ctx context.Context) {
	for {
		task, err := q.store.NextQueued(ctx)
		if err != nil {
			slog.Error("Poll queued tasks", "err", err)
			return
		}
		if task == nil || q.isRunning(task.ID) {
			return
		}
		if !q.sem.TryAcquire(1) {
			return
		}

		q.markRunning(task.ID)
		q.wg.Add(1)
		go func(task *Task) {
			defer q.wg.Done()
			defer q.sem.Release(1)
			defer q.clearRunning(task.ID)
			q.runTask(ctx, task)
		}(task)
	}
}

func (q *Queue) runTask(ctx context.Context, task *Task) {
	err := q.engine.Run(ctx, task, func() TaskStatus {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.active[task.ID]
	})

	switch {
	case err == nil:
		slog.Info("Upload completed", "task", task.ID, "bytes", task.DeclaredSize)
	case errors.Is(err, ErrPaused):
		slog.Info("Upload paused", "task", task.ID, "offset", task.BytesTransferred)
	case errors.Is(err, ErrCancelled):
		// The engine may have flushed progress (or bound a session) after
		// Cancel persisted the terminal state, overwriting it. Re-assert it
		// for whatever session the task holds now; retryTerminations cleans
		// up the server side.
		task.Status = TaskCancelled
		task.TerminatePending = task.SessionURL != ""
		if saveErr := q.store.Save(context.WithoutCancel(ctx), task); saveErr != nil {
			slog.Error("Persist cancelled task", "task", task.ID, "err", saveErr)
		}
		slog.Info("Upload cancelled", "task", task.ID)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Process shutdown, not a task failure: hand the task back to the
		// queue so the next run reconciles and resumes it.
		task.Status = TaskQueued
		if saveErr := q.store.Save(context.WithoutCancel(ctx), task); saveErr != nil {
			slog.Error("Requeue interrupted task", "task", task.ID, "err", saveErr)
		}
	default:
		slog.Error("Upload failed", "task", task.ID, "err", err)
	}
}

// Pause stops chunk sends for a task at the next chunk boundary without
// contacting the server.
func (q *Queue) Pause(ctx context.Context, id string) error {
	task, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}

	switch task.Status {
	case TaskUploading:
		// The transfer may be running in this process or another one; the
		// persisted request reaches it either way at the next chunk boundary.
		q.requestInterrupt(id, TaskPaused)
		return q.store.RequestState(ctx, id, TaskPaused)
	case TaskQueued:
		task.Status = TaskPaused
		return q.store.Save(ctx, task)
	case TaskPaused:
		return nil
	default:
		return fmt.Errorf("cannot pause a %s task", task.Status)
	}
}

// Resume re-enters a paused task into the scheduler. The next admission
// re-reconciles the offset with the server.
func (q *Queue) Resume(ctx context.Context, id string) error {
	task, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != TaskPaused {
		return fmt.Errorf("cannot resume a %s task", task.Status)
	}

	// Drop any unconsumed pause request so it cannot re-pause the task on
	// its next admission.
	if err := q.store.RequestState(ctx, id, ""); err != nil {
		return err
	}
	task.Status = TaskQueued
	return q.store.Save(ctx, task)
}

// Cancel is terminal and immediate client-side. The server-side termination
// is best-effort here; if it is not acknowledged the scheduler retries it
// until it is.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	task, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	q.requestInterrupt(id, TaskCancelled)
	if task.Status == TaskUploading {
		if err := q.store.RequestState(ctx, id, TaskCancelled); err != nil {
			return err
		}
	}

	task.Status = TaskCancelled
	task.TerminatePending = task.SessionURL != ""
	if err := q.store.Save(ctx, task); err != nil {
		return err
	}

	if task.TerminatePending {
		if err := q.client.Terminate(ctx, task.SessionURL); err != nil {
			slog.Warn("Best-effort termination failed, will retry", "task", id, "err", err)
			return nil
		}
		task.TerminatePending = false
		return q.store.Save(ctx, task)
	}
	return nil
}

// Retry re-admits a failed task, forcing offset reconciliation on its next
// admission.
func (q *Queue) Retry(ctx context.Context, id string) error {
	task, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != TaskFailed {
		return fmt.Errorf("cannot retry a %s task", task.Status)
	}

	if err := q.store.RequestState(ctx, id, ""); err != nil {
		return err
	}
	task.Status = TaskQueued
	return q.store.Save(ctx, task)
}

// ResyncAll re-syncs every non-terminal bound task from the server's
// authoritative offset. Called on return to foreground, before scheduling
// resumes, because server-side offsets may have advanced or sessions may
// have expired while the client was away.
func (q *Queue) ResyncAll(ctx context.Context) error {
	tasks, err := q.store.NonTerminal(ctx)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if task.SessionURL == "" || q.isRunning(task.ID) {
			continue
		}

		offset, err := q.client.Offset(ctx, task.SessionURL)
		if errors.Is(err, ErrSessionGone) {
			task.SessionURL = ""
			task.BytesTransferred = 0
		} else if err != nil {
			slog.Warn("Resync failed", "task", task.ID, "err", err)
			continue
		} else {
			task.BytesTransferred = offset
		}

		if err := q.store.Save(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) retryTerminations(ctx context.Context) {
	tasks, err := q.store.PendingTerminations(ctx)
	if err != nil {
		slog.Error("Poll pending terminations", "err", err)
		return
	}

	for _, task := range tasks {
		if err := q.client.Terminate(ctx, task.SessionURL); err != nil {
			slog.Warn("Retrying termination later", "task", task.ID, "err", err)
			continue
		}
		task.TerminatePending = false
		if err := q.store.Save(ctx, task); err != nil {
			slog.Error("Persist acknowledged termination", "task", task.ID, "err", err)
		}
	}
}

func (q *Queue) requestInterrupt(id string, status TaskStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.active[id]; ok {
		q.active[id] = status
	}
}

func (q *Queue) markRunning(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active[id] = ""
}

func (q *Queue) clearRunning(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, id)
}

func (q *Queue) isRunning(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[id]
	return ok
}

func (q *Queue) runningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}
