package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrPaused is returned by Run when a pause request took effect at a
	// chunk boundary.
	ErrPaused = errors.New("task paused")

	// ErrCancelled is returned by Run when the task was cancelled while
	// uploading.
	ErrCancelled = errors.New("task cancelled")
)

// Interrupt is polled between chunks. Returning TaskPaused or TaskCancelled
// stops the transfer at the next chunk boundary; a chunk in flight always
// either fully lands or fully fails.
type Interrupt func() TaskStatus

// EngineConfig holds the transfer engine's tunables.
type EngineConfig struct {
	// ChunkSize is the number of bytes sent per request.
	ChunkSize int64
	// RetryLimit is the per-chunk budget of transport/checksum retries
	// before the task fails. Offset realignment does not consume it.
	RetryLimit int
	// BackoffInitial and BackoffMax bound the exponential retry delay.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c *EngineConfig) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 5 * 1024 * 1024
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Engine transfers one task at a time: sequential, ordered chunk sends with
// never more than one in-flight chunk, since each send depends on the
// previous one's resulting offset.
type Engine struct {
	client *Client
	store  *TaskStore
	cfg    EngineConfig
	now    func() time.Time
}

// NewEngine creates a transfer engine over the given protocol client and
// task store.
func NewEngine(client *Client, store *TaskStore, cfg EngineConfig) *Engine {
	cfg.applyDefaults()
	return &Engine{
		client: client,
		store:  store,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Run drives task to a terminal or paused state. Before the first chunk (and
// after every rebind) the task's progress is set to the server-reported
// offset — the local value is never trusted across an interruption. A gone
// session (expired or terminated server-side) is unbound and the upload
// restarts under a fresh session.
func (e *Engine) Run(ctx context.Context, task *Task, interrupt Interrupt) error {
	if interrupt == nil {
		interrupt = func() TaskStatus { return "" }
	}

	task.Status = TaskUploading
	if err := e.store.Save(ctx, task); err != nil {
		return err
	}

	f, err := os.Open(task.FilePath)
	if err != nil {
		return e.fail(ctx, task, fmt.Errorf("open source file: %w", err))
	}
	defer f.Close()

	buf := make([]byte, e.cfg.ChunkSize)

	for {
		if err := e.checkInterrupt(ctx, task, interrupt); err != nil {
			return err
		}

		if task.SessionURL == "" {
			location, err := e.client.Create(ctx, task.Target, task.DeclaredSize, map[string]string{
				"filename": filepath.Base(task.FilePath),
			})
			if err != nil {
				return e.fail(ctx, task, fmt.Errorf("create session: %w", err))
			}
			task.SessionURL = location
			task.BytesTransferred = 0
		} else {
			offset, err := e.client.Offset(ctx, task.SessionURL)
			if errors.Is(err, ErrSessionGone) {
				e.unbind(ctx, task)
				continue
			}
			if err != nil {
				return e.fail(ctx, task, fmt.Errorf("reconcile offset: %w", err))
			}
			task.BytesTransferred = offset
		}
		if err := e.store.Save(ctx, task); err != nil {
			return err
		}

		err := e.transfer(ctx, task, f, buf, interrupt)
		if errors.Is(err, ErrSessionGone) {
			e.unbind(ctx, task)
			continue
		}
		if err != nil {
			return err
		}

		task.Status = TaskCompleted
		task.BytesTransferred = task.DeclaredSize
		task.CompletedAt = e.now().UTC()
		return e.store.Save(ctx, task)
	}
}

func (e *Engine) transfer(ctx context.Context, task *Task, f *os.File, buf []byte, interrupt Interrupt) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BackoffInitial
	bo.MaxInterval = e.cfg.BackoffMax
	bo.MaxElapsedTime = 0

	retries := 0
	for task.BytesTransferred < task.DeclaredSize {
		if err := e.checkInterrupt(ctx, task, interrupt); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		size := e.cfg.ChunkSize
		if remaining := task.DeclaredSize - task.BytesTransferred; remaining < size {
			size = remaining
		}
		chunk := buf[:size]
		if _, err := f.ReadAt(chunk, task.BytesTransferred); err != nil {
			return e.fail(ctx, task, fmt.Errorf("read source file: %w", err))
		}

		newOffset, err := e.client.SendChunk(ctx, task.SessionURL, task.BytesTransferred, chunk)

		var conflict *OffsetConflictError
		switch {
		case err == nil:
			task.BytesTransferred = newOffset
			if err := e.store.Save(ctx, task); err != nil {
				return err
			}
			retries = 0
			bo.Reset()

		case errors.As(err, &conflict):
			// Realign to the authoritative offset and re-read from there.
			slog.Info("Realigning to server offset", "task", task.ID, "offset", conflict.Current)
			task.BytesTransferred = conflict.Current
			if err := e.store.Save(ctx, task); err != nil {
				return err
			}

		case errors.Is(err, ErrSessionGone):
			return err

		default:
			retries++
			if retries > e.cfg.RetryLimit {
				return e.fail(ctx, task, err)
			}
			slog.Warn("Chunk send failed, backing off", "task", task.ID, "attempt", retries, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
		}
	}
	return nil
}

// checkInterrupt honors pause and cancel requests at chunk boundaries. It
// consults the in-process interrupt first, then any request persisted in the
// task store — pause and cancel may be issued from a different process than
// the one running the transfer.
func (e *Engine) checkInterrupt(ctx context.Context, task *Task, interrupt Interrupt) error {
	status := interrupt()
	if status != TaskPaused && status != TaskCancelled {
		requested, err := e.store.TakeRequestedState(ctx, task.ID)
		if err != nil {
			return err
		}
		status = requested
	}

	switch status {
	case TaskPaused:
		task.Status = TaskPaused
		if err := e.store.Save(ctx, task); err != nil {
			return err
		}
		return ErrPaused
	case TaskCancelled:
		return ErrCancelled
	}
	return nil
}

func (e *Engine) unbind(ctx context.Context, task *Task) {
	slog.Warn("Bound session is gone, restarting upload", "task", task.ID)
	task.SessionURL = ""
	task.BytesTransferred = 0
	if err := e.store.Save(ctx, task); err != nil {
		slog.Error("Persist unbound task", "task", task.ID, "err", err)
	}
}

// fail records the cause for user-facing diagnostics and returns it. An
// explicit retry re-admits the task and forces offset reconciliation.
func (e *Engine) fail(ctx context.Context, task *Task, cause error) error {
	task.Status = TaskFailed
	task.LastError = cause.Error()
	if err := e.store.Save(ctx, task); err != nil {
		slog.Error("Persist failed task", "task", task.ID, "err", err)
	}
	return cause
}
