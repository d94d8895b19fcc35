package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tempohq/tempo/internal/auth"
	"github.com/tempohq/tempo/internal/objectstore"
	"github.com/tempohq/tempo/internal/store"
	"github.com/tempohq/tempo/internal/tus"
	"github.com/tempohq/tempo/internal/upload"
)

func newTestQueue(t *testing.T) (*Queue, *TaskStore, *Client) {
	t.Helper()

	baseURL, _ := newTestBackend(t)
	taskStore := newTestTaskStore(t)
	c := NewClient(baseURL, "alice-token")
	engine := NewEngine(c, taskStore, EngineConfig{ChunkSize: 1 << 20})
	queue := NewQueue(taskStore, engine, c, QueueConfig{
		MaxActive:    2,
		PollInterval: 10 * time.Millisecond,
	})
	return queue, taskStore, c
}

// newWrappedBackend runs a real protocol server with wrap interposed in
// front of the routes, for tests that need to observe or gate requests.
func newWrappedBackend(t *testing.T, wrap func(next http.Handler) http.Handler) string {
	t.Helper()

	sessions, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "sessions.sqlite"))
	require.NoError(t, err, "opening session store")
	t.Cleanup(func() { _ = sessions.Close() })

	manager := upload.NewManager(sessions, objectstore.NewMemory(), upload.Config{SessionTTL: time.Hour, KeyPrefix: "uploads"}, nil)
	engine := auth.NewBearerEngine(map[string]string{"alice-token": "alice"})
	routes := tus.NewHandler(manager, engine, "/uploads").Routes()

	httpSrv := httptest.NewServer(wrap(routes))
	t.Cleanup(httpSrv.Close)

	return httpSrv.URL + "/uploads"
}

func TestQueueDrainCompletesAll(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	queue, taskStore, _ := newTestQueue(t)

	first, err := queue.Enqueue(ctx, writeTestFile(t, 2_500_000), "media-1")
	require.NoError(t, err)
	require.Equal(t, TaskQueued, first.Status)
	require.Equal(t, int64(2_500_000), first.DeclaredSize, "size captured at enqueue")

	second, err := queue.Enqueue(ctx, writeTestFile(t, 600_000), "media-2")
	require.NoError(t, err)

	require.NoError(t, queue.Drain(ctx), "draining the queue")

	for _, id := range []string{first.ID, second.ID} {
		task, err := taskStore.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, TaskCompleted, task.Status, "task %s", id)
		require.Equal(t, task.DeclaredSize, task.BytesTransferred)
	}
}

func TestQueueEnqueueMissingFile(t *testing.T) {
	t.Parallel()

	queue, _, _ := newTestQueue(t)

	_, err := queue.Enqueue(context.Background(), "/no/such/file.bin", "")
	require.Error(t, err)
}

func TestQueuePauseResumeTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	queue, taskStore, _ := newTestQueue(t)

	task, err := queue.Enqueue(ctx, writeTestFile(t, 1000), "")
	require.NoError(t, err)

	// Pausing a queued task takes effect immediately, no scheduler involved.
	require.NoError(t, queue.Pause(ctx, task.ID))
	got, err := taskStore.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, TaskPaused, got.Status)

	// Pause is idempotent; resume re-queues.
	require.NoError(t, queue.Pause(ctx, task.ID))
	require.NoError(t, queue.Resume(ctx, task.ID))
	got, err = taskStore.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, TaskQueued, got.Status)

	require.Error(t, queue.Resume(ctx, task.ID), "resuming a non-paused task")
}

func TestQueueCancelTerminatesBoundSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	queue, taskStore, c := newTestQueue(t)

	task, err := queue.Enqueue(ctx, writeTestFile(t, 1000), "")
	require.NoError(t, err)

	// Bind the task to a real server session, as a paused upload would be.
	location, err := c.Create(ctx, "", 1000, nil)
	require.NoError(t, err)
	task.SessionURL = location
	task.Status = TaskPaused
	require.NoError(t, taskStore.Save(ctx, task))

	require.NoError(t, queue.Cancel(ctx, task.ID))

	got, err := taskStore.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, TaskCancelled, got.Status)
	require.False(t, got.TerminatePending, "termination acknowledged")

	_, err = c.Offset(ctx, location)
	require.ErrorIs(t, err, ErrSessionGone, "server session terminated")

	// Cancelling again is a no-op.
	require.NoError(t, queue.Cancel(ctx, task.ID))
}

func TestQueueCancelUnboundTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	queue, taskStore, _ := newTestQueue(t)

	task, err := queue.Enqueue(ctx, writeTestFile(t, 1000), "")
	require.NoError(t, err)

	require.NoError(t, queue.Cancel(ctx, task.ID))

	got, err := taskStore.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, TaskCancelled, got.Status)
	require.False(t, got.TerminatePending, "nothing to terminate server-side")
}

func TestQueueCancelDuringInFlightChunk(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Gate the first chunk send so the cancel lands while it is in flight.
	entered := make(chan struct{})
	released := make(chan struct{})
	var gate sync.Once
	baseURL := newWrappedBackend(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPatch {
				gate.Do(func() {
					close(entered)
					<-released
				})
			}
			next.ServeHTTP(w, r)
		})
	})

	taskStore := newTestTaskStore(t)
	c := NewClient(baseURL, "alice-token")
	transfer := NewEngine(c, taskStore, EngineConfig{ChunkSize: 64 * 1024})
	queue := NewQueue(taskStore, transfer, c, QueueConfig{
		MaxActive:    1,
		PollInterval: 5 * time.Millisecond,
	})

	task, err := queue.Enqueue(ctx, writeTestFile(t, 256*1024), "")
	require.NoError(t, err)

	runCtx, stopRun := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Run(runCtx)
	}()

	<-entered
	require.NoError(t, queue.Cancel(ctx, task.ID))
	close(released)

	// The cancellation must hold against the engine's subsequent progress
	// flushes: the task ends cancelled, never rebound to a fresh session,
	// and the scheduler acknowledges any outstanding termination.
	require.Eventually(t, func() bool {
		got, err := taskStore.Get(ctx, task.ID)
		return err == nil && got.Status == TaskCancelled && !got.TerminatePending
	}, 20*time.Second, 20*time.Millisecond, "cancelled state persists")

	stopRun()
	<-done

	got, err := taskStore.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, TaskCancelled, got.Status)

	if got.SessionURL != "" {
		_, err = c.Offset(ctx, got.SessionURL)
		require.ErrorIs(t, err, ErrSessionGone, "no live session left behind")
	}
}

// Pause and cancel may be issued by a CLI invocation in a different process
// than the scheduler holding the transfer. The request travels through the
// task store and must reach the engine at its next chunk boundary.
func TestQueuePauseReachesEngineInAnotherProcess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	queue, taskStore, c := newTestQueue(t)

	task, err := queue.Enqueue(ctx, writeTestFile(t, 2_500_000), "")
	require.NoError(t, err)
	task.Status = TaskUploading
	require.NoError(t, taskStore.Save(ctx, task))

	// This queue is not running the task; only the store write can carry
	// the request.
	require.NoError(t, queue.Pause(ctx, task.ID))

	engine := NewEngine(c, taskStore, EngineConfig{ChunkSize: 1 << 20})
	err = engine.Run(ctx, task, nil)
	require.ErrorIs(t, err, ErrPaused)

	got, err := taskStore.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, TaskPaused, got.Status)

	// The request was consumed: after a resume the task runs to completion.
	require.NoError(t, queue.Resume(ctx, task.ID))
	require.NoError(t, engine.Run(ctx, task, nil))
	require.Equal(t, TaskCompleted, task.Status)
}

func TestQueueCancelReachesEngineInAnotherProcess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	queue, taskStore, c := newTestQueue(t)

	task, err := queue.Enqueue(ctx, writeTestFile(t, 2_500_000), "")
	require.NoError(t, err)
	task.Status = TaskUploading
	require.NoError(t, taskStore.Save(ctx, task))

	require.NoError(t, queue.Cancel(ctx, task.ID))

	// The engine elsewhere still flushes its own state over the cancelled
	// row, but the persisted request stops it at the next boundary.
	engine := NewEngine(c, taskStore, EngineConfig{ChunkSize: 1 << 20})
	err = engine.Run(ctx, task, nil)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestQueueRetryRequeuesFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	queue, taskStore, _ := newTestQueue(t)

	task, err := queue.Enqueue(ctx, writeTestFile(t, 1000), "")
	require.NoError(t, err)

	task.Status = TaskFailed
	task.LastError = "network unreachable"
	require.NoError(t, taskStore.Save(ctx, task))

	require.NoError(t, queue.Retry(ctx, task.ID))
	got, err := taskStore.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, TaskQueued, got.Status)

	require.Error(t, queue.Retry(ctx, task.ID), "retrying a non-failed task")
}

func TestQueueResyncAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	queue, taskStore, c := newTestQueue(t)

	// A task whose local progress lags behind the server.
	stale, err := queue.Enqueue(ctx, writeTestFile(t, 2000), "")
	require.NoError(t, err)
	location, err := c.Create(ctx, "", 2000, nil)
	require.NoError(t, err)
	_, err = c.SendChunk(ctx, location, 0, make([]byte, 500))
	require.NoError(t, err)
	stale.SessionURL = location
	stale.Status = TaskPaused
	stale.BytesTransferred = 0
	require.NoError(t, taskStore.Save(ctx, stale))

	// A task bound to a session the server no longer knows.
	orphan, err := queue.Enqueue(ctx, writeTestFile(t, 2000), "")
	require.NoError(t, err)
	orphan.SessionURL = location + "-gone"
	orphan.Status = TaskPaused
	orphan.BytesTransferred = 800
	require.NoError(t, taskStore.Save(ctx, orphan))

	require.NoError(t, queue.ResyncAll(ctx))

	got, err := taskStore.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), got.BytesTransferred, "local progress adopted the server offset")

	got, err = taskStore.Get(ctx, orphan.ID)
	require.NoError(t, err)
	require.Empty(t, got.SessionURL, "gone session unbound")
	require.Equal(t, int64(0), got.BytesTransferred)
}

func TestQueueBoundsConcurrentTransfers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// Count chunk requests in flight; their peak must never exceed MaxActive.
	var inFlight, peak atomic.Int64
	baseURL := newWrappedBackend(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPatch {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				defer inFlight.Add(-1)
				time.Sleep(10 * time.Millisecond)
			}
			next.ServeHTTP(w, r)
		})
	})

	taskStore := newTestTaskStore(t)
	c := NewClient(baseURL, "alice-token")
	transfer := NewEngine(c, taskStore, EngineConfig{ChunkSize: 64 * 1024})
	queue := NewQueue(taskStore, transfer, c, QueueConfig{
		MaxActive:    1,
		PollInterval: 5 * time.Millisecond,
	})

	for range 3 {
		_, err := queue.Enqueue(ctx, writeTestFile(t, 512*1024), "")
		require.NoError(t, err)
	}

	require.NoError(t, queue.Drain(ctx))
	require.Equal(t, int64(1), peak.Load(), "never more than MaxActive chunk sends in flight")

	tasks, err := taskStore.List(ctx)
	require.NoError(t, err)
	for _, task := range tasks {
		require.Equal(t, TaskCompleted, task.Status)
	}
}
