package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestTaskStore(t)

	want := &Task{
		ID:               "t1",
		SessionURL:       "http://localhost:9000/uploads/abc",
		FilePath:         "/tmp/clip.mp4",
		Target:           "media-7",
		DeclaredSize:     1234,
		BytesTransferred: 500,
		Status:           TaskPaused,
		LastError:        "",
		TerminatePending: true,
		CreatedAt:        time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, want.SessionURL, got.SessionURL)
	require.Equal(t, want.Target, got.Target)
	require.Equal(t, want.BytesTransferred, got.BytesTransferred)
	require.Equal(t, want.Status, got.Status)
	require.True(t, got.TerminatePending)
	require.True(t, got.CompletedAt.IsZero(), "completion time unset")

	// Saving again updates in place.
	want.Status = TaskCompleted
	want.BytesTransferred = 1234
	want.CompletedAt = time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(ctx, want))

	got, err = s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, TaskCompleted, got.Status)
	require.False(t, got.CompletedAt.IsZero())

	_, err = s.Get(ctx, "unknown")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskStoreNextQueuedOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestTaskStore(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"newer", "oldest", "middle"} {
		offsets := map[string]time.Duration{"oldest": 0, "middle": time.Minute, "newer": 2 * time.Minute}
		require.NoError(t, s.Save(ctx, &Task{
			ID:        id,
			FilePath:  "/tmp/f",
			Status:    TaskQueued,
			CreatedAt: base.Add(offsets[id]),
		}), "saving task %d", i)
	}

	next, err := s.NextQueued(ctx)
	require.NoError(t, err)
	require.Equal(t, "oldest", next.ID, "FIFO by creation time")

	next.Status = TaskUploading
	require.NoError(t, s.Save(ctx, next))

	next, err = s.NextQueued(ctx)
	require.NoError(t, err)
	require.Equal(t, "middle", next.ID)
}

func TestTaskStoreNextQueuedEmpty(t *testing.T) {
	t.Parallel()
	s := newTestTaskStore(t)

	next, err := s.NextQueued(context.Background())
	require.NoError(t, err)
	require.Nil(t, next, "no queued work")
}

func TestTaskStoreRequestedState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestTaskStore(t)

	require.ErrorIs(t, s.RequestState(ctx, "unknown", TaskPaused), ErrTaskNotFound)
	_, err := s.TakeRequestedState(ctx, "unknown")
	require.ErrorIs(t, err, ErrTaskNotFound)

	task := &Task{
		ID:        "t1",
		FilePath:  "/tmp/f",
		Status:    TaskUploading,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Save(ctx, task))

	got, err := s.TakeRequestedState(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, got, "no request pending")

	require.NoError(t, s.RequestState(ctx, "t1", TaskPaused))

	// An engine flushing progress over the row must not erase the request.
	task.BytesTransferred = 100
	require.NoError(t, s.Save(ctx, task))

	got, err = s.TakeRequestedState(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, TaskPaused, got)

	// Taking consumes the request.
	got, err = s.TakeRequestedState(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, got)

	// An empty status clears without being observed.
	require.NoError(t, s.RequestState(ctx, "t1", TaskCancelled))
	require.NoError(t, s.RequestState(ctx, "t1", ""))
	got, err = s.TakeRequestedState(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestTaskStoreFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestTaskStore(t)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seed := []*Task{
		{ID: "q", Status: TaskQueued},
		{ID: "u", Status: TaskUploading},
		{ID: "p", Status: TaskPaused},
		{ID: "f", Status: TaskFailed},
		{ID: "done", Status: TaskCompleted},
		{ID: "gone", Status: TaskCancelled},
		{ID: "gone-pending", Status: TaskCancelled, SessionURL: "http://x/uploads/1", TerminatePending: true},
	}
	for i, task := range seed {
		task.FilePath = "/tmp/f"
		task.CreatedAt = now.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Save(ctx, task))
	}

	nonTerminal, err := s.NonTerminal(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(nonTerminal))
	for _, task := range nonTerminal {
		ids = append(ids, task.ID)
	}
	require.Equal(t, []string{"q", "u", "p", "f"}, ids, "terminal states filtered out")

	pending, err := s.PendingTerminations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "gone-pending", pending[0].ID)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, len(seed))
}
