// Package client implements the upload queue: durable task bookkeeping, a
// protocol client, the per-task transfer engine and a bounded-concurrency
// scheduler.
package client

import (
	"time"
)

// TaskStatus is the client-side state of one upload attempt.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskUploading TaskStatus = "uploading"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// Task tracks one local upload attempt, bound to at most one server session.
// BytesTransferred is bookkeeping only: it is reconciled against the
// server-reported offset before any resume and never trusted as ground
// truth.
type Task struct {
	ID               string
	SessionURL       string
	FilePath         string
	Target           string
	DeclaredSize     int64
	BytesTransferred int64
	Status           TaskStatus
	LastError        string

	// TerminatePending marks a cancelled task whose server-side
	// termination has not been acknowledged yet; the scheduler keeps
	// retrying it.
	TerminatePending bool

	CreatedAt   time.Time
	CompletedAt time.Time
}
