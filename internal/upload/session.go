package upload

import (
	"context"
	"io"
	"time"
)

// Session is the server-side record of one resumable upload. The ID is the
// only handle clients ever see; StorageKey and StorageHandle bind the session
// to the multipart transfer in the object store.
type Session struct {
	ID                string
	Owner             string
	TargetRef         string
	TotalSize         int64
	Offset            int64
	ChecksumAlgorithm string
	Metadata          map[string]string
	StorageKey        string
	StorageHandle     string
	Parts             []Part
	Completed         bool
	FinalRef          string
	ExpiresAt         time.Time
	CreatedAt         time.Time
}

// Part is one entry of the append-only part manifest, ordered by Index
// (1-based, matching multipart part numbers).
type Part struct {
	Index     int
	Size      int64
	StorageID string
}

// Status is the read-only progress snapshot returned to status queries.
type Status struct {
	Offset    int64
	TotalSize int64
	Completed bool
	ExpiresAt time.Time
}

// ExpiredSession identifies a session the sweeper should terminate.
type ExpiredSession struct {
	ID    string
	Owner string
}

// SessionStore persists sessions so they survive process restarts.
// Implementations must apply AppendPart atomically: the part row, the new
// offset and the new expiry land together or not at all.
type SessionStore interface {
	Create(ctx context.Context, sess *Session) error

	// Get returns ErrNotFound for unknown ids. The returned session
	// includes the full part manifest ordered by part index.
	Get(ctx context.Context, id string) (*Session, error)

	AppendPart(ctx context.Context, id string, part Part, newOffset int64, expiresAt time.Time) error

	MarkCompleted(ctx context.Context, id string, finalRef string) error

	// Delete removes the session and its parts. Deleting an unknown id is
	// not an error.
	Delete(ctx context.Context, id string) error

	ListExpired(ctx context.Context, now time.Time, limit int) ([]ExpiredSession, error)
}

// MultipartStore wraps an object store's multipart upload primitives.
// UploadPart must be safe to retry for the same (handle, index) pair.
type MultipartStore interface {
	Initiate(ctx context.Context, key string, contentType string) (handle string, err error)

	UploadPart(ctx context.Context, key string, handle string, index int, data io.Reader, size int64) (storageID string, err error)

	// Complete commits the manifest and returns a reference to the final
	// object. All parts named in the manifest must exist.
	Complete(ctx context.Context, key string, handle string, parts []Part) (finalRef string, err error)

	Abort(ctx context.Context, key string, handle string) error
}
