package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrForbidden is returned when the caller is not the session owner.
	ErrForbidden = errors.New("not the session owner")

	// ErrSizeExceeded is returned when a declared or effective size exceeds
	// the configured maximum, or a chunk would overrun the declared total.
	ErrSizeExceeded = errors.New("maximum upload size exceeded")

	// ErrChecksumMismatch is returned when a supplied chunk checksum does
	// not match the payload. The chunk is discarded and the offset is
	// unchanged.
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")

	// ErrIncompleteUpload is returned by Complete when the offset has not
	// reached the declared total size.
	ErrIncompleteUpload = errors.New("upload is not complete")

	// ErrExpired is returned when a session's deadline has passed but the
	// sweeper has not reclaimed it yet.
	ErrExpired = errors.New("session expired")

	// ErrUnsupportedChecksum is returned for checksum algorithms the server
	// does not implement.
	ErrUnsupportedChecksum = errors.New("unsupported checksum algorithm")
)

// OffsetConflictError reports a chunk application whose expected offset did
// not match the session's current offset. Current is authoritative: callers
// realign to it and retry instead of guessing.
type OffsetConflictError struct {
	Current int64
}

func (e *OffsetConflictError) Error() string {
	return fmt.Sprintf("offset conflict: current offset is %d", e.Current)
}

// StorageError wraps a failure of the underlying object store. Chunk
// application failing with a StorageError leaves the session unchanged.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
