package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Checksum is an optional per-chunk integrity check, verified before any
// bytes are durably applied.
type Checksum struct {
	Algorithm string
	Sum       []byte
}

// Verify computes the checksum of payload and compares it against Sum.
func (c Checksum) Verify(payload []byte) error {
	var sum []byte
	switch c.Algorithm {
	case "sha1":
		s := sha1.Sum(payload)
		sum = s[:]
	case "md5":
		s := md5.Sum(payload)
		sum = s[:]
	case "sha256":
		s := sha256.Sum256(payload)
		sum = s[:]
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedChecksum, c.Algorithm)
	}
	if !bytes.Equal(sum, c.Sum) {
		return ErrChecksumMismatch
	}
	return nil
}

// Config holds the session manager's tunables.
type Config struct {
	// MaxUploadSize is the largest total size a session may declare.
	MaxUploadSize int64
	// SessionTTL is the sliding expiry window. Each successful chunk
	// application pushes ExpiresAt to now+SessionTTL.
	SessionTTL time.Duration
	// KeyPrefix is prepended to the generated object keys.
	KeyPrefix string
}

// CompletionFunc is invoked after a session finalizes, handing the finished
// object and its domain target to whatever downstream process consumes it.
type CompletionFunc func(ctx context.Context, finalRef string, targetRef string)

// Manager owns the session lifecycle. Chunk application is serialized per
// session id; sessions with different ids proceed fully in parallel.
type Manager struct {
	store      SessionStore
	objects    MultipartStore
	cfg        Config
	now        func() time.Time
	locks      lockTable
	onComplete CompletionFunc
}

// NewManager creates a Manager over the given stores. onComplete may be nil.
func NewManager(store SessionStore, objects MultipartStore, cfg Config, onComplete CompletionFunc) *Manager {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	return &Manager{
		store:      store,
		objects:    objects,
		cfg:        cfg,
		now:        time.Now,
		onComplete: onComplete,
	}
}

// SetClock replaces the manager's time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// MaxUploadSize reports the configured size ceiling (0 means unlimited).
func (m *Manager) MaxUploadSize() int64 {
	return m.cfg.MaxUploadSize
}

// Create allocates a multipart handle and persists a new session. If the
// store insert fails the multipart transfer is aborted so no partial state
// remains on either side.
func (m *Manager) Create(ctx context.Context, owner string, targetRef string, totalSize int64, metadata map[string]string, checksumAlgorithm string) (*Session, error) {
	if totalSize < 0 {
		return nil, fmt.Errorf("negative total size %d", totalSize)
	}
	if m.cfg.MaxUploadSize > 0 && totalSize > m.cfg.MaxUploadSize {
		return nil, ErrSizeExceeded
	}

	id := uuid.NewString()
	key := path.Join(m.cfg.KeyPrefix, id)

	handle, err := m.objects.Initiate(ctx, key, metadata["filetype"])
	if err != nil {
		return nil, &StorageError{Op: "initiate", Err: err}
	}

	now := m.now().UTC()
	sess := &Session{
		ID:                id,
		Owner:             owner,
		TargetRef:         targetRef,
		TotalSize:         totalSize,
		ChecksumAlgorithm: checksumAlgorithm,
		Metadata:          metadata,
		StorageKey:        key,
		StorageHandle:     handle,
		ExpiresAt:         now.Add(m.cfg.SessionTTL),
		CreatedAt:         now,
	}

	if err := m.store.Create(ctx, sess); err != nil {
		if abortErr := m.objects.Abort(ctx, key, handle); abortErr != nil {
			slog.Error("Abort after failed session insert", "session", id, "err", abortErr)
		}
		return nil, fmt.Errorf("persist session: %w", err)
	}

	return sess, nil
}

// ApplyChunk appends payload at expectedOffset. The expected offset must
// equal the session's current offset exactly; a mismatch fails with an
// OffsetConflictError carrying the authoritative offset. Application is
// atomic: either the whole chunk is durably recorded and the offset
// advances, or nothing changes.
func (m *Manager) ApplyChunk(ctx context.Context, id string, owner string, expectedOffset int64, payload []byte, checksum *Checksum) (int64, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	sess, err := m.authorized(ctx, id, owner)
	if err != nil {
		return 0, err
	}

	if !sess.Completed && m.now().After(sess.ExpiresAt) {
		return sess.Offset, ErrExpired
	}
	if expectedOffset != sess.Offset {
		return sess.Offset, &OffsetConflictError{Current: sess.Offset}
	}
	if int64(len(payload)) > sess.TotalSize-sess.Offset {
		return sess.Offset, ErrSizeExceeded
	}
	if len(payload) == 0 {
		return sess.Offset, nil
	}
	// A session created with a pinned algorithm accepts nothing else: every
	// chunk must carry a checksum in that algorithm.
	if sess.ChecksumAlgorithm != "" && (checksum == nil || checksum.Algorithm != sess.ChecksumAlgorithm) {
		return sess.Offset, fmt.Errorf("%w: session requires %s checksums", ErrUnsupportedChecksum, sess.ChecksumAlgorithm)
	}
	if checksum != nil {
		if err := checksum.Verify(payload); err != nil {
			return sess.Offset, err
		}
	}

	part := Part{
		Index: len(sess.Parts) + 1,
		Size:  int64(len(payload)),
	}
	part.StorageID, err = m.objects.UploadPart(ctx, sess.StorageKey, sess.StorageHandle, part.Index, bytes.NewReader(payload), part.Size)
	if err != nil {
		return sess.Offset, &StorageError{Op: "upload part", Err: err}
	}

	newOffset := sess.Offset + part.Size
	expiresAt := m.now().UTC().Add(m.cfg.SessionTTL)
	if err := m.store.AppendPart(ctx, id, part, newOffset, expiresAt); err != nil {
		return sess.Offset, fmt.Errorf("record part: %w", err)
	}

	return newOffset, nil
}

// Status returns a read-only snapshot. It never mutates state and is safe to
// poll repeatedly, even after expiry (the sweeper decides when the session
// actually disappears).
func (m *Manager) Status(ctx context.Context, id string, owner string) (Status, error) {
	sess, err := m.authorized(ctx, id, owner)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Offset:    sess.Offset,
		TotalSize: sess.TotalSize,
		Completed: sess.Completed,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// Complete finalizes the multipart transfer exactly once and returns the
// final object reference. Calling it again after success returns the same
// reference without touching storage.
func (m *Manager) Complete(ctx context.Context, id string, owner string) (string, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	sess, err := m.authorized(ctx, id, owner)
	if err != nil {
		return "", err
	}

	if sess.Completed {
		return sess.FinalRef, nil
	}
	if m.now().After(sess.ExpiresAt) {
		return "", ErrExpired
	}
	if sess.Offset != sess.TotalSize {
		return "", ErrIncompleteUpload
	}

	finalRef, err := m.objects.Complete(ctx, sess.StorageKey, sess.StorageHandle, sess.Parts)
	if err != nil {
		return "", &StorageError{Op: "complete", Err: err}
	}

	if err := m.store.MarkCompleted(ctx, id, finalRef); err != nil {
		return "", fmt.Errorf("mark completed: %w", err)
	}

	if m.onComplete != nil {
		m.onComplete(ctx, finalRef, sess.TargetRef)
	}

	return finalRef, nil
}

// Terminate aborts the multipart transfer and deletes the session record.
// Terminating an unknown session succeeds silently. A completed session only
// loses its record; the finalized object already belongs to the downstream
// consumer.
func (m *Manager) Terminate(ctx context.Context, id string, owner string) error {
	unlock := m.locks.lock(id)
	defer unlock()

	sess, err := m.authorized(ctx, id, owner)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if !sess.Completed {
		if err := m.objects.Abort(ctx, sess.StorageKey, sess.StorageHandle); err != nil {
			return &StorageError{Op: "abort", Err: err}
		}
	}

	return m.store.Delete(ctx, id)
}

// ExpiredSessions lists sessions past their deadline that never completed,
// for the sweeper to terminate.
func (m *Manager) ExpiredSessions(ctx context.Context, limit int) ([]ExpiredSession, error) {
	return m.store.ListExpired(ctx, m.now(), limit)
}

func (m *Manager) authorized(ctx context.Context, id string, owner string) (*Session, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Owner != owner {
		return nil, ErrForbidden
	}
	return sess, nil
}

// lockTable serializes operations per session id. Entries are refcounted so
// the table does not grow with dead sessions.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (t *lockTable) lock(id string) (unlock func()) {
	t.mu.Lock()
	if t.entries == nil {
		t.entries = make(map[string]*lockEntry)
	}
	e, ok := t.entries[id]
	if !ok {
		e = &lockEntry{}
		t.entries[id] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.entries, id)
		}
		t.mu.Unlock()
	}
}
