package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/tempohq/tempo/internal/upload"
)

// Memory is an in-memory upload.MultipartStore. It backs tests and exposes
// counters so callers can assert how often storage was touched.
type Memory struct {
	mu       sync.Mutex
	handles  map[string]*memoryUpload
	objects  map[string][]byte
	failPut  error
	failDone error
	failAbrt error

	Initiated int
	Completed int
	Aborted   int
}

type memoryUpload struct {
	key   string
	parts map[int][]byte
	ids   map[int]string
}

// NewMemory creates an empty in-memory multipart store.
func NewMemory() *Memory {
	return &Memory{
		handles: make(map[string]*memoryUpload),
		objects: make(map[string][]byte),
	}
}

// FailUploadPart makes subsequent UploadPart calls return err (nil resets).
func (s *Memory) FailUploadPart(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = err
}

// FailComplete makes subsequent Complete calls return err (nil resets).
func (s *Memory) FailComplete(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDone = err
}

// FailAbort makes subsequent Abort calls return err (nil resets).
func (s *Memory) FailAbort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAbrt = err
}

func (s *Memory) Initiate(_ context.Context, key string, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := uuid.NewString()
	s.handles[handle] = &memoryUpload{
		key:   key,
		parts: make(map[int][]byte),
		ids:   make(map[int]string),
	}
	s.Initiated++
	return handle, nil
}

func (s *Memory) UploadPart(_ context.Context, key string, handle string, index int, data io.Reader, size int64) (string, error) {
	payload, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	if int64(len(payload)) != size {
		return "", fmt.Errorf("part size mismatch: declared %d, read %d", size, len(payload))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPut != nil {
		return "", s.failPut
	}

	up, ok := s.handles[handle]
	if !ok || up.key != key {
		return "", errors.New("unknown multipart handle")
	}

	// Re-uploading the same part number replaces the previous payload.
	up.parts[index] = payload
	up.ids[index] = uuid.NewString()
	return up.ids[index], nil
}

func (s *Memory) Complete(_ context.Context, key string, handle string, parts []upload.Part) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failDone != nil {
		return "", s.failDone
	}

	up, ok := s.handles[handle]
	if !ok || up.key != key {
		return "", errors.New("unknown multipart handle")
	}

	var buf bytes.Buffer
	for _, p := range parts {
		payload, ok := up.parts[p.Index]
		if !ok || up.ids[p.Index] != p.StorageID {
			return "", fmt.Errorf("manifest references missing part %d", p.Index)
		}
		buf.Write(payload)
	}

	s.objects[key] = buf.Bytes()
	delete(s.handles, handle)
	s.Completed++
	return key, nil
}

func (s *Memory) Abort(_ context.Context, key string, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAbrt != nil {
		return s.failAbrt
	}

	up, ok := s.handles[handle]
	if ok && up.key == key {
		delete(s.handles, handle)
	}
	s.Aborted++
	return nil
}

// Object returns the assembled payload for key, if Complete committed one.
func (s *Memory) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

// OpenHandles reports how many multipart transfers are still in flight.
func (s *Memory) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
