package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/tempohq/tempo/internal/upload"
)

// Filesystem is an upload.MultipartStore backed by the local filesystem, for
// deployments without an object store. In-flight parts live under
// staging/<handle>/ and are assembled into objects/<key> on completion. Parts
// are addressed by their SHA-256 hash so a stale manifest is caught at
// completion time.
type Filesystem struct {
	dataDir string
}

// NewFilesystem creates a Filesystem rooted at dataDir.
func NewFilesystem(dataDir string) (*Filesystem, error) {
	for _, dir := range []string{"staging", "objects"} {
		if err := os.MkdirAll(filepath.Join(dataDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return &Filesystem{dataDir: dataDir}, nil
}

func (s *Filesystem) stagingDir(handle string) string {
	return filepath.Join(s.dataDir, "staging", handle)
}

func (s *Filesystem) objectPath(key string) string {
	return filepath.Join(s.dataDir, "objects", filepath.FromSlash(key))
}

func partPath(dir string, index int, hashHex string) string {
	return filepath.Join(dir, fmt.Sprintf("%06d_%s.part", index, hashHex))
}

func (s *Filesystem) Initiate(_ context.Context, key string, _ string) (string, error) {
	handle := uuid.NewString()
	dir := s.stagingDir(handle)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "key"), []byte(key), 0o644); err != nil {
		return "", fmt.Errorf("record staging key: %w", err)
	}
	return handle, nil
}

func (s *Filesystem) UploadPart(_ context.Context, key string, handle string, index int, data io.Reader, size int64) (string, error) {
	dir := s.stagingDir(handle)
	if err := s.checkHandle(dir, key); err != nil {
		return "", err
	}

	// Write through a temp file, then rename into place under the part's
	// hash, so a re-upload of the same index replaces the old payload.
	tmp, err := os.CreateTemp(dir, "incoming-*")
	if err != nil {
		return "", fmt.Errorf("stage part %d: %w", index, err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	n, err := io.Copy(tmp, io.TeeReader(data, hasher))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("stage part %d: %w", index, err)
	}
	if n != size {
		return "", fmt.Errorf("part size mismatch: declared %d, read %d", size, n)
	}

	if err := s.removePartFiles(dir, index); err != nil {
		return "", err
	}

	hashHex := hex.EncodeToString(hasher.Sum(nil))
	if err := moveFile(tmp.Name(), partPath(dir, index, hashHex)); err != nil {
		return "", fmt.Errorf("commit part %d: %w", index, err)
	}
	return hashHex, nil
}

func (s *Filesystem) Complete(_ context.Context, key string, handle string, parts []upload.Part) (string, error) {
	dir := s.stagingDir(handle)
	if err := s.checkHandle(dir, key); err != nil {
		return "", err
	}

	objPath := s.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	// Single-part uploads skip the assembly copy and move the payload
	// directly into place.
	if len(parts) == 1 {
		if err := moveFile(partPath(dir, parts[0].Index, parts[0].StorageID), objPath); err != nil {
			return "", fmt.Errorf("manifest references missing part %d: %w", parts[0].Index, err)
		}
		_ = os.RemoveAll(dir)
		return key, nil
	}

	dest, err := os.Create(objPath)
	if err != nil {
		return "", fmt.Errorf("create object: %w", err)
	}

	for _, p := range parts {
		src, openErr := os.Open(partPath(dir, p.Index, p.StorageID))
		if openErr != nil {
			_ = dest.Close()
			_ = os.Remove(objPath)
			return "", fmt.Errorf("manifest references missing part %d: %w", p.Index, openErr)
		}
		_, err = dest.ReadFrom(src)
		_ = src.Close()
		if err != nil {
			_ = dest.Close()
			_ = os.Remove(objPath)
			return "", fmt.Errorf("assemble part %d: %w", p.Index, err)
		}
	}

	if err := dest.Close(); err != nil {
		return "", fmt.Errorf("finalize object: %w", err)
	}

	_ = os.RemoveAll(dir)
	return key, nil
}

func (s *Filesystem) Abort(_ context.Context, key string, handle string) error {
	dir := s.stagingDir(handle)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := s.checkHandle(dir, key); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Object returns the assembled payload for key, if Complete committed one.
func (s *Filesystem) Object(key string) ([]byte, error) {
	return os.ReadFile(s.objectPath(key))
}

func (s *Filesystem) checkHandle(dir string, key string) error {
	recorded, err := os.ReadFile(filepath.Join(dir, "key"))
	if err != nil {
		return errors.New("unknown multipart handle")
	}
	if string(recorded) != key {
		return fmt.Errorf("handle belongs to key %q", recorded)
	}
	return nil
}

func (s *Filesystem) removePartFiles(dir string, index int) error {
	matches, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("%06d_*.part", index)))
	if err != nil {
		return err
	}
	for _, stale := range matches {
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func copyFile(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = destFile.ReadFrom(srcFile)
	return err
}

func moveFile(srcPath string, destPath string) error {
	if err := os.Rename(srcPath, destPath); err != nil {

		// If the source file lives on a different filesystem, fall back to
		// copying its contents into place instead of renaming.
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && linkErr.Err == syscall.EXDEV {
			if copyErr := copyFile(srcPath, destPath); copyErr != nil {
				return copyErr
			}

			if rmErr := os.Remove(srcPath); rmErr != nil && !os.IsNotExist(rmErr) {
				return rmErr
			}
			return nil
		}
		return err
	}

	return nil
}
