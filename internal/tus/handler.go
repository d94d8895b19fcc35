package tus

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tempohq/tempo/internal/auth"
	"github.com/tempohq/tempo/internal/upload"
)

// Handler translates wire-level requests into session manager calls and maps
// outcomes back to response codes and headers.
type Handler struct {
	manager  *upload.Manager
	engine   auth.Engine
	basePath string
}

// NewHandler creates a Handler serving the protocol under basePath
// (defaulting to "/uploads").
func NewHandler(manager *upload.Manager, engine auth.Engine, basePath string) *Handler {
	if basePath == "" {
		basePath = "/uploads"
	}
	return &Handler{
		manager:  manager,
		engine:   engine,
		basePath: basePath,
	}
}

// Routes returns an http.Handler exposing the protocol surface.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("OPTIONS "+h.basePath, h.handleOptions)
	mux.HandleFunc("POST "+h.basePath, h.handleCreate)
	mux.HandleFunc("HEAD "+h.basePath+"/{id}", h.handleStatus)
	mux.HandleFunc("PATCH "+h.basePath+"/{id}", h.handleChunk)
	mux.HandleFunc("DELETE "+h.basePath+"/{id}", h.handleTerminate)

	return LogRequest(mux)
}

// handleOptions advertises the protocol version, size ceiling and extension
// set. Discovery needs neither credentials nor a version header.
func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	header := w.Header()
	header.Set(HeaderResumable, Version)
	header.Set(HeaderVersion, Version)
	header.Set(HeaderExtension, Extensions)
	if maxSize := h.manager.MaxUploadSize(); maxSize > 0 {
		header.Set(HeaderMaxSize, strconv.FormatInt(maxSize, 10))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !h.requireProtocol(w, r) {
		return
	}
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	totalSize, err := strconv.ParseInt(r.Header.Get(HeaderLength), 10, 64)
	if err != nil || totalSize < 0 {
		writeError(w, http.StatusBadRequest, "missing or invalid Upload-Length header")
		return
	}

	metadata := ParseMetadataHeader(r.Header.Get(HeaderMetadata))
	targetRef := metadata["target"]
	checksumAlgorithm := metadata["checksum_algorithm"]

	sess, err := h.manager.Create(r.Context(), owner, targetRef, totalSize, metadata, checksumAlgorithm)
	if err != nil {
		h.mapError(w, err)
		return
	}

	header := w.Header()
	header.Set(HeaderResumable, Version)
	header.Set("Location", h.absoluteLocation(r, sess.ID))

	// Creation-with-upload: a chunk body in the creation request is applied
	// as "create, then apply one chunk". No further atomicity is promised.
	if r.Header.Get("Content-Type") == ContentTypeOffset {
		newOffset, ok := h.applyBody(w, r, sess.ID, owner, 0)
		if !ok {
			return
		}
		header.Set(HeaderOffset, strconv.FormatInt(newOffset, 10))
	}

	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireProtocol(w, r) {
		return
	}
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	status, err := h.manager.Status(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		h.mapError(w, err)
		return
	}

	header := w.Header()
	header.Set(HeaderResumable, Version)
	header.Set("Cache-Control", "no-store")
	header.Set(HeaderOffset, strconv.FormatInt(status.Offset, 10))
	header.Set(HeaderLength, strconv.FormatInt(status.TotalSize, 10))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleChunk(w http.ResponseWriter, r *http.Request) {
	if !h.requireProtocol(w, r) {
		return
	}
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	if r.Header.Get("Content-Type") != ContentTypeOffset {
		writeError(w, http.StatusBadRequest, "missing or invalid Content-Type header")
		return
	}

	offset, err := strconv.ParseInt(r.Header.Get(HeaderOffset), 10, 64)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "missing or invalid Upload-Offset header")
		return
	}

	newOffset, ok := h.applyBody(w, r, r.PathValue("id"), owner, offset)
	if !ok {
		return
	}

	header := w.Header()
	header.Set(HeaderResumable, Version)
	header.Set(HeaderOffset, strconv.FormatInt(newOffset, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	if !h.requireProtocol(w, r) {
		return
	}
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	if err := h.manager.Terminate(r.Context(), r.PathValue("id"), owner); err != nil {
		h.mapError(w, err)
		return
	}

	w.Header().Set(HeaderResumable, Version)
	w.WriteHeader(http.StatusNoContent)
}

// applyBody reads the chunk payload, applies it at expectedOffset and, once
// the offset reaches the declared total, finalizes the session. It reports
// the new offset and whether the caller should keep writing the response.
func (h *Handler) applyBody(w http.ResponseWriter, r *http.Request, id string, owner string, expectedOffset int64) (int64, bool) {
	var checksum *upload.Checksum
	if header := r.Header.Get(HeaderChecksum); header != "" {
		var err error
		checksum, err = ParseChecksumHeader(header)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return 0, false
		}
	}

	body := r.Body
	if maxSize := h.manager.MaxUploadSize(); maxSize > 0 {
		body = http.MaxBytesReader(w, body, maxSize)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return 0, false
	}

	newOffset, err := h.manager.ApplyChunk(r.Context(), id, owner, expectedOffset, payload, checksum)
	if err != nil {
		h.mapError(w, err)
		return 0, false
	}

	status, err := h.manager.Status(r.Context(), id, owner)
	if err != nil {
		h.mapError(w, err)
		return 0, false
	}
	if status.Offset == status.TotalSize {
		if _, err := h.manager.Complete(r.Context(), id, owner); err != nil {
			h.mapError(w, err)
			return 0, false
		}
	}

	return newOffset, true
}

// requireProtocol re-validates protocol-version compatibility before
// anything else, independent of session state.
func (h *Handler) requireProtocol(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get(HeaderResumable) != Version {
		w.Header().Set(HeaderVersion, Version)
		writeError(w, http.StatusBadRequest, "missing, invalid or unsupported Tus-Resumable header")
		return false
	}
	return true
}

func (h *Handler) requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, ok, err := h.engine.AuthenticateRequest(r)
	if err != nil {
		slog.Error("Authenticate request", "err", err)
		writeError(w, http.StatusInternalServerError, "authentication failure")
		return "", false
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or unknown credentials")
		return "", false
	}
	return owner, true
}

func (h *Handler) absoluteLocation(r *http.Request, id string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s/%s", scheme, r.Host, h.basePath, id)
}

// mapError translates manager errors into wire statuses. The offset conflict
// response surfaces the authoritative offset so clients realign without
// guessing.
func (h *Handler) mapError(w http.ResponseWriter, err error) {
	var conflict *upload.OffsetConflictError
	var storage *upload.StorageError

	switch {
	case errors.As(err, &conflict):
		w.Header().Set(HeaderOffset, strconv.FormatInt(conflict.Current, 10))
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, upload.ErrNotFound), errors.Is(err, upload.ErrExpired):
		writeError(w, http.StatusNotFound, "upload not found")
	case errors.Is(err, upload.ErrForbidden):
		writeError(w, http.StatusForbidden, "not the upload owner")
	case errors.Is(err, upload.ErrSizeExceeded):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, upload.ErrChecksumMismatch):
		writeError(w, StatusChecksumMismatch, err.Error())
	case errors.Is(err, upload.ErrUnsupportedChecksum):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, upload.ErrIncompleteUpload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &storage):
		slog.Error("Storage failure", "err", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
	default:
		slog.Error("Upload operation", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set(HeaderResumable, Version)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message + "\n"))
}
