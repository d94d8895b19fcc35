package client

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	protocolVersion   = "1.0.0"
	headerResumable   = "Tus-Resumable"
	headerOffset      = "Upload-Offset"
	headerLength      = "Upload-Length"
	headerMetadata    = "Upload-Metadata"
	headerChecksum    = "Upload-Checksum"
	contentTypeOffset = "application/offset+octet-stream"

	statusChecksumMismatch = 460
)

var (
	// ErrSessionGone is returned when the server no longer knows the
	// session (terminated, expired and swept, or never created here).
	ErrSessionGone = errors.New("upload session gone")

	// ErrChecksumRejected is returned when the server discarded a chunk
	// because its checksum did not match. The offset is unchanged; resend
	// the same chunk.
	ErrChecksumRejected = errors.New("server rejected chunk checksum")
)

// OffsetConflictError reports that the server's current offset differs from
// the one the chunk was sent for. Current is authoritative.
type OffsetConflictError struct {
	Current int64
}

func (e *OffsetConflictError) Error() string {
	return fmt.Sprintf("offset conflict: server offset is %d", e.Current)
}

// Client speaks the resumable upload protocol against one server. The
// underlying transport transparently retries connection failures and 5xx
// responses; protocol-level conflicts (409, 460) surface as typed errors so
// the transfer engine can resynchronize.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

// NewClient creates a protocol client for baseURL (e.g.
// "http://localhost:9000/uploads") authenticating with the given bearer
// token.
func NewClient(baseURL string, token string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil

	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    rc,
	}
}

// Create opens a new upload session and returns its location. Metadata
// values are free-form; the target ref rides along under the "target" key.
func (c *Client) Create(ctx context.Context, target string, size int64, metadata map[string]string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, nil)
	if err != nil {
		return "", err
	}

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	if target != "" {
		meta["target"] = target
	}

	c.decorate(req)
	req.Header.Set(headerLength, strconv.FormatInt(size, 10))
	if len(meta) > 0 {
		req.Header.Set(headerMetadata, serializeMetadata(meta))
	}
	if size == 0 {
		// A zero-length upload has no chunks to send, so nothing would ever
		// finalize it. Creation-with-upload with an empty body makes the
		// server finalize the session as part of creation.
		req.Header.Set("Content-Type", contentTypeOffset)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusCreated {
		return "", unexpectedStatus(resp)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", errors.New("creation response carried no location")
	}
	return location, nil
}

// Offset queries the server's authoritative offset for a session.
func (c *Client) Offset(ctx context.Context, location string) (int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, location, nil)
	if err != nil {
		return 0, err
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return strconv.ParseInt(resp.Header.Get(headerOffset), 10, 64)
	case http.StatusNotFound, http.StatusGone:
		return 0, ErrSessionGone
	default:
		return 0, unexpectedStatus(resp)
	}
}

// SendChunk applies one chunk at the given offset and returns the new
// offset. Each chunk carries a SHA-1 checksum so corruption is caught before
// the server records anything.
func (c *Client) SendChunk(ctx context.Context, location string, offset int64, chunk []byte) (int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPatch, location, bytes.NewReader(chunk))
	if err != nil {
		return 0, err
	}
	c.decorate(req)
	req.Header.Set("Content-Type", contentTypeOffset)
	req.Header.Set(headerOffset, strconv.FormatInt(offset, 10))

	sum := sha1.Sum(chunk)
	req.Header.Set(headerChecksum, "sha1 "+base64.StdEncoding.EncodeToString(sum[:]))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return strconv.ParseInt(resp.Header.Get(headerOffset), 10, 64)
	case http.StatusConflict:
		current, parseErr := strconv.ParseInt(resp.Header.Get(headerOffset), 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("conflict response carried no offset: %w", parseErr)
		}
		return 0, &OffsetConflictError{Current: current}
	case statusChecksumMismatch:
		return 0, ErrChecksumRejected
	case http.StatusNotFound, http.StatusGone:
		return 0, ErrSessionGone
	default:
		return 0, unexpectedStatus(resp)
	}
}

// Terminate deletes a session. Terminating an already-gone session succeeds.
func (c *Client) Terminate(ctx context.Context, location string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, location, nil)
	if err != nil {
		return err
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound, http.StatusGone:
		return nil
	default:
		return unexpectedStatus(resp)
	}
}

func (c *Client) decorate(req *retryablehttp.Request) {
	req.Header.Set(headerResumable, protocolVersion)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func serializeMetadata(meta map[string]string) string {
	var buf bytes.Buffer
	for key, value := range meta {
		if buf.Len() > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(key)
		buf.WriteByte(' ')
		buf.WriteString(base64.StdEncoding.EncodeToString([]byte(value)))
	}
	return buf.String()
}

func unexpectedStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
