// Package tus implements the resumable upload wire protocol (tus v1.0.0
// semantics) over the upload session manager.
package tus

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tempohq/tempo/internal/upload"
)

const (
	// Version is the protocol version advertised and required on every
	// operation except capability discovery.
	Version = "1.0.0"

	// Extensions is the supported extension set, advertised verbatim.
	Extensions = "creation,creation-with-upload,termination"

	HeaderResumable = "Tus-Resumable"
	HeaderVersion   = "Tus-Version"
	HeaderMaxSize   = "Tus-Max-Size"
	HeaderExtension = "Tus-Extension"
	HeaderOffset    = "Upload-Offset"
	HeaderLength    = "Upload-Length"
	HeaderMetadata  = "Upload-Metadata"
	HeaderChecksum  = "Upload-Checksum"

	// ContentTypeOffset is the required content type for chunk bodies: an
	// untyped byte stream, never a structured encoding.
	ContentTypeOffset = "application/offset+octet-stream"

	// StatusChecksumMismatch is a project-specific status code kept for
	// client compatibility. Do not replace it with a standard code.
	StatusChecksumMismatch = 460
)

// ParseMetadataHeader parses an Upload-Metadata header: comma-separated
// "key base64value" pairs, e.g. "filename bHVucmpzLnBuZw==,target cHMtMQ==".
// Keys without a value are kept with an empty value; entries whose value is
// not valid base64 are ignored.
func ParseMetadataHeader(header string) map[string]string {
	meta := make(map[string]string)
	for _, entry := range strings.Split(header, ",") {
		parts := strings.Fields(entry)
		if len(parts) == 0 || parts[0] == "" {
			continue
		}
		if len(parts) == 1 {
			meta[parts[0]] = ""
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			continue
		}
		meta[parts[0]] = string(decoded)
	}
	return meta
}

// SerializeMetadataHeader renders a metadata map in Upload-Metadata form.
func SerializeMetadataHeader(meta map[string]string) string {
	entries := make([]string, 0, len(meta))
	for key, value := range meta {
		entries = append(entries, key+" "+base64.StdEncoding.EncodeToString([]byte(value)))
	}
	return strings.Join(entries, ",")
}

// ParseChecksumHeader parses an Upload-Checksum header: an algorithm name
// and a base64-encoded digest separated by a space.
func ParseChecksumHeader(header string) (*upload.Checksum, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed checksum header %q", header)
	}
	sum, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("checksum is not valid base64: %w", err)
	}
	return &upload.Checksum{Algorithm: parts[0], Sum: sum}, nil
}
