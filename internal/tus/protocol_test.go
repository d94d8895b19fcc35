package tus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMetadataHeader(t *testing.T) {
	t.Parallel()

	meta := ParseMetadataHeader("filename bHVucmpzLnBuZw==,target cHMtMQ==")
	require.Equal(t, "lunrjs.png", meta["filename"])
	require.Equal(t, "ps-1", meta["target"])

	// Bare keys are kept with an empty value; broken base64 is dropped.
	meta = ParseMetadataHeader("is_confidential,broken !!!not-base64!!!")
	value, ok := meta["is_confidential"]
	require.True(t, ok)
	require.Empty(t, value)
	require.NotContains(t, meta, "broken")

	require.Empty(t, ParseMetadataHeader(""))
}

func TestMetadataRoundTrip(t *testing.T) {
	t.Parallel()

	want := map[string]string{
		"filename": "clip.mp4",
		"target":   "media-42",
		"notes":    "contains spaces, commas",
	}
	require.Equal(t, want, ParseMetadataHeader(SerializeMetadataHeader(want)))
}

func TestParseChecksumHeader(t *testing.T) {
	t.Parallel()

	checksum, err := ParseChecksumHeader("sha1 qvTGHdzF6KLavt4PO0gs2a6pQ00=")
	require.NoError(t, err)
	require.Equal(t, "sha1", checksum.Algorithm)
	require.Len(t, checksum.Sum, 20)

	for _, header := range []string{"", "sha1", "sha1 two three", "sha1 %%%"} {
		_, err := ParseChecksumHeader(header)
		require.Error(t, err, "header %q", header)
	}
}
