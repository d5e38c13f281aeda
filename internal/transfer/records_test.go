package transfer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataRecord(t *testing.T) {
	meta := &FileMetadata{
		Filename:    "photo.jpg",
		Size:        2621440,
		MimeType:    "image/jpeg",
		TotalChunks: 3,
		Checksum:    "ab12",
	}

	record, err := meta.Record()
	require.NoError(t, err)
	assert.Equal(t, "photo.jpg|2621440|image/jpeg|3|ab12", record)

	parsed, err := ParseMetadata(record)
	require.NoError(t, err)
	assert.Equal(t, meta, parsed)
}

func TestMetadataRecordRejectsSeparator(t *testing.T) {
	meta := &FileMetadata{Filename: "a|b.txt"}
	_, err := meta.Record()
	assert.True(t, errors.Is(err, ErrInvalidRecord))
}

func TestParseMetadataErrors(t *testing.T) {
	tests := []struct {
		name   string
		record string
	}{
		{name: "too few fields", record: "a.txt|1|text/plain|1"},
		{name: "too many fields", record: "a|b.txt|1|text/plain|1|ff"},
		{name: "bad size", record: "a.txt|x|text/plain|1|ff"},
		{name: "negative size", record: "a.txt|-1|text/plain|1|ff"},
		{name: "bad chunk count", record: "a.txt|1|text/plain|one|ff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMetadata(tt.record)
			assert.True(t, errors.Is(err, ErrInvalidRecord), "got %v", err)
		})
	}
}

func TestChunkRecord(t *testing.T) {
	chunk := &EncryptedChunk{Index: 2, TotalChunks: 5, OriginalSize: 1048576, Payload: "QUJD|with=pipe"}

	record := chunk.Record()
	assert.Equal(t, "2|5|1048576|QUJD|with=pipe", record)

	parsed, err := ParseChunk(record)
	require.NoError(t, err)
	assert.Equal(t, chunk, parsed)
}

func TestParseChunkErrors(t *testing.T) {
	for _, record := range []string{"", "1|2|3", "a|2|3|p", "1|b|3|p", "1|2|c|p", "-1|2|3|p"} {
		_, err := ParseChunk(record)
		assert.True(t, errors.Is(err, ErrInvalidRecord), "record %q: got %v", record, err)
	}
}

func TestChunkProgress(t *testing.T) {
	tests := []struct {
		index, total int
		progress     int
		last         bool
	}{
		{0, 1, 100, true},
		{0, 3, 33, false},
		{1, 3, 66, false},
		{2, 3, 100, true},
		{0, 0, 100, false},
	}

	for _, tt := range tests {
		c := &EncryptedChunk{Index: tt.index, TotalChunks: tt.total}
		assert.Equal(t, tt.progress, c.Progress(), "chunk %d/%d", tt.index, tt.total)
		assert.Equal(t, tt.last, c.IsLast(), "chunk %d/%d", tt.index, tt.total)
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1024 * 1024, "1.00 MB"},
		{100 * 1024 * 1024, "100.00 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatSize(tt.n))
	}
}

func TestDetectMimeType(t *testing.T) {
	tests := map[string]string{
		"photo.JPG":     "image/jpeg",
		"photo.jpeg":    "image/jpeg",
		"doc.pdf":       "application/pdf",
		"sheet.xlsx":    "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"song.mp3":      "audio/mpeg",
		"archive.7z":    "application/x-7z-compressed",
		"notes.txt":     "text/plain",
		"noext":         DefaultMimeType,
		"weird.unknown": DefaultMimeType,
	}

	for name, want := range tests {
		assert.Equal(t, want, DetectMimeType(name), name)
	}
	assert.True(t, IsImage("image/png"))
	assert.False(t, IsImage("text/plain"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "receiving", StateReceiving.String())
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "state(99)", State(99).String())
}
