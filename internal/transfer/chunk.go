package transfer

import (
	"fmt"
	"strconv"
	"strings"
)

// EncryptedChunk is one encrypted slice of a file.
type EncryptedChunk struct {
	Index        int
	TotalChunks  int
	OriginalSize int
	Payload      string // cipher envelope of the base64-encoded chunk bytes
}

// IsLast reports whether c is the final chunk of its file.
func (c *EncryptedChunk) IsLast() bool {
	return c.Index == c.TotalChunks-1
}

// Progress returns the integer percentage of the file delivered once c arrives.
func (c *EncryptedChunk) Progress() int {
	if c.TotalChunks <= 0 {
		return 100
	}
	return (c.Index + 1) * 100 / c.TotalChunks
}

// Record renders c as index|total|originalSize|payload.
func (c *EncryptedChunk) Record() string {
	return strings.Join([]string{
		strconv.Itoa(c.Index),
		strconv.Itoa(c.TotalChunks),
		strconv.Itoa(c.OriginalSize),
		c.Payload,
	}, recordSeparator)
}

// ParseChunk parses a record produced by EncryptedChunk.Record. The payload
// is everything after the third separator.
func ParseChunk(record string) (*EncryptedChunk, error) {
	parts := strings.SplitN(record, recordSeparator, 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: chunk has %d fields, want 4", ErrInvalidRecord, len(parts))
	}

	fields := make([]int, 3)
	for i, name := range []string{"index", "total", "size"} {
		v, err := strconv.Atoi(parts[i])
		if err != nil || v < 0 {
			return nil, fmt.Errorf("%w: chunk %s %q", ErrInvalidRecord, name, parts[i])
		}
		fields[i] = v
	}

	return &EncryptedChunk{
		Index:        fields[0],
		TotalChunks:  fields[1],
		OriginalSize: fields[2],
		Payload:      parts[3],
	}, nil
}

func (c *EncryptedChunk) String() string {
	return fmt.Sprintf("chunk %d/%d (%d bytes, %d chars encrypted)", c.Index+1, c.TotalChunks, c.OriginalSize, len(c.Payload))
}
