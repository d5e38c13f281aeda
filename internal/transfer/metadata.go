package transfer

import (
	"fmt"
	"strconv"
	"strings"
)

const recordSeparator = "|"

// FileMetadata describes a file being transferred.
type FileMetadata struct {
	Filename    string
	Size        int64
	MimeType    string
	TotalChunks int
	Checksum    string // lowercase SHA-256 hex of the raw file bytes
}

// FormattedSize renders Size with a binary unit, e.g. "512 B" or "1.50 MB".
func (m *FileMetadata) FormattedSize() string {
	return FormatSize(m.Size)
}

// FormatSize renders a byte count the way FormattedSize does.
func FormatSize(n int64) string {
	const unit = 1024
	switch {
	case n < unit:
		return fmt.Sprintf("%d B", n)
	case n < unit*unit:
		return fmt.Sprintf("%.2f KB", float64(n)/unit)
	case n < unit*unit*unit:
		return fmt.Sprintf("%.2f MB", float64(n)/(unit*unit))
	default:
		return fmt.Sprintf("%.2f GB", float64(n)/(unit*unit*unit))
	}
}

// Record renders m as filename|size|mimeType|totalChunks|checksum.
func (m *FileMetadata) Record() (string, error) {
	if strings.Contains(m.Filename, recordSeparator) {
		return "", fmt.Errorf("%w: filename %q contains %q", ErrInvalidRecord, m.Filename, recordSeparator)
	}
	return strings.Join([]string{
		m.Filename,
		strconv.FormatInt(m.Size, 10),
		m.MimeType,
		strconv.Itoa(m.TotalChunks),
		m.Checksum,
	}, recordSeparator), nil
}

// ParseMetadata parses a record produced by FileMetadata.Record.
func ParseMetadata(record string) (*FileMetadata, error) {
	parts := strings.Split(record, recordSeparator)
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: metadata has %d fields, want 5", ErrInvalidRecord, len(parts))
	}

	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("%w: file size %q", ErrInvalidRecord, parts[1])
	}
	total, err := strconv.Atoi(parts[3])
	if err != nil || total < 0 {
		return nil, fmt.Errorf("%w: chunk count %q", ErrInvalidRecord, parts[3])
	}

	return &FileMetadata{
		Filename:    parts[0],
		Size:        size,
		MimeType:    parts[2],
		TotalChunks: total,
		Checksum:    parts[4],
	}, nil
}

func (m *FileMetadata) String() string {
	return fmt.Sprintf("%s (%s, %s, %d chunks)", m.Filename, m.FormattedSize(), m.MimeType, m.TotalChunks)
}
