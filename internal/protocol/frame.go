package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kenneth/cipherchat/internal/transfer"
)

// Line prefixes and separators of the peer wire format. Every message is a
// single '\n'-terminated line.
const (
	PrefixFileStart    = "FILE_START||"
	PrefixFileChunk    = "FILE_CHUNK||"
	PrefixFileEnd      = "FILE_END||"
	SignatureSeparator = "||SIG||"
)

// ErrMalformedFrame is returned for lines that match no known frame layout.
var ErrMalformedFrame = errors.New("malformed frame")

// FrameKind identifies the type of a parsed line.
type FrameKind int

const (
	FrameChat FrameKind = iota
	FrameFileStart
	FrameFileChunk
	FrameFileEnd
)

func (k FrameKind) String() string {
	switch k {
	case FrameChat:
		return "chat"
	case FrameFileStart:
		return "file_start"
	case FrameFileChunk:
		return "file_chunk"
	case FrameFileEnd:
		return "file_end"
	default:
		return fmt.Sprintf("frame(%d)", int(k))
	}
}

// Frame is one parsed protocol line. Only the fields of its Kind are set.
type Frame struct {
	Kind FrameKind

	// FrameChat
	Ciphertext string

	// FrameFileStart
	Metadata *transfer.FileMetadata

	// FrameFileChunk
	Chunk *transfer.EncryptedChunk

	// FrameFileEnd
	Checksum string

	// FrameChat and FrameFileEnd
	Signature string
}

// EncodeChat renders a chat line: ciphertext||SIG||signature.
func EncodeChat(ciphertext, signature string) string {
	return ciphertext + SignatureSeparator + signature
}

// EncodeFileStart renders FILE_START||<metadata record>.
func EncodeFileStart(meta *transfer.FileMetadata) (string, error) {
	record, err := meta.Record()
	if err != nil {
		return "", err
	}
	return PrefixFileStart + record, nil
}

// EncodeFileChunk renders FILE_CHUNK||<chunk record>.
func EncodeFileChunk(chunk *transfer.EncryptedChunk) string {
	return PrefixFileChunk + chunk.Record()
}

// EncodeFileEnd renders FILE_END||checksum||SIG||signature.
func EncodeFileEnd(checksum, signature string) string {
	return PrefixFileEnd + checksum + SignatureSeparator + signature
}

// EncodeTransfer renders every line of an outgoing file in send order.
func EncodeTransfer(out *transfer.Outgoing) ([]string, error) {
	start, err := EncodeFileStart(out.Metadata)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(out.Chunks)+2)
	lines = append(lines, start)
	for _, c := range out.Chunks {
		lines = append(lines, EncodeFileChunk(c))
	}
	lines = append(lines, EncodeFileEnd(out.Metadata.Checksum, out.Signature))
	return lines, nil
}

// ParseFrame classifies and parses one line (without its newline).
func ParseFrame(line string) (*Frame, error) {
	switch {
	case strings.HasPrefix(line, PrefixFileStart):
		meta, err := transfer.ParseMetadata(strings.TrimPrefix(line, PrefixFileStart))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		return &Frame{Kind: FrameFileStart, Metadata: meta}, nil

	case strings.HasPrefix(line, PrefixFileChunk):
		chunk, err := transfer.ParseChunk(strings.TrimPrefix(line, PrefixFileChunk))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		return &Frame{Kind: FrameFileChunk, Chunk: chunk}, nil

	case strings.HasPrefix(line, PrefixFileEnd):
		checksum, sig, ok := splitSigned(strings.TrimPrefix(line, PrefixFileEnd))
		if !ok {
			return nil, fmt.Errorf("%w: file end without signature", ErrMalformedFrame)
		}
		return &Frame{Kind: FrameFileEnd, Checksum: checksum, Signature: sig}, nil

	default:
		ct, sig, ok := splitSigned(line)
		if !ok {
			return nil, fmt.Errorf("%w: chat line without signature", ErrMalformedFrame)
		}
		return &Frame{Kind: FrameChat, Ciphertext: ct, Signature: sig}, nil
	}
}

// splitSigned splits "body||SIG||signature"; exactly one separator is allowed.
func splitSigned(s string) (body, sig string, ok bool) {
	parts := strings.Split(s, SignatureSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
