package transfer

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kenneth/cipherchat/internal/crypto"
	"github.com/sirupsen/logrus"
)

const (
	// ChunkSize is the raw byte size of every chunk except possibly the last.
	ChunkSize = 1024 * 1024

	// MaxFileSize is the largest file Prepare accepts.
	MaxFileSize = 100 * 1024 * 1024
)

// Handler splits files into encrypted chunks and reassembles them.
type Handler struct {
	cipher crypto.SymmetricCipher
	logger *logrus.Logger
}

// NewHandler creates a handler that encrypts chunks with cipher.
func NewHandler(cipher crypto.SymmetricCipher, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Handler{cipher: cipher, logger: logger}
}

// Prepare reads a regular file of at most MaxFileSize bytes and returns its
// metadata and encrypted chunks. Size and type are checked before reading.
func (h *Handler) Prepare(path string) (*FileMetadata, []*EncryptedChunk, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnsupportedFile, err)
	}
	if !info.Mode().IsRegular() {
		return nil, nil, fmt.Errorf("%w: %s is not a regular file", ErrUnsupportedFile, path)
	}
	if info.Size() > MaxFileSize {
		return nil, nil, fmt.Errorf("%w: %s is %s, maximum is %s",
			ErrUnsupportedFile, path, FormatSize(info.Size()), FormatSize(MaxFileSize))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return h.PrepareBytes(filepath.Base(path), data)
}

// PrepareBytes is Prepare for an in-memory file.
func (h *Handler) PrepareBytes(name string, data []byte) (*FileMetadata, []*EncryptedChunk, error) {
	if len(data) > MaxFileSize {
		return nil, nil, fmt.Errorf("%w: %s is %s, maximum is %s",
			ErrUnsupportedFile, name, FormatSize(int64(len(data))), FormatSize(MaxFileSize))
	}
	if name == "" || strings.Contains(name, recordSeparator) {
		return nil, nil, fmt.Errorf("%w: invalid filename %q", ErrUnsupportedFile, name)
	}

	totalChunks := (len(data) + ChunkSize - 1) / ChunkSize
	meta := &FileMetadata{
		Filename:    name,
		Size:        int64(len(data)),
		MimeType:    DetectMimeType(name),
		TotalChunks: totalChunks,
		Checksum:    Checksum(data),
	}

	chunks := make([]*EncryptedChunk, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}

		encoded := base64.StdEncoding.EncodeToString(data[start:end])
		payload, err := h.cipher.Encrypt([]byte(encoded))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encrypt chunk %d of %s: %w", i, name, err)
		}

		chunk := &EncryptedChunk{
			Index:        i,
			TotalChunks:  totalChunks,
			OriginalSize: end - start,
			Payload:      payload,
		}
		chunks = append(chunks, chunk)

		h.logger.WithFields(logrus.Fields{
			"filename": name,
			"chunk":    i,
			"bytes":    chunk.OriginalSize,
			"progress": chunk.Progress(),
		}).Debug("Encrypted chunk")
	}

	h.logger.WithFields(logrus.Fields{
		"filename":  name,
		"size":      meta.FormattedSize(),
		"mime_type": meta.MimeType,
		"chunks":    totalChunks,
	}).Info("Prepared file for transfer")

	return meta, chunks, nil
}

// Reassemble decrypts chunks and verifies them against meta. It returns the
// file bytes only when every check passes.
//
// Any failure attributable to a single chunk (bad index, undecodable
// payload, wrong size) also matches ErrChecksumMismatch, since it means the
// transmitted data was altered.
func (h *Handler) Reassemble(meta *FileMetadata, chunks []*EncryptedChunk) ([]byte, error) {
	if meta.Size < 0 || meta.Size > MaxFileSize {
		return nil, fmt.Errorf("%w: declared size %d", ErrUnsupportedFile, meta.Size)
	}
	if len(chunks) != meta.TotalChunks {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrChunkCountMismatch, meta.TotalChunks, len(chunks))
	}

	ordered := make([]*EncryptedChunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	data := make([]byte, 0, meta.Size)
	for i, chunk := range ordered {
		if chunk.Index != i || chunk.TotalChunks != meta.TotalChunks {
			return nil, fmt.Errorf("%w: %w: chunk %d/%d at position %d",
				ErrChecksumMismatch, ErrInvalidRecord, chunk.Index, chunk.TotalChunks, i)
		}

		plain, err := h.decryptChunk(chunk)
		if err != nil {
			return nil, err
		}
		data = append(data, plain...)

		h.logger.WithFields(logrus.Fields{
			"filename": meta.Filename,
			"chunk":    chunk.Index,
			"bytes":    len(plain),
			"progress": chunk.Progress(),
		}).Debug("Decrypted chunk")
	}

	if int64(len(data)) != meta.Size {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrFileSizeMismatch, meta.Size, len(data))
	}

	actual := Checksum(data)
	if subtle.ConstantTimeCompare([]byte(actual), []byte(strings.ToLower(meta.Checksum))) != 1 {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, meta.Checksum, actual)
	}

	h.logger.WithFields(logrus.Fields{
		"filename": meta.Filename,
		"size":     meta.FormattedSize(),
		"checksum": actual,
	}).Info("Reassembled and verified file")

	return data, nil
}

func (h *Handler) decryptChunk(chunk *EncryptedChunk) ([]byte, error) {
	decrypted, err := h.cipher.Decrypt(chunk.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %d: %w", ErrChecksumMismatch, chunk.Index, err)
	}
	plain, err := base64.StdEncoding.Strict().DecodeString(string(decrypted))
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %d: %w", ErrChecksumMismatch, chunk.Index, crypto.ErrDecode)
	}
	if len(plain) != chunk.OriginalSize {
		return nil, fmt.Errorf("%w: %w: chunk %d decrypted to %d bytes, expected %d",
			ErrChecksumMismatch, ErrChunkSizeMismatch, chunk.Index, len(plain), chunk.OriginalSize)
	}
	return plain, nil
}

// Checksum returns the lowercase SHA-256 hex digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
