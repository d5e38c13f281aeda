package transfer

import (
	"errors"

	"github.com/kenneth/cipherchat/internal/crypto"
)

var (
	// ErrUnsupportedFile is returned when a source is not a regular file or exceeds MaxFileSize.
	ErrUnsupportedFile = errors.New("unsupported file")

	// ErrChunkCountMismatch is returned when the number of chunks differs from the metadata.
	ErrChunkCountMismatch = errors.New("chunk count mismatch")

	// ErrChunkSizeMismatch is returned when a decrypted chunk is not its declared size.
	ErrChunkSizeMismatch = errors.New("chunk size mismatch")

	// ErrFileSizeMismatch is returned when the reassembled file is not the declared size.
	ErrFileSizeMismatch = errors.New("file size mismatch")

	// ErrChecksumMismatch is returned when the reassembled bytes do not hash to the
	// declared checksum. Per-chunk decode failures also match it.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInvalidRecord is returned when a metadata or chunk record cannot be parsed.
	ErrInvalidRecord = errors.New("invalid transfer record")

	// ErrUnknownTransfer is returned when a chunk or end marker matches no pending transfer.
	ErrUnknownTransfer = errors.New("unknown transfer")

	// ErrSignatureInvalid is returned when the checksum signature does not verify.
	ErrSignatureInvalid = crypto.ErrSignatureInvalid
)
