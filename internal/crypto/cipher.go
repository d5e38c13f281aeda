package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	// Rounds is the number of transform + split-and-mix rounds applied per message.
	Rounds = 10

	// IVSize is the size of the per-message initialization vector in bytes.
	IVSize = 16

	// KeyLength is the required length of a symmetric key in hex characters (128 bits).
	KeyLength = 32
)

// Trace stage names reported through TraceFunc.
const (
	StagePrewhiten        = "prewhiten"
	StageTransform        = "transform"
	StageSplitMix         = "split_mix"
	StageEmbedIV          = "embed_iv"
	StageExtractIV        = "extract_iv"
	StageUnsplitUnmix     = "unsplit_unmix"
	StageReverseTransform = "reverse_transform"
	StagePostwhiten       = "postwhiten"
)

// TraceEvent describes one completed stage of an encrypt or decrypt call.
// Round is zero for stages that run outside the round loop.
type TraceEvent struct {
	Operation string
	Round     int
	Stage     string
	Bytes     int
}

// TraceFunc receives stage events. It is called synchronously from the
// goroutine running Encrypt or Decrypt.
type TraceFunc func(TraceEvent)

// SymmetricCipher encrypts byte sequences to base64 text and back.
type SymmetricCipher interface {
	// Encrypt encrypts plaintext under a fresh IV and returns the base64 envelope.
	Encrypt(plaintext []byte) (string, error)

	// Decrypt reverses Encrypt. A wrong key yields garbage, not an error.
	Decrypt(ciphertext string) ([]byte, error)
}

// BlockCipher is the 10-round IV-whitened transposition cipher keyed by a
// 32-character hex string. It holds no mutable state and is safe for
// concurrent use.
type BlockCipher struct {
	key    string
	keySum int
	trace  TraceFunc
	random io.Reader
}

// NewBlockCipher creates a cipher for the given 32-character hex key.
func NewBlockCipher(key string) (*BlockCipher, error) {
	return NewBlockCipherWithTracer(key, nil)
}

// NewBlockCipherWithTracer creates a cipher that reports every stage to trace.
func NewBlockCipherWithTracer(key string, trace TraceFunc) (*BlockCipher, error) {
	if err := ValidateSymmetricKey(key); err != nil {
		return nil, err
	}
	return &BlockCipher{
		key:    key,
		keySum: keySum(key),
		trace:  trace,
		random: rand.Reader,
	}, nil
}

// ValidateSymmetricKey checks that key is exactly 32 hex characters.
func ValidateSymmetricKey(key string) error {
	if len(key) != KeyLength {
		return fmt.Errorf("%w: must be %d hex characters, got %d", ErrInvalidKey, KeyLength, len(key))
	}
	if _, err := hex.DecodeString(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

// GenerateSymmetricKey returns a fresh 128-bit key as 32 lowercase hex characters.
func GenerateSymmetricKey() (string, error) {
	key := make([]byte, KeyLength/2)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate symmetric key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Encrypt implements SymmetricCipher.
func (c *BlockCipher) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.random, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	block := xorWithIV(plaintext, iv)
	c.emit("encrypt", 0, StagePrewhiten, len(block))

	for round := 1; round <= Rounds; round++ {
		block = transform(block, round, c.key)
		c.emit("encrypt", round, StageTransform, len(block))
		block = splitAndMix(block, round, c.keySum)
		c.emit("encrypt", round, StageSplitMix, len(block))
	}

	envelope := embedIV(iv, block, c.keySum)
	c.emit("encrypt", 0, StageEmbedIV, len(envelope))

	return base64.StdEncoding.EncodeToString(envelope), nil
}

// Decrypt implements SymmetricCipher.
func (c *BlockCipher) Decrypt(ciphertext string) ([]byte, error) {
	envelope, err := base64.StdEncoding.Strict().DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(envelope) < IVSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrFormat, len(envelope), IVSize)
	}

	iv, block := extractIV(envelope, c.keySum)
	c.emit("decrypt", 0, StageExtractIV, len(block))

	for round := Rounds; round >= 1; round-- {
		block = unsplitAndUnmix(block, round, c.keySum)
		c.emit("decrypt", round, StageUnsplitUnmix, len(block))
		block = reverseTransform(block, round, c.key)
		c.emit("decrypt", round, StageReverseTransform, len(block))
	}

	plaintext := xorWithIV(block, iv)
	c.emit("decrypt", 0, StagePostwhiten, len(plaintext))
	return plaintext, nil
}

func (c *BlockCipher) emit(operation string, round int, stage string, n int) {
	if c.trace == nil {
		return
	}
	c.trace(TraceEvent{Operation: operation, Round: round, Stage: stage, Bytes: n})
}

// xorWithIV XORs data with iv, cycling the IV over longer inputs.
func xorWithIV(data, iv []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ iv[i%len(iv)]
	}
	return out
}
