package crypto

import "errors"

var (
	// ErrInvalidKey is returned when a symmetric key is not a 32-character hex string.
	ErrInvalidKey = errors.New("invalid symmetric key")

	// ErrDecode is returned when ciphertext or key material is not valid base64
	// or does not parse.
	ErrDecode = errors.New("malformed base64 input")

	// ErrFormat is returned when a decoded envelope is too short to hold an IV.
	ErrFormat = errors.New("malformed ciphertext envelope")

	// ErrSignatureInvalid is returned by callers that treat a failed Verify as terminal.
	ErrSignatureInvalid = errors.New("signature verification failed")
)
