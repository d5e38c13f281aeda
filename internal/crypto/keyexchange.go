package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// RSAKeyBits is the modulus size of generated key pairs.
const RSAKeyBits = 2048

// GenerateKeyPair returns a new RSA-2048 private key; the public half is priv.PublicKey.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key pair: %w", err)
	}
	return priv, nil
}

// ExportPublicKey encodes pub as base64 of its X.509 SubjectPublicKeyInfo DER.
func ExportPublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ImportPublicKey parses the output of ExportPublicKey.
func ImportPublicKey(text string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrDecode, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrDecode, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T, not RSA", ErrDecode, parsed)
	}
	return pub, nil
}

// ExportPrivateKey encodes priv as PKCS#8 DER.
func ExportPrivateKey(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return der, nil
}

// ImportPrivateKey parses PKCS#8 DER produced by ExportPrivateKey.
func ImportPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", parsed)
	}
	return priv, nil
}

// SealSymmetricKey encrypts the symmetric key text directly under the
// recipient's public key (RSA PKCS#1 v1.5). Only valid for payloads far
// smaller than the modulus.
func SealSymmetricKey(keyText string, recipient *rsa.PublicKey) (string, error) {
	sealed, err := rsa.EncryptPKCS1v15(rand.Reader, recipient, []byte(keyText))
	if err != nil {
		return "", fmt.Errorf("failed to seal symmetric key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenSymmetricKey reverses SealSymmetricKey with the recipient's private key.
func OpenSymmetricKey(sealed string, priv *rsa.PrivateKey) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: sealed key: %v", ErrDecode, err)
	}
	keyText, err := rsa.DecryptPKCS1v15(rand.Reader, priv, data)
	if err != nil {
		return "", fmt.Errorf("failed to open symmetric key: %w", err)
	}
	return string(keyText), nil
}

// Sign signs SHA-256(message) with PKCS#1 v1.5 and returns base64.
func Sign(message string, priv *rsa.PrivateKey) (string, error) {
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is a valid Sign output for message under
// pub. Malformed signatures and nil keys yield false.
func Verify(message, signature string, pub *rsa.PublicKey) bool {
	if pub == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(message))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// Fingerprint returns a short hex fingerprint of pub for logs and audit.
//
// It hashes the SPKI DER with SHA-256 and truncates to 10 bytes (20 hex chars).
func Fingerprint(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:10])
}
