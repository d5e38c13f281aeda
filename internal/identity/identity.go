// Package identity manages the node's long-lived RSA key pair. The private
// key is stored on disk sealed under a passphrase; the public key is stored
// in the clear so it can be shown without unlocking.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kenneth/cipherchat/internal/crypto"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	privateKeyFile = "identity.enc"
	publicKeyFile  = "identity.pub"

	keystoreFormatVersion = 1

	// scrypt cost written by NewStore; sealed keys asking for more are refused.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var (
	// ErrWrongPassphrase is returned when the sealed key cannot be opened.
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted identity")

	// ErrNotFound is returned when no identity has been saved in the directory.
	ErrNotFound = errors.New("identity not found")

	// ErrKeystoreParams is returned for a sealed key with out-of-range scrypt cost.
	ErrKeystoreParams = errors.New("keystore scrypt parameters out of range")
)

// Identity is the node's RSA key pair with its exported forms.
type Identity struct {
	PrivateKey  *rsa.PrivateKey
	PublicKey   string // base64 SPKI
	Fingerprint string
}

// New wraps an existing private key.
func New(priv *rsa.PrivateKey) (*Identity, error) {
	pub, err := crypto.ExportPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Identity{
		PrivateKey:  priv,
		PublicKey:   pub,
		Fingerprint: crypto.Fingerprint(&priv.PublicKey),
	}, nil
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv)
}

// sealed is the on-disk JSON form of the private key.
type sealed struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// Store reads and writes an identity in a directory.
type Store struct {
	dir string
	mu  sync.Mutex

	// scrypt cost parameters
	n, r, p int
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, n: scryptN, r: scryptR, p: scryptP}
}

// Exists reports whether a sealed private key is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(filepath.Join(s.dir, privateKeyFile))
	return err == nil
}

// Save seals id under passphrase and writes both key files.
func (s *Store) Save(passphrase string, id *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	der, err := crypto.ExportPrivateKey(id.PrivateKey)
	if err != nil {
		return err
	}
	blob, err := s.seal(passphrase, der)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, privateKeyFile), blob, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, publicKeyFile), []byte(id.PublicKey+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}

// Load opens the sealed private key with passphrase.
func (s *Store) Load(passphrase string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := os.ReadFile(filepath.Join(s.dir, privateKeyFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w in %s", ErrNotFound, s.dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	der, err := open(passphrase, blob)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.ImportPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassphrase, err)
	}
	return New(priv)
}

// LoadOrCreate loads the identity, generating and saving a new one when the
// directory holds none. created reports whether a new identity was made.
func (s *Store) LoadOrCreate(passphrase string) (id *Identity, created bool, err error) {
	id, err = s.Load(passphrase)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := s.Save(passphrase, id); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// PublicKey returns the stored public key without unlocking the private key.
func (s *Store) PublicKey() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, publicKeyFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w in %s", ErrNotFound, s.dir)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read public key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Store) seal(passphrase string, raw []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), salt, s.n, s.r, s.p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return json.Marshal(sealed{
		V:      keystoreFormatVersion,
		Salt:   salt,
		N:      s.n,
		R:      s.r,
		P:      s.p,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, raw, salt),
	})
}

func open(passphrase string, blob []byte) ([]byte, error) {
	var b sealed
	if err := json.Unmarshal(blob, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassphrase, err)
	}
	if b.V > keystoreFormatVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", b.V)
	}
	if b.N < 2 || b.N > scryptN || b.N&(b.N-1) != 0 ||
		b.R < 1 || b.R > scryptR || b.P < 1 || b.P > scryptP {
		return nil, fmt.Errorf("%w: N=%d r=%d p=%d", ErrKeystoreParams, b.N, b.R, b.P)
	}

	key, err := scrypt.Key([]byte(passphrase), b.Salt, b.N, b.R, b.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassphrase, err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(b.Nonce) != aead.NonceSize() {
		return nil, ErrWrongPassphrase
	}
	raw, err := aead.Open(nil, b.Nonce, b.Cipher, b.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return raw, nil
}
