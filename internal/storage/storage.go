// Package storage persists verified received files to a local directory or
// an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/kenneth/cipherchat/internal/config"
	"github.com/kenneth/cipherchat/internal/metrics"
	"github.com/kenneth/cipherchat/internal/transfer"
)

var (
	// ErrNotFound is returned when no object exists under a key.
	ErrNotFound = errors.New("object not found")

	// ErrInvalidKey is returned for keys that escape the store root.
	ErrInvalidKey = errors.New("invalid object key")
)

// Object describes a stored file.
type Object struct {
	Key      string
	Filename string
	Sender   string // key fingerprint of the peer that sent the file
	MimeType string
	Checksum string
	Size     int64
	StoredAt time.Time
}

// Store is a durable sink for received files.
type Store interface {
	// Put writes file under ObjectKey(file) and returns its description.
	Put(ctx context.Context, file *transfer.ReceivedFile) (*Object, error)

	// Get opens the object stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)

	// List returns the objects whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Delete removes the object under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Backend names the implementation for logs and metrics.
	Backend() string
}

// ObjectKey is sender/filename; files from unknown senders go under "anonymous".
func ObjectKey(file *transfer.ReceivedFile) string {
	sender := file.SenderFingerprint
	if sender == "" {
		sender = "anonymous"
	}
	return sender + "/" + path.Base(file.Metadata.Filename)
}

// splitKey validates key and returns its sender and filename parts.
func splitKey(key string) (sender, filename string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" ||
		parts[0] == "." || parts[0] == ".." || parts[1] == "." || parts[1] == ".." {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return parts[0], parts[1], nil
}

// New builds the store selected by cfg.Backend. It returns a nil Store for
// the "none" backend.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "local":
		return NewLocalStore(cfg.Local.Dir)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

// instrumented records every call of the wrapped store in metrics.
type instrumented struct {
	Store
	metrics *metrics.Metrics
}

// WithMetrics wraps s so that each operation is timed and failures counted.
func WithMetrics(s Store, m *metrics.Metrics) Store {
	if s == nil || m == nil {
		return s
	}
	return &instrumented{Store: s, metrics: m}
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	i.metrics.RecordStorageOperation(i.Backend(), op, time.Since(start))
	if err != nil {
		errType := "error"
		switch {
		case errors.Is(err, ErrNotFound):
			errType = "not_found"
		case errors.Is(err, ErrInvalidKey):
			errType = "invalid_key"
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			errType = "canceled"
		}
		i.metrics.RecordStorageError(i.Backend(), op, errType)
	}
}

func (i *instrumented) Put(ctx context.Context, file *transfer.ReceivedFile) (*Object, error) {
	start := time.Now()
	obj, err := i.Store.Put(ctx, file)
	i.observe("put", start, err)
	return obj, err
}

func (i *instrumented) Get(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	start := time.Now()
	rc, obj, err := i.Store.Get(ctx, key)
	i.observe("get", start, err)
	return rc, obj, err
}

func (i *instrumented) List(ctx context.Context, prefix string) ([]Object, error) {
	start := time.Now()
	objs, err := i.Store.List(ctx, prefix)
	i.observe("list", start, err)
	return objs, err
}

func (i *instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.Store.Delete(ctx, key)
	i.observe("delete", start, err)
	return err
}
