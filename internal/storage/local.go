package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kenneth/cipherchat/internal/transfer"
)

// LocalStore keeps files under dir/<sender>/<filename>.
type LocalStore struct {
	dir string
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Backend() string { return "local" }

func (s *LocalStore) path(key string) (string, error) {
	sender, filename, err := splitKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, sender, filename), nil
}

func (s *LocalStore) Put(ctx context.Context, file *transfer.ReceivedFile) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := ObjectKey(file)
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sender directory: %w", err)
	}

	// Readers never observe a partially written file.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".incoming-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, bytes.NewReader(file.Data)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to store %s: %w", key, err)
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return &Object{
		Key:      key,
		Filename: file.Metadata.Filename,
		Sender:   file.SenderFingerprint,
		MimeType: file.Metadata.MimeType,
		Checksum: file.Metadata.Checksum,
		Size:     info.Size(),
		StoredAt: info.ModTime(),
	}, nil
}

func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}

	sum := sha256.Sum256(data)
	sender, filename, _ := splitKey(key)
	return io.NopCloser(bytes.NewReader(data)), &Object{
		Key:      key,
		Filename: filename,
		Sender:   sender,
		MimeType: transfer.DetectMimeType(filename),
		Checksum: hex.EncodeToString(sum[:]),
		Size:     int64(len(data)),
		StoredAt: info.ModTime(),
	}, nil
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".incoming-") {
			return nil
		}
		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		sender, filename, err := splitKey(key)
		if err != nil || !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, Object{
			Key:      key,
			Filename: filename,
			Sender:   sender,
			MimeType: transfer.DetectMimeType(filename),
			Size:     info.Size(),
			StoredAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.dir, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
