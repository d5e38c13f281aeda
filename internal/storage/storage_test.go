package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/kenneth/cipherchat/internal/config"
	"github.com/kenneth/cipherchat/internal/metrics"
	"github.com/kenneth/cipherchat/internal/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receivedFile(sender, name string, data []byte) *transfer.ReceivedFile {
	return &transfer.ReceivedFile{
		Metadata: &transfer.FileMetadata{
			Filename: name,
			Size:     int64(len(data)),
			MimeType: transfer.DetectMimeType(name),
			Checksum: transfer.Checksum(data),
		},
		Data:              data,
		SenderFingerprint: sender,
		ReceivedAt:        time.Now(),
	}
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

// exerciseStore runs the behaviour every Store implementation shares.
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()
	data := []byte("%PDF-1.4 quarterly numbers")

	obj, err := store.Put(ctx, receivedFile("a1b2c3", "report.pdf", data))
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3/report.pdf", obj.Key)
	assert.Equal(t, int64(len(data)), obj.Size)
	assert.Equal(t, transfer.Checksum(data), obj.Checksum)

	_, err = store.Put(ctx, receivedFile("", "note.txt", []byte("hi")))
	require.NoError(t, err)

	rc, got, err := store.Get(ctx, "a1b2c3/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, data, readAll(t, rc))
	assert.Equal(t, "report.pdf", got.Filename)
	assert.Equal(t, "a1b2c3", got.Sender)
	assert.Equal(t, "application/pdf", got.MimeType)
	assert.Equal(t, transfer.Checksum(data), got.Checksum)

	objects, err := store.List(ctx, "")
	require.NoError(t, err)
	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		keys = append(keys, o.Key)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{"a1b2c3/report.pdf", "anonymous/note.txt"}, keys)

	objects, err = store.List(ctx, "anonymous/")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "note.txt", objects[0].Filename)

	require.NoError(t, store.Delete(ctx, "a1b2c3/report.pdf"))
	require.NoError(t, store.Delete(ctx, "a1b2c3/report.pdf"), "deleting twice is not an error")

	_, _, err = store.Get(ctx, "a1b2c3/report.pdf")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, key := range []string{"", "report.pdf", "../etc/passwd", "a/../b", "a/b/c", "./x", "a/.."} {
		_, _, err := store.Get(ctx, key)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestLocalStore(t *testing.T) {
	store, err := NewLocalStore(filepath.Join(t.TempDir(), "received"))
	require.NoError(t, err)
	assert.Equal(t, "local", store.Backend())
	exerciseStore(t, store)
}

func TestLocalStoreFilenameIsBased(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)

	obj, err := store.Put(context.Background(), receivedFile("peer", "../../escape.txt", []byte("x")))
	require.NoError(t, err)
	assert.Equal(t, "peer/escape.txt", obj.Key)
	_, err = os.Stat(filepath.Join(dir, "peer", "escape.txt"))
	assert.NoError(t, err)
}

func TestLocalStoreIgnoresTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "peer"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "peer", ".incoming-123"), []byte("partial"), 0o600))

	objects, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

// fakeS3 is an in-memory s3API.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	meta     map[string]map[string]string
	types    map[string]string
	pageSize int
	failWith error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  make(map[string][]byte),
		meta:     make(map[string]map[string]string),
		types:    make(map[string]string),
		pageSize: 1,
	}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	f.objects[key] = data
	f.meta[key] = in.Metadata
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	data, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(f.types[key]),
		Metadata:      f.meta[key],
		LastModified:  aws.Time(time.Now()),
	}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		fmt.Sscanf(*in.ContinuationToken, "%d", &start)
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(f.objects[k]))),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(fmt.Sprint(end))
	}
	return out, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if _, ok := f.objects[key]; !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "missing"}
	}
	delete(f.objects, key)
	delete(f.meta, key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	fake := newFakeS3()
	store := newS3Store(fake, "received-files", "inbox")
	assert.Equal(t, "s3", store.Backend())
	exerciseStore(t, store)
}

func TestS3StoreWritesPrefixAndMetadata(t *testing.T) {
	fake := newFakeS3()
	store := newS3Store(fake, "bucket", "nodes/alpha/")

	data := []byte("hello")
	_, err := store.Put(context.Background(), receivedFile("fp01", "hello.txt", data))
	require.NoError(t, err)

	meta, ok := fake.meta["nodes/alpha/fp01/hello.txt"]
	require.True(t, ok, "object stored under prefix")
	assert.Equal(t, "hello.txt", meta[metaFilename])
	assert.Equal(t, "fp01", meta[metaSender])
	assert.Equal(t, transfer.Checksum(data), meta[metaChecksum])
	assert.Equal(t, "5", meta[metaSize])
	assert.Equal(t, "text/plain", fake.types["nodes/alpha/fp01/hello.txt"])
}

func TestS3StorePutError(t *testing.T) {
	fake := newFakeS3()
	fake.failWith = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
	store := newS3Store(fake, "bucket", "")

	_, err := store.Put(context.Background(), receivedFile("fp", "a.txt", []byte("x")))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestTranslateError(t *testing.T) {
	assert.ErrorIs(t, translateError(&types.NoSuchKey{}), ErrNotFound)
	assert.ErrorIs(t, translateError(&smithy.GenericAPIError{Code: "NoSuchKey"}), ErrNotFound)
	assert.ErrorIs(t, translateError(&smithy.GenericAPIError{Code: "NotFound"}), ErrNotFound)

	other := &smithy.GenericAPIError{Code: "SlowDown"}
	assert.Equal(t, error(other), translateError(other))
}

func TestNew(t *testing.T) {
	store, err := New(context.Background(), config.StorageConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = New(context.Background(), config.StorageConfig{
		Backend: "local",
		Local:   config.LocalStorageConfig{Dir: t.TempDir()},
	})
	require.NoError(t, err)
	assert.Equal(t, "local", store.Backend())

	_, err = New(context.Background(), config.StorageConfig{Backend: "ftp"})
	assert.Error(t, err)
}

func TestWithMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	store := WithMetrics(local, m)
	ctx := context.Background()

	_, err = store.Put(ctx, receivedFile("fp", "a.txt", []byte("x")))
	require.NoError(t, err)
	_, _, err = store.Get(ctx, "fp/missing.txt")
	require.ErrorIs(t, err, ErrNotFound)

	count, err := testutil.GatherAndCount(reg, "storage_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = testutil.GatherAndCount(reg, "storage_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.Nil(t, WithMetrics(nil, m))
	assert.Same(t, local, WithMetrics(local, nil))
}
