package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kenneth/cipherchat/internal/config"
	"github.com/kenneth/cipherchat/internal/transfer"
)

// User metadata keys written with every object.
const (
	metaFilename = "filename"
	metaSender   = "sender"
	metaChecksum = "sha256"
	metaSize     = "original-size"
)

// s3API is the subset of *s3.Client used by S3Store.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps files in bucket under prefix/<sender>/<filename>.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Store creates a store from cfg. Static credentials are used when
// configured; otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg config.S3StorageConfig) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Store(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Store(client s3API, bucket, prefix string) *S3Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

func (s *S3Store) Backend() string { return "s3" }

func (s *S3Store) Put(ctx context.Context, file *transfer.ReceivedFile) (*Object, error) {
	key := ObjectKey(file)
	if _, _, err := splitKey(key); err != nil {
		return nil, err
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.prefix + key),
		Body:          bytes.NewReader(file.Data),
		ContentLength: aws.Int64(int64(len(file.Data))),
		ContentType:   aws.String(file.Metadata.MimeType),
		Metadata: map[string]string{
			metaFilename: file.Metadata.Filename,
			metaSender:   file.SenderFingerprint,
			metaChecksum: file.Metadata.Checksum,
			metaSize:     strconv.FormatInt(file.Metadata.Size, 10),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put object %s/%s: %w", s.bucket, key, translateError(err))
	}

	return &Object{
		Key:      key,
		Filename: file.Metadata.Filename,
		Sender:   file.SenderFingerprint,
		MimeType: file.Metadata.MimeType,
		Checksum: file.Metadata.Checksum,
		Size:     int64(len(file.Data)),
		StoredAt: s.now(),
	}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	sender, filename, err := splitKey(key)
	if err != nil {
		return nil, nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get object %s/%s: %w", s.bucket, key, translateError(err))
	}

	obj := &Object{
		Key:      key,
		Filename: filename,
		Sender:   sender,
		MimeType: aws.ToString(out.ContentType),
		Checksum: out.Metadata[metaChecksum],
		Size:     aws.ToInt64(out.ContentLength),
		StoredAt: aws.ToTime(out.LastModified),
	}
	if name := out.Metadata[metaFilename]; name != "" {
		obj.Filename = name
	}
	return out.Body, obj, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	var (
		objects []Object
		token   *string
	)
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix + prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in bucket %s: %w", s.bucket, translateError(err))
		}

		for _, item := range out.Contents {
			key := strings.TrimPrefix(aws.ToString(item.Key), s.prefix)
			sender, filename, err := splitKey(key)
			if err != nil {
				continue
			}
			objects = append(objects, Object{
				Key:      key,
				Filename: filename,
				Sender:   sender,
				MimeType: transfer.DetectMimeType(filename),
				Size:     aws.ToInt64(item.Size),
				StoredAt: aws.ToTime(item.LastModified),
			})
		}

		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return objects, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if _, _, err := splitKey(key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		err = translateError(err)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete object %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// translateError maps missing-object API errors to ErrNotFound.
func translateError(err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}
