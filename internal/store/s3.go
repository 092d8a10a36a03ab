package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/offsync/internal/config"
)

// errNoSuchKey is what objectClient implementations return for a missing object.
var errNoSuchKey = errors.New("no such key")

// objectClient defines the minimal minio.Client operations used by S3Store.
// This interface enables testing with mock implementations.
type objectClient interface {
	PutObject(ctx context.Context, bucket, name string, data []byte) error
	GetObject(ctx context.Context, bucket, name string) ([]byte, error)
	RemoveObject(ctx context.Context, bucket, name string) error
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// minioClientWrapper wraps *minio.Client to satisfy the objectClient interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, name string, data []byte) error {
	_, err := w.client.PutObject(ctx, bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (w *minioClientWrapper) GetObject(ctx context.Context, bucket, name string) ([]byte, error) {
	obj, err := w.client.GetObject(ctx, bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateMinioError(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translateMinioError(err)
	}
	return data, nil
}

func (w *minioClientWrapper) RemoveObject(ctx context.Context, bucket, name string) error {
	return w.client.RemoveObject(ctx, bucket, name, minio.RemoveObjectOptions{})
}

func (w *minioClientWrapper) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	var names []string
	for info := range w.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		names = append(names, info.Key)
	}
	return names, nil
}

func translateMinioError(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return errNoSuchKey
	}
	return err
}

// S3Store is a Store that keeps each key as one object in an S3-compatible bucket.
// It suits agents whose local disk is ephemeral.
type S3Store struct {
	client objectClient
	bucket string
	prefix string
}

// NewS3Store connects to the bucket described by cfg.
func NewS3Store(cfg config.S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return newS3Store(&minioClientWrapper{client: client}, cfg.Bucket, cfg.Prefix), nil
}

func newS3Store(client objectClient, bucket, prefix string) *S3Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) objectName(key string) string {
	return s.prefix + key
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.GetObject(ctx, s.bucket, s.objectName(key))
	if errors.Is(err, errNoSuchKey) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("get", key, err)
	}
	return data, nil
}

func (s *S3Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.PutObject(ctx, s.bucket, s.objectName(key), value); err != nil {
		return storageError("set", key, err)
	}
	return nil
}

func (s *S3Store) Remove(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectName(key))
	if err != nil && !errors.Is(err, errNoSuchKey) {
		return storageError("remove", key, err)
	}
	return nil
}

func (s *S3Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.client.ListObjects(ctx, s.bucket, s.objectName(prefix))
	if err != nil {
		return nil, storageError("keys", prefix, err)
	}
	keys := make([]string, 0, len(names))
	for _, name := range names {
		keys = append(keys, strings.TrimPrefix(name, s.prefix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op; the minio client holds no resources that need releasing.
func (s *S3Store) Close() error {
	return nil
}
