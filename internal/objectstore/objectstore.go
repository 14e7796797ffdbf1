// Package objectstore keeps uploaded attachment bytes in an S3-compatible
// bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotFound = errors.New("object not found")

// Store is the subset of object storage the API uses.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, name string) (io.ReadCloser, Info, error)
	Delete(ctx context.Context, name string) error
}

type Info struct {
	Size        int64
	ContentType string
}

var safeName = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}(\.[a-z0-9]{1,5})?$`)

// NewObjectName returns "<uuid><ext>" for an uploaded file name.
func NewObjectName(fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	if len(ext) > 6 || strings.ContainsAny(ext, "/\\") {
		ext = ""
	}
	return uuid.NewString() + ext
}

// IsSafeObjectName reports whether name looks like a key produced by
// NewObjectName. Anything else is rejected before touching storage.
func IsSafeObjectName(name string) bool {
	return safeName.MatchString(name)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinio(ctx context.Context, cfg Config) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, name, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s: %w", name, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, name string) (io.ReadCloser, Info, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, Info{}, translate(name, err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, Info{}, translate(name, err)
	}
	return obj, Info{Size: stat.Size, ContentType: stat.ContentType}, nil
}

func (s *MinioStore) Delete(ctx context.Context, name string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return translate(name, err)
	}
	return nil
}

func translate(name string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("object %s: %w", name, ErrNotFound)
	}
	return fmt.Errorf("object %s: %w", name, err)
}

// Memory is an in-process Store for local development and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	data        []byte
	contentType string
}

func NewMemory() *Memory {
	return &Memory{objects: map[string]memObject{}}
}

func (m *Memory) Put(_ context.Context, name string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[name] = memObject{data: data, contentType: contentType}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, name string) (io.ReadCloser, Info, error) {
	m.mu.RLock()
	obj, ok := m.objects[name]
	m.mu.RUnlock()
	if !ok {
		return nil, Info{}, fmt.Errorf("object %s: %w", name, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), Info{Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

// Delete is a no-op for missing objects.
func (m *Memory) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.objects, name)
	m.mu.Unlock()
	return nil
}
