package imagestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds object storage connection settings.
type MinioConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

const objectPrefix = "images/"

// MinioStore keeps images as objects in a bucket. The locator is the object key.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the endpoint and creates the bucket when missing.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
	}
	return nil
}

// objectKey derives the object key for a new image.
func objectKey(name string) string {
	return objectPrefix + newName(name)
}

// Save uploads data under a new key.
func (m *MinioStore) Save(ctx context.Context, name string, data []byte) (string, error) {
	key := objectKey(name)
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	info, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return info.Key, nil
}

// Load downloads the object for locator.
func (m *MinioStore) Load(ctx context.Context, locator string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, locator, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.mapError(locator, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.mapError(locator, err)
	}
	return data, nil
}

// Delete removes the object for locator.
func (m *MinioStore) Delete(ctx context.Context, locator string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, locator, minio.RemoveObjectOptions{}); err != nil {
		return m.mapError(locator, err)
	}
	return nil
}

func (m *MinioStore) mapError(locator string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	return fmt.Errorf("object %s: %w", locator, err)
}
