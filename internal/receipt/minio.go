package receipt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore stores receipts in a MinIO (or any S3-compatible) bucket through
// the MinIO client.
type MinIOStore struct {
	raw       *minio.Client
	bucket    string
	urlExpiry time.Duration
}

// NewMinIOStore creates a MinIOStore. Endpoint is host[:port] without a scheme.
func NewMinIOStore(cfg StoreConfig) (*MinIOStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinIOStore{
		raw:       client,
		bucket:    cfg.Bucket,
		urlExpiry: cfg.URLExpiry,
	}, nil
}

// Put uploads a receipt under a fresh key and returns the key.
func (s *MinIOStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	key, err := ObjectKey(contentType)
	if err != nil {
		return "", err
	}

	_, err = s.raw.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %q failed: %w", key, err)
	}
	return key, nil
}

// DownloadURL returns a presigned GET URL for key.
func (s *MinIOStore) DownloadURL(ctx context.Context, key string) (string, error) {
	u, err := s.raw.PresignedGetObject(ctx, s.bucket, key, s.urlExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get object %q failed: %w", key, err)
	}
	return u.String(), nil
}

// Delete removes key.
func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	if err := s.raw.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object %q failed: %w", key, err)
	}
	return nil
}

// HealthCheck verifies the bucket exists.
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	ok, err := s.raw.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %q does not exist", s.bucket)
	}
	return nil
}
