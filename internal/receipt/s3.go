package receipt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultURLExpiry is how long a receipt download link stays valid.
const DefaultURLExpiry = 15 * time.Minute

// StoreConfig configures an object store for receipts.
type StoreConfig struct {
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string // "auto" for R2
	UseSSL          bool   // MinIO only; S3 endpoints carry their scheme
	URLExpiry       time.Duration
}

func (c *StoreConfig) validate() error {
	if c.Bucket == "" {
		return errors.New("bucket name is required")
	}
	if c.AccessKeyID == "" {
		return errors.New("access key ID is required")
	}
	if c.SecretAccessKey == "" {
		return errors.New("secret access key is required")
	}
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.URLExpiry <= 0 {
		c.URLExpiry = DefaultURLExpiry
	}
	if c.Region == "" {
		c.Region = "auto"
	}
	return nil
}

// S3Store stores receipts in an S3-compatible bucket (AWS S3, Cloudflare R2)
// through the AWS SDK.
type S3Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	urlExpiry     time.Duration
}

// NewS3Store creates an S3Store with path-style addressing.
func NewS3Store(cfg StoreConfig) (*S3Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})

	return &S3Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        cfg.Bucket,
		urlExpiry:     cfg.URLExpiry,
	}, nil
}

// Put uploads a receipt under a fresh key and returns the key.
func (s *S3Store) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	key, err := ObjectKey(contentType)
	if err != nil {
		return "", err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("put object %q failed: %w", key, err)
	}
	return key, nil
}

// DownloadURL returns a presigned GET URL for key.
func (s *S3Store) DownloadURL(ctx context.Context, key string) (string, error) {
	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.urlExpiry
	})
	if err != nil {
		return "", fmt.Errorf("presign get object %q failed: %w", key, err)
	}
	return req.URL, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %q failed: %w", key, err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}
