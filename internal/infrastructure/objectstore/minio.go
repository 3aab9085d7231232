// Package objectstore keeps printed artifacts in a MinIO bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Config holds MinIO connection settings
type Config struct {
	Endpoint         string `mapstructure:"endpoint"`
	AccessKeyID      string `mapstructure:"access_key_id"`
	SecretAccessKey  string `mapstructure:"secret_access_key"`
	UseSSL           bool   `mapstructure:"use_ssl"`
	Region           string `mapstructure:"region"`
	Bucket           string `mapstructure:"bucket"`
	AutoCreateBucket bool   `mapstructure:"auto_create_bucket"`
	Prefix           string `mapstructure:"prefix"`
}

// DefaultConfig returns settings for a local MinIO
func DefaultConfig() Config {
	return Config{
		Endpoint:         "localhost:9000",
		Bucket:           "prescriptions",
		AutoCreateBucket: true,
		Prefix:           "printed",
	}
}

// Store uploads and links printed prescriptions
type Store struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// New connects to MinIO and makes sure the bucket exists
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if !cfg.AutoCreateBucket {
			return nil, fmt.Errorf("bucket %q does not exist", cfg.Bucket)
		}
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket %q: %w", cfg.Bucket, err)
		}
		logger.Info("bucket created", zap.String("bucket", cfg.Bucket))
	}

	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: logger}, nil
}

// ArtifactKey returns the object key of a printed snapshot
func ArtifactKey(prefix, prescriptionID, snapshotID, format string) string {
	return path.Join(prefix, url.PathEscape(prescriptionID), snapshotID+"."+strings.ToLower(format))
}

// Put uploads a printed artifact and returns its object key
func (s *Store) Put(ctx context.Context, prescriptionID, snapshotID, format string, data []byte, contentType string) (string, error) {
	key := ArtifactKey(s.prefix, prescriptionID, snapshotID, format)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"prescription-id": prescriptionID,
			"snapshot-id":     snapshotID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put object %q: %w", key, err)
	}
	s.logger.Debug("artifact stored", zap.String("key", key), zap.Int("bytes", len(data)))
	return key, nil
}

// PresignedURL returns a time limited download link for key
func (s *Store) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign %q: %w", key, err)
	}
	return u.String(), nil
}

// DeletePrescription removes every artifact of a prescription. Missing
// objects are not an error.
func (s *Store) DeletePrescription(ctx context.Context, prescriptionID string) error {
	prefix := path.Join(s.prefix, url.PathEscape(prescriptionID)) + "/"
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})

	var errs []error
	for obj := range objects {
		if obj.Err != nil {
			return fmt.Errorf("list %q: %w", prefix, obj.Err)
		}
		err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{})
		if err != nil && !IsNoSuchKey(err) {
			errs = append(errs, fmt.Errorf("remove %q: %w", obj.Key, err))
		}
	}
	return errors.Join(errs...)
}

// IsNoSuchKey reports whether err means the object does not exist
func IsNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
