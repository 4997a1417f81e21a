// Package archive keeps exported ATP certificates in S3 compatible object
// storage.
package archive

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
)

var ErrNotConfigured = errors.New("archive not configured")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Object describes a stored certificate.
type Object struct {
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	StoredAt    time.Time `json:"storedAt"`
}

// MinioArchive stores objects under certificates/<document code>/ in one
// bucket.
type MinioArchive struct {
	client *minio.Client
	bucket string
}

func NewMinioArchive(cfg Config) (*MinioArchive, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, ErrNotConfigured
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioArchive{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (a *MinioArchive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

func (a *MinioArchive) StoreCertificate(ctx context.Context, documentCode, filename, contentType string, data []byte) (Object, error) {
	key := CertificateKey(documentCode, filename)
	info, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"document-code": documentCode,
		},
	})
	if err != nil {
		return Object{}, fmt.Errorf("put certificate %s: %w", key, err)
	}
	return Object{
		Bucket:      a.bucket,
		Key:         info.Key,
		Size:        info.Size,
		ContentType: contentType,
		StoredAt:    time.Now().UTC(),
	}, nil
}

// PresignedURL returns a time limited download link for key.
func (a *MinioArchive) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	u, err := a.client.PresignedGetObject(ctx, a.bucket, key, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

func (a *MinioArchive) Ping(ctx context.Context) error {
	_, err := a.client.BucketExists(ctx, a.bucket)
	return err
}

// CertificateKey builds the object key for a certificate file. Path
// separators in the inputs are flattened so a code cannot escape its prefix.
func CertificateKey(documentCode, filename string) string {
	clean := func(s string) string {
		s = strings.TrimSpace(s)
		s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
		if s == "" {
			return "unknown"
		}
		return s
	}
	return path.Join("certificates", clean(documentCode), clean(filename))
}
