// Package blobstore wraps MinIO/S3 for temporary and permanent attachment
// objects. Temporary objects live in a public-read bucket so collaborating
// services can fetch them without credential exchange; permanent objects
// live in a private bucket and are only reachable through presigned URLs.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"stagevault/internal/config"
)

// ObjectInfo identifies one stored object when listing a prefix.
type ObjectInfo struct {
	Name string
	Size int64
}

// Store wraps MinIO interactions for temp and permanent attachment blobs.
type Store struct {
	client     *minio.Client
	tempBucket string
	permBucket string
	region     string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Store, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Store{
		client:     client,
		tempBucket: cfg.TempBucket,
		permBucket: cfg.PermBucket,
		region:     cfg.S3Region,
	}, nil
}

// TempPath builds the temporary object path for one staged file. The shape
// temp/{actorID}/{batchID}/{filename} is part of the contract: cleanup by
// prefix and promotion both depend on it.
func TempPath(actorID, batchID, filename string) string {
	return fmt.Sprintf("temp/%s/%s/%s", actorID, batchID, filename)
}

// TempPrefix is the root of every temporary object owned by an actor.
func TempPrefix(actorID string) string {
	return fmt.Sprintf("temp/%s/", actorID)
}

// PermPath builds the permanent object path for a promoted file:
// perm/{actorID}/{recordID}/{filename}.
func PermPath(actorID, recordID, filename string) string {
	return fmt.Sprintf("perm/%s/%s/%s", actorID, recordID, filename)
}

// EnsureBuckets creates the temp/perm buckets if needed and makes the temp
// bucket publicly readable.
func (s *Store) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.tempBucket, s.permBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	policy := fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [{
    "Effect": "Allow",
    "Principal": {"AWS": ["*"]},
    "Action": ["s3:GetObject"],
    "Resource": ["arn:aws:s3:::%s/*"]
  }]
}`, s.tempBucket)
	if err := s.client.SetBucketPolicy(ctx, s.tempBucket, policy); err != nil {
		return fmt.Errorf("set temp bucket policy: %w", err)
	}
	return nil
}

// PutTemp uploads one object into the temp bucket.
func (s *Store) PutTemp(ctx context.Context, path string, reader io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.tempBucket, path, reader, size, opts); err != nil {
		return fmt.Errorf("put temp object %s: %w", path, err)
	}
	return nil
}

// PutPerm uploads one object straight into the permanent bucket, for the
// direct-upload path where the owning record already exists.
func (s *Store) PutPerm(ctx context.Context, path string, reader io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.permBucket, path, reader, size, opts); err != nil {
		return fmt.Errorf("put perm object %s: %w", path, err)
	}
	return nil
}

// CopyToPerm copies a temp object to a permanent path. Copy rather than
// move: a failed or partial commit must never destroy the only uploaded
// copy of the bytes.
func (s *Store) CopyToPerm(ctx context.Context, srcPath, dstPath string) error {
	src := minio.CopySrcOptions{Bucket: s.tempBucket, Object: srcPath}
	dst := minio.CopyDestOptions{Bucket: s.permBucket, Object: dstPath}
	if _, err := s.client.CopyObject(ctx, dst, src); err != nil {
		return fmt.Errorf("copy %s to %s: %w", srcPath, dstPath, err)
	}
	return nil
}

// RemoveTemp deletes temp objects best-effort: every path is attempted and
// paths that could not be removed are returned alongside the first error.
func (s *Store) RemoveTemp(ctx context.Context, paths []string) ([]string, error) {
	return s.removeBatch(ctx, s.tempBucket, paths)
}

// RemovePerm deletes permanent objects best-effort, same contract as
// RemoveTemp.
func (s *Store) RemovePerm(ctx context.Context, paths []string) ([]string, error) {
	return s.removeBatch(ctx, s.permBucket, paths)
}

func (s *Store) removeBatch(ctx context.Context, bucket string, paths []string) ([]string, error) {
	var failed []string
	var firstErr error
	for _, path := range paths {
		err := s.client.RemoveObject(ctx, bucket, path, minio.RemoveObjectOptions{})
		if err != nil {
			failed = append(failed, path)
			if firstErr == nil {
				firstErr = fmt.Errorf("remove %s: %w", path, err)
			}
		}
	}
	return failed, firstErr
}

// ListTempPrefix enumerates every temp object under a prefix. Used by the
// bulk reclaim paths, which depend on the temp path convention.
func (s *Store) ListTempPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	objects := s.client.ListObjects(ctx, s.tempBucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return out, fmt.Errorf("list prefix %s: %w", prefix, obj.Err)
		}
		out = append(out, ObjectInfo{Name: obj.Key, Size: obj.Size})
	}
	return out, nil
}

// SignedURL mints a time-limited presigned GET URL for a permanent object.
// Permanent objects are private so the URL is minted fresh on every call,
// never cached.
func (s *Store) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.permBucket, path, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", path, err)
	}
	return u.String(), nil
}

// PublicURL returns the directly addressable URL of a temp object. The
// temp bucket is public-read, so no signing round-trip is needed.
func (s *Store) PublicURL(path string) string {
	endpoint := s.client.EndpointURL()
	return fmt.Sprintf("%s/%s/%s", endpoint.String(), s.tempBucket, path)
}
