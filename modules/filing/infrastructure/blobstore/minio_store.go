package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jacksonlee411/property-ledger/modules/filing/domain/ports"
)

const (
	referenceScheme = "s3://"
	versionParam    = "versionId"
)

var ErrInvalidReference = errors.New("blobstore: invalid reference")

type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
	// RetentionMode is GOVERNANCE or COMPLIANCE.
	RetentionMode string
}

type objectClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	// PutObject returns the version id assigned by a versioned bucket.
	PutObject(ctx context.Context, bucket string, key string, reader *bytes.Reader, size int64, opts minio.PutObjectOptions) (string, error)
	ObjectVersions(ctx context.Context, bucket string, key string) ([]string, error)
	RemoveObject(ctx context.Context, bucket string, key string, opts minio.RemoveObjectOptions) error
}

type minioClient struct {
	c *minio.Client
}

func (m minioClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return m.c.BucketExists(ctx, bucket)
}

func (m minioClient) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	return m.c.MakeBucket(ctx, bucket, opts)
}

func (m minioClient) PutObject(ctx context.Context, bucket string, key string, reader *bytes.Reader, size int64, opts minio.PutObjectOptions) (string, error) {
	info, err := m.c.PutObject(ctx, bucket, key, reader, size, opts)
	if err != nil {
		return "", err
	}
	return info.VersionID, nil
}

// ObjectVersions lists every version and delete marker stored under exactly key.
func (m minioClient) ObjectVersions(ctx context.Context, bucket string, key string) ([]string, error) {
	var versions []string
	for obj := range m.c.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: key, WithVersions: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if obj.Key == key {
			versions = append(versions, obj.VersionID)
		}
	}
	return versions, nil
}

func (m minioClient) RemoveObject(ctx context.Context, bucket string, key string, opts minio.RemoveObjectOptions) error {
	return m.c.RemoveObject(ctx, bucket, key, opts)
}

// MinioStore writes snapshots to an object-locked bucket. Object locking
// implies versioning, so references carry the version id that was written
// and Delete removes that version rather than stacking a delete marker on
// top of it. Objects written with a retain-until date cannot be removed
// before it.
type MinioStore struct {
	client objectClient
	bucket string
	region string
	mode   minio.RetentionMode
}

var _ ports.BlobStore = (*MinioStore)(nil)

func NewMinioStore(cfg Config) (*MinioStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("blobstore: endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("blobstore: bucket is required")
	}
	mode, err := parseRetentionMode(cfg.RetentionMode)
	if err != nil {
		return nil, err
	}
	c, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: create client: %w", err)
	}
	return &MinioStore{client: minioClient{c: c}, bucket: cfg.Bucket, region: cfg.Region, mode: mode}, nil
}

func parseRetentionMode(raw string) (minio.RetentionMode, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", string(minio.Governance):
		return minio.Governance, nil
	case string(minio.Compliance):
		return minio.Compliance, nil
	default:
		return "", fmt.Errorf("blobstore: invalid retention mode %q", raw)
	}
}

// EnsureBucket creates the bucket with object locking enabled when missing.
// Object locking can only be turned on at creation time.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("blobstore: bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region, ObjectLocking: true}); err != nil {
		return fmt.Errorf("blobstore: make bucket: %w", err)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string, retainUntil time.Time) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("blobstore: key is required")
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	if !retainUntil.IsZero() {
		until := retainUntil.UTC()
		opts.Mode = s.mode
		opts.RetainUntilDate = until
	}
	version, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return "", fmt.Errorf("blobstore: put %s: %w", key, err)
	}
	return Reference{Bucket: s.bucket, Key: key, VersionID: version}.String(), nil
}

// Delete removes the referenced version. A reference without a version id
// removes every version stored under its key. Versions that are already gone
// are not an error.
func (s *MinioStore) Delete(ctx context.Context, reference string) error {
	ref, err := ParseReference(reference)
	if err != nil {
		return err
	}
	if ref.Bucket != s.bucket {
		return fmt.Errorf("%w: bucket %q not managed by this store", ErrInvalidReference, ref.Bucket)
	}
	versions := []string{ref.VersionID}
	if ref.VersionID == "" {
		if versions, err = s.client.ObjectVersions(ctx, ref.Bucket, ref.Key); err != nil {
			return fmt.Errorf("blobstore: list versions %s: %w", ref.Key, err)
		}
	}
	for _, v := range versions {
		err := s.client.RemoveObject(ctx, ref.Bucket, ref.Key, minio.RemoveObjectOptions{VersionID: v})
		if err != nil && !isMissingObject(err) {
			return fmt.Errorf("blobstore: remove %s (version %q): %w", ref.Key, v, err)
		}
	}
	return nil
}

func isMissingObject(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchVersion":
		return true
	default:
		return false
	}
}

// Reference addresses one stored object, optionally pinned to a version:
// s3://bucket/key or s3://bucket/key?versionId=v.
type Reference struct {
	Bucket    string
	Key       string
	VersionID string
}

func (r Reference) String() string {
	out := referenceScheme + r.Bucket + "/" + r.Key
	if r.VersionID != "" {
		out += "?" + url.Values{versionParam: {r.VersionID}}.Encode()
	}
	return out
}

func ParseReference(reference string) (Reference, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(reference), referenceScheme)
	if !ok {
		return Reference{}, ErrInvalidReference
	}
	path, query, hasQuery := strings.Cut(rest, "?")
	bucket, key, ok := strings.Cut(path, "/")
	if !ok || bucket == "" || key == "" {
		return Reference{}, ErrInvalidReference
	}
	ref := Reference{Bucket: bucket, Key: key}
	if hasQuery {
		values, err := url.ParseQuery(query)
		if err != nil {
			return Reference{}, fmt.Errorf("%w: %w", ErrInvalidReference, err)
		}
		ref.VersionID = values.Get(versionParam)
		if ref.VersionID == "" {
			return Reference{}, ErrInvalidReference
		}
	}
	return ref, nil
}
