package blobstore

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type objectClientStub struct {
	exists      bool
	existsErr   error
	makeOpts    *minio.MakeBucketOptions
	putErr      error
	putOpts     minio.PutObjectOptions
	putKey      string
	putSize     int64
	putVersion  string
	versions    map[string][]string
	listErr     error
	listed      []string
	removed     []string
	removedVers []string
	removeErr   error
}

func (s *objectClientStub) BucketExists(context.Context, string) (bool, error) {
	return s.exists, s.existsErr
}

func (s *objectClientStub) MakeBucket(_ context.Context, _ string, opts minio.MakeBucketOptions) error {
	s.makeOpts = &opts
	return nil
}

func (s *objectClientStub) PutObject(_ context.Context, _ string, key string, _ *bytes.Reader, size int64, opts minio.PutObjectOptions) (string, error) {
	s.putKey = key
	s.putSize = size
	s.putOpts = opts
	if s.putErr != nil {
		return "", s.putErr
	}
	return s.putVersion, nil
}

func (s *objectClientStub) ObjectVersions(_ context.Context, _ string, key string) ([]string, error) {
	s.listed = append(s.listed, key)
	return s.versions[key], s.listErr
}

func (s *objectClientStub) RemoveObject(_ context.Context, _ string, key string, opts minio.RemoveObjectOptions) error {
	s.removed = append(s.removed, key)
	s.removedVers = append(s.removedVers, opts.VersionID)
	return s.removeErr
}

func TestMinioStore_PutSetsRetention(t *testing.T) {
	stub := &objectClientStub{putVersion: "3HL4kqtJvjVBH40Nrjfkd"}
	s := &MinioStore{client: stub, bucket: "filings", mode: minio.Compliance}
	until := time.Date(2036, 1, 1, 0, 0, 0, 0, time.UTC)

	ref, err := s.Put(context.Background(), "/filings/f1/abc.json", []byte("{}"), "application/json", until)
	require.NoError(t, err)
	assert.Equal(t, "s3://filings/filings/f1/abc.json?versionId=3HL4kqtJvjVBH40Nrjfkd", ref)
	assert.Equal(t, "filings/f1/abc.json", stub.putKey)
	assert.Equal(t, int64(2), stub.putSize)
	assert.Equal(t, minio.Compliance, stub.putOpts.Mode)
	assert.True(t, stub.putOpts.RetainUntilDate.Equal(until))
	assert.Equal(t, "application/json", stub.putOpts.ContentType)
}

func TestMinioStore_PutWithoutRetention(t *testing.T) {
	stub := &objectClientStub{}
	s := &MinioStore{client: stub, bucket: "filings", mode: minio.Governance}
	_, err := s.Put(context.Background(), "exports/f1/x.json", []byte("{}"), "application/json", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, stub.putOpts.Mode)
	assert.True(t, stub.putOpts.RetainUntilDate.IsZero())
}

func TestMinioStore_PutError(t *testing.T) {
	stub := &objectClientStub{putErr: errors.New("unreachable")}
	s := &MinioStore{client: stub, bucket: "filings", mode: minio.Governance}
	_, err := s.Put(context.Background(), "k", nil, "", time.Time{})
	require.ErrorContains(t, err, "unreachable")

	_, err = s.Put(context.Background(), "  ", nil, "", time.Time{})
	require.Error(t, err)
}

func TestMinioStore_EnsureBucketEnablesObjectLock(t *testing.T) {
	stub := &objectClientStub{}
	s := &MinioStore{client: stub, bucket: "filings", region: "eu-central-1"}
	require.NoError(t, s.EnsureBucket(context.Background()))
	require.NotNil(t, stub.makeOpts)
	assert.True(t, stub.makeOpts.ObjectLocking)
	assert.Equal(t, "eu-central-1", stub.makeOpts.Region)

	stub = &objectClientStub{exists: true}
	s.client = stub
	require.NoError(t, s.EnsureBucket(context.Background()))
	assert.Nil(t, stub.makeOpts)
}

func TestMinioStore_Delete(t *testing.T) {
	stub := &objectClientStub{}
	s := &MinioStore{client: stub, bucket: "filings"}
	require.ErrorIs(t, s.Delete(context.Background(), "s3://other/a.json"), ErrInvalidReference)
	require.ErrorIs(t, s.Delete(context.Background(), "file:///a"), ErrInvalidReference)
	assert.Empty(t, stub.removed)
}

func TestMinioStore_DeleteRemovesWrittenVersion(t *testing.T) {
	stub := &objectClientStub{putVersion: "v-1"}
	s := &MinioStore{client: stub, bucket: "filings", mode: minio.Governance}
	ctx := context.Background()

	ref, err := s.Put(ctx, "filings/f1/abc.json", []byte("{}"), "application/json", time.Now().AddDate(10, 0, 0))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, ref))

	assert.Equal(t, []string{"filings/f1/abc.json"}, stub.removed)
	assert.Equal(t, []string{"v-1"}, stub.removedVers, "a versionless remove only writes a delete marker")
	assert.Empty(t, stub.listed)
}

func TestMinioStore_DeleteUnversionedReferenceRemovesAllVersions(t *testing.T) {
	stub := &objectClientStub{versions: map[string][]string{"a/b.json": {"v-2", "v-1"}}}
	s := &MinioStore{client: stub, bucket: "filings"}
	require.NoError(t, s.Delete(context.Background(), "s3://filings/a/b.json"))
	assert.Equal(t, []string{"a/b.json"}, stub.listed)
	assert.Equal(t, []string{"v-2", "v-1"}, stub.removedVers)

	stub = &objectClientStub{listErr: errors.New("denied")}
	s.client = stub
	require.ErrorContains(t, s.Delete(context.Background(), "s3://filings/a/b.json"), "denied")
	assert.Empty(t, stub.removed)
}

func TestMinioStore_DeleteToleratesMissingVersion(t *testing.T) {
	stub := &objectClientStub{removeErr: minio.ErrorResponse{Code: "NoSuchVersion", StatusCode: 404}}
	s := &MinioStore{client: stub, bucket: "filings"}
	require.NoError(t, s.Delete(context.Background(), "s3://filings/a/b.json?versionId=v-1"))

	stub.removeErr = minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}
	require.ErrorContains(t, s.Delete(context.Background(), "s3://filings/a/b.json?versionId=v-1"), "v-1")
}

func TestParseReference(t *testing.T) {
	ref, err := ParseReference("s3://filings/filings/f1/abc.json?versionId=a%2Bb")
	require.NoError(t, err)
	assert.Equal(t, Reference{Bucket: "filings", Key: "filings/f1/abc.json", VersionID: "a+b"}, ref)
	assert.Equal(t, "s3://filings/filings/f1/abc.json?versionId=a%2Bb", ref.String())

	ref, err = ParseReference(" s3://memory/exports/f1/x.json ")
	require.NoError(t, err)
	assert.Equal(t, Reference{Bucket: "memory", Key: "exports/f1/x.json"}, ref)

	for _, bad := range []string{"", "s3://", "s3://bucket", "s3:///key", "s3://b/k?versionId=", "s3://b/k?other=1"} {
		_, err := ParseReference(bad)
		require.ErrorIs(t, err, ErrInvalidReference, bad)
	}
}

func TestParseRetentionMode(t *testing.T) {
	m, err := parseRetentionMode("")
	require.NoError(t, err)
	assert.Equal(t, minio.Governance, m)
	m, err = parseRetentionMode("compliance")
	require.NoError(t, err)
	assert.Equal(t, minio.Compliance, m)
	_, err = parseRetentionMode("legal-hold")
	require.Error(t, err)
}

func TestMemoryStore_HonoursRetention(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	ref, err := s.Put(ctx, "filings/f1/a.json", []byte("v1"), "application/json", now.AddDate(10, 0, 0))
	require.NoError(t, err)

	_, err = s.Put(ctx, "filings/f1/a.json", []byte("v1"), "application/json", now.AddDate(10, 0, 0))
	require.NoError(t, err, "identical rewrite is allowed")

	_, err = s.Put(ctx, "filings/f1/a.json", []byte("v2"), "application/json", time.Time{})
	require.ErrorIs(t, err, ErrRetentionLocked)

	require.ErrorIs(t, s.Delete(ctx, ref), ErrRetentionLocked)

	now = now.AddDate(11, 0, 0)
	require.NoError(t, s.Delete(ctx, ref))
	assert.Equal(t, 0, s.Len())
}
