// Package blobstore keeps raw CI log archives in S3-compatible object storage.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"shipline/internal/apperr"
	"shipline/internal/config"
)

// ArchiveStore persists a workflow run's log archive and returns its key.
type ArchiveStore interface {
	PutArchive(ctx context.Context, projectID string, runID int64, data []byte) (string, error)
}

// ArchiveKey is the object key for a run's archive.
func ArchiveKey(projectID string, runID int64) string {
	return path.Join("ci-logs", projectID, strconv.FormatInt(runID, 10)+".zip")
}

type Store struct {
	client *minio.Client
	bucket string
	region string
	logger *slog.Logger

	once      sync.Once
	bucketErr error
}

// New returns a Store, or a Discard store when no endpoint is configured.
func New(cfg config.StorageConfig, logger *slog.Logger) (ArchiveStore, error) {
	if cfg.Endpoint == "" || cfg.ArchiveBucket == "" {
		return Discard{}, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init object storage client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, bucket: cfg.ArchiveBucket, region: cfg.Region, logger: logger}, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	s.once.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.bucketErr = apperr.Upstream("check bucket %s: %v", s.bucket, err)
			return
		}
		if exists {
			return
		}
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			s.bucketErr = apperr.Upstream("create bucket %s: %v", s.bucket, err)
		}
	})
	return s.bucketErr
}

func (s *Store) PutArchive(ctx context.Context, projectID string, runID int64, data []byte) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	key := ArchiveKey(projectID, runID)
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/zip"})
	if err != nil {
		return "", apperr.Upstream("put %s/%s: %v", s.bucket, key, err)
	}
	s.logger.DebugContext(ctx, "archived ci logs", "bucket", s.bucket, "key", key, "size", info.Size)
	return key, nil
}

// Discard drops archives. Used when object storage is not configured.
type Discard struct{}

func (Discard) PutArchive(context.Context, string, int64, []byte) (string, error) { return "", nil }
