// Package storage keeps raw document content in S3-compatible object storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/retry"
	"github.com/aihub/docindex/internal/store"
)

// Options MinIO连接配置
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOStore MinIO对象存储
type MinIOStore struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

var _ store.BlobStore = (*MinIOStore)(nil)

// NewMinIOStore 创建MinIO存储并确保bucket存在
func NewMinIOStore(ctx context.Context, opts Options, logger *zap.Logger) (*MinIOStore, error) {
	if opts.Endpoint == "" {
		return nil, apperrors.NewConfigurationError("minio endpoint not configured")
	}
	if opts.Bucket == "" {
		opts.Bucket = "docindex"
	}
	// minio.New 不需要协议前缀
	endpoint := strings.TrimPrefix(opts.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	s := &MinIOStore{client: client, bucket: opts.Bucket, logger: logger}

	// MinIO 可能仍在启动，带退避重试
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	policy := retry.Policy{MaxAttempts: 10, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	err = retry.Do(ctx, policy, s.ensureBucket, func(attempt int, err error) {
		logger.Warn("MinIO bucket check failed, retrying",
			zap.Int("attempt", attempt), zap.String("bucket", opts.Bucket), zap.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare bucket %s: %w", opts.Bucket, err)
	}
	return s, nil
}

func (s *MinIOStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return apperrors.NewTransientStoreError("minio", err)
	}
	if exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyExists" || code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return apperrors.NewTransientStoreError("minio", err)
	}
	s.logger.Info("MinIO bucket created", zap.String("bucket", s.bucket))
	return nil
}

// Put 上传对象
func (s *MinIOStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return apperrors.NewTransientStoreError("minio", err)
	}
	return nil
}

// Get 下载对象全部内容
func (s *MinIOStore) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperrors.NewTransientStoreError("minio", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, apperrors.NewNotFoundError("object " + key)
		}
		return nil, apperrors.NewTransientStoreError("minio", err)
	}
	return data, nil
}

// Delete 删除对象，对象不存在时不报错
func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return apperrors.NewTransientStoreError("minio", err)
	}
	return nil
}

// HealthCheck 执行健康检查
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
