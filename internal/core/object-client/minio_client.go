package objectclient

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	cfg "github.com/nurudeen19/rag-fortress-sub002/internal/config"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
)

var _ core.ObjectClient = (*MinioClient)(nil)

// MinioClient serves self-hosted deployments and local development.
type MinioClient struct {
	client   *minio.Client
	endpoint string
	secure   bool
	log      logger.Logger
}

// NewMinioClient connects and creates the configured bucket when missing.
func NewMinioClient(ctx context.Context, conf *cfg.Config, log logger.Logger) (*MinioClient, error) {
	client, err := minio.New(conf.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(conf.MinioAccessKey, conf.MinioSecretKey, ""),
		Secure: conf.MinioUseSSL,
		Region: conf.AwsRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, conf.BucketName)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", conf.BucketName, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, conf.BucketName, minio.MakeBucketOptions{Region: conf.AwsRegion}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", conf.BucketName, err)
		}
		log.Info("bucket created", logger.String("bucket", conf.BucketName))
	}

	log.Info("connected to object storage", logger.String("backend", "minio"), logger.String("endpoint", conf.MinioEndpoint))
	return &MinioClient{client: client, endpoint: conf.MinioEndpoint, secure: conf.MinioUseSSL, log: log}, nil
}

func (m *MinioClient) UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, bucket, key, data, -1, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		m.log.Error("minio upload failed", logger.String("bucket", bucket), logger.String("key", key), logger.Error(err))
		return "", fmt.Errorf("minio upload failed: %w", err)
	}
	scheme := "http"
	if m.secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, m.endpoint, bucket, key), nil
}

func (m *MinioClient) DeleteFile(ctx context.Context, bucket, key string) error {
	if err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("minio delete failed: %w", err)
	}
	return nil
}

func (m *MinioClient) GetFile(ctx context.Context, bucket, key string) ([]byte, error) {
	rc, err := m.GetObjectReader(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return body, nil
}

func (m *MinioClient) GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get failed: %w", err)
	}
	return obj, nil
}
