package objectclient

import (
	"context"
	"fmt"

	cfg "github.com/nurudeen19/rag-fortress-sub002/internal/config"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
)

const (
	BackendS3    = "s3"
	BackendMinio = "minio"
)

// NewObjectClient picks the storage backend named by STORAGE_BACKEND.
func NewObjectClient(ctx context.Context, conf *cfg.Config, log logger.Logger) (core.ObjectClient, error) {
	log = log.Named("storage")
	switch conf.StorageBackend {
	case BackendS3:
		c, err := NewS3Client(ctx, conf, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	case BackendMinio:
		c, err := NewMinioClient(ctx, conf, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", conf.StorageBackend)
	}
}
