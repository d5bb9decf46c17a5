package objstore

import (
	"context"
	"fmt"
)

// Backend selects the object storage implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and parameterizes a backend.
type Config struct {
	Backend Backend
	// Dir is the base directory for the fs backend.
	Dir string
	S3  S3Config
	GCS GCSConfig
}

// New builds the configured object store.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFS:
		if cfg.Dir == "" {
			cfg.Dir = "data/objects"
		}
		return NewFileStore(cfg.Dir)
	case BackendS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("s3 object storage requires a bucket")
		}
		return NewS3Store(ctx, cfg.S3)
	case BackendGCS:
		if cfg.GCS.Bucket == "" {
			return nil, fmt.Errorf("gcs object storage requires a bucket")
		}
		return NewGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported object storage backend: %s", cfg.Backend)
	}
}
