package archive

import (
	"context"
	"fmt"
	"path/filepath"
)

// Config selects and configures a backend.
type Config struct {
	Backend  string // "fs", "s3" or "gcs"
	Bucket   string // bucket name, or the root directory for "fs"
	Prefix   string
	Region   string
	Endpoint string
}

// Open returns the configured Store. An empty backend means archiving is
// disabled and Open returns (nil, nil).
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "fs":
		root := cfg.Bucket
		if root == "" {
			root = ".foreman/archive"
		}
		return NewFileStore(filepath.Join(root, filepath.FromSlash(cfg.Prefix)))
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: s3 backend requires a bucket")
		}
		return NewS3Store(ctx, S3Config{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: gcs backend requires a bucket")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unknown backend %q", cfg.Backend)
	}
}
