// Package archive stores sweep reports, ledger mirrors and cached candle
// history on the local filesystem or an S3-compatible bucket.
package archive

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Read when no object exists at the path.
var ErrNotFound = errors.New("archive: object not found")

// Storage is an object store addressed by slash-separated paths.
type Storage interface {
	// Write stores data at the given path, replacing any previous object
	Write(ctx context.Context, path string, data []byte) error

	// Read retrieves data from the given path; missing objects yield ErrNotFound
	Read(ctx context.Context, path string) ([]byte, error)

	// List returns all paths under the prefix in lexical order
	List(ctx context.Context, prefix string) ([]string, error)

	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend string   `mapstructure:"backend"` // "local" or "s3"
	Path    string   `mapstructure:"path"`
	S3      S3Config `mapstructure:"s3"`
}

// New builds the configured backend. An empty backend means local.
func New(cfg Config) (Storage, error) {
	switch cfg.Backend {
	case "", "local":
		if cfg.Path == "" {
			return nil, fmt.Errorf("archive: local backend needs a path")
		}
		return NewLocalFS(cfg.Path)
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("archive: s3 backend needs a bucket")
		}
		return NewS3(cfg.S3)
	default:
		return nil, fmt.Errorf("archive: unknown backend %q", cfg.Backend)
	}
}
