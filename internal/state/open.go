package state

import (
	"context"
	"fmt"
)

// Backend names accepted by OpenBackend.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Path is the directory for file, the database file for sqlite.
	Path string
	S3   S3Config
}

// OpenBackend constructs the configured backend.
func OpenBackend(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Backend {
	case "", BackendFile:
		return NewFileBackend(opts.Path)
	case BackendSQLite:
		return NewSQLiteBackend(opts.Path)
	case BackendS3:
		return NewS3Backend(ctx, opts.S3)
	case BackendMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", opts.Backend)
	}
}
