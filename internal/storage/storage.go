// Package storage defines the byte-level backend interfaces, the error taxonomy
// and the sharded path layout shared by every project storage backend.
//
// New backends are added by implementing Backend and registering with the
// factory via an init() function in the backend's own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Backend, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger init().
// Optional capabilities (signed URLs, rename) are separate interfaces that a
// caller checks once with a type assertion when it is constructed.
package storage

import (
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"time"
)

// Backend is the byte store behind a project. Paths are the fully resolved
// StoragePath values produced by PathResolver: absolute filesystem paths for
// the local backend, object keys for object storage.
type Backend interface {
	// Name identifies the backend ("local", "s3", "azure", "gcs")
	Name() string

	// Write streams r to path, replacing any existing content. size is the
	// declared payload length or -1 when unknown.
	Write(ctx context.Context, path string, r io.Reader, size int64) (*WriteResult, error)

	// CopyIn stores the content of an existing local file at path.
	CopyIn(ctx context.Context, path string, src string) (*WriteResult, error)

	// Read returns the full content at path or ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)

	// Open returns a reader over the content at path or ErrNotFound.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes path. It reports false with a nil error when nothing was there.
	Delete(ctx context.Context, path string) (bool, error)

	// Exists checks if content is stored at path
	Exists(ctx context.Context, path string) (bool, error)

	// List lazily yields the file ids stored below a group directory. A missing
	// directory yields nothing.
	List(ctx context.Context, groupDir string) iter.Seq2[string, error]
}

// SignedURLProvider is implemented by backends able to issue time-limited
// direct download URLs.
type SignedURLProvider interface {
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// Renamer is implemented by backends that can move a whole directory tree.
type Renamer interface {
	Rename(ctx context.Context, from, to string) error
}

// BucketCreator is implemented by object backends that can create their bucket.
type BucketCreator interface {
	EnsureBucket(ctx context.Context) error
}

// WriteResult contains information about stored content
type WriteResult struct {
	// Path is the storage path where the content was stored
	Path string

	// Size is the number of bytes written
	Size int64

	// Checksum is the SHA256 hash of the content
	Checksum string
}

// CopyFile stores the content of the local file src at path through b.Write.
func CopyFile(ctx context.Context, b Backend, path, src string) (*WriteResult, error) {
	f, err := os.Open(filepath.Clean(src))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: source file %s", ErrNotFound, src)
		}
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat source file: %w", err)
	}
	return b.Write(ctx, path, f, info.Size())
}
