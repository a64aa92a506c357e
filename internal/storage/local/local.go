// Package local implements the filesystem storage backend. Paths handed to it
// are absolute: the project storage root is already part of every path.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/project-storage/project-storage/internal/config"
	"github.com/project-storage/project-storage/internal/storage"
	"github.com/project-storage/project-storage/pkg/checksum"
)

const (
	dirPerm  = 0750
	filePerm = 0640
)

func init() {
	storage.Register(config.StorageKindLocal, func(_ *config.Config) (storage.Backend, error) {
		return New(), nil
	})
}

// LocalStorage implements storage.Backend and storage.Renamer on a mounted filesystem
type LocalStorage struct{}

// New creates a new local filesystem storage backend
func New() *LocalStorage {
	return &LocalStorage{}
}

// Name implements storage.Backend
func (s *LocalStorage) Name() string { return config.StorageKindLocal }

// Write stores the content of reader at path. The data goes to a temp file in
// the destination directory first and is renamed into place, so readers never
// observe a partially written file.
func (s *LocalStorage) Write(ctx context.Context, path string, reader io.Reader, size int64) (*storage.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath := filepath.FromSlash(path)

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	digest := checksum.NewDigest()
	if _, err := io.Copy(io.MultiWriter(tmp, digest), contextReader{ctx: ctx, r: reader}); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if size >= 0 && digest.Size() != size {
		return nil, fmt.Errorf("short write: got %d of %d bytes", digest.Size(), size)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		return nil, fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}
	committed = true

	return &storage.WriteResult{
		Path:     path,
		Size:     digest.Size(),
		Checksum: digest.Sum(),
	}, nil
}

// CopyIn copies an existing local file to path
func (s *LocalStorage) CopyIn(ctx context.Context, path string, src string) (*storage.WriteResult, error) {
	return storage.CopyFile(ctx, s, path, src)
}

// Read returns the full content of the file at path
func (s *LocalStorage) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.FromSlash(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Open returns a reader over the file at path
func (s *LocalStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.FromSlash(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes the file at path and, when that leaves its directory empty,
// the directory as well. Pruning is best effort.
func (s *LocalStorage) Delete(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fullPath := filepath.FromSlash(path)

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete file: %w", err)
	}

	dir := filepath.Dir(fullPath)
	if empty, err := isEmptyDir(dir); err != nil {
		slog.Warn("failed to inspect directory after delete", "dir", dir, "error", err)
	} else if empty {
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove empty directory", "dir", dir, "error", err)
		}
	}

	return true, nil
}

// Exists checks if a file exists at the specified path
func (s *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.FromSlash(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return true, nil
}

// List walks groupDir/<shard>/<id> and yields the ids. Temp files and stray
// entries are skipped.
func (s *LocalStorage) List(ctx context.Context, groupDir string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		root := filepath.FromSlash(groupDir)
		shards, err := os.ReadDir(root)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				yield("", fmt.Errorf("failed to list %s: %w", groupDir, err))
			}
			return
		}

		for _, shard := range shards {
			if !shard.IsDir() || len(shard.Name()) != 2 {
				continue
			}
			entries, err := os.ReadDir(filepath.Join(root, shard.Name()))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				if !yield("", fmt.Errorf("failed to list shard %s: %w", shard.Name(), err)) {
					return
				}
				continue
			}
			for _, e := range entries {
				if err := ctx.Err(); err != nil {
					yield("", err)
					return
				}
				if e.IsDir() || !storage.IsFileID(e.Name()) {
					continue
				}
				if !yield(e.Name(), nil) {
					return
				}
			}
		}
	}
}

// Rename moves a file or directory tree
func (s *LocalStorage) Rename(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(filepath.FromSlash(from), filepath.FromSlash(to)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, from)
		}
		return fmt.Errorf("failed to rename %s: %w", from, err)
	}
	return nil
}

func isEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if _, err := f.Readdirnames(1); err != nil {
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// contextReader stops a copy as soon as ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
