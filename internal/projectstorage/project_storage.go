package projectstorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/project-storage/project-storage/internal/cdn"
	"github.com/project-storage/project-storage/internal/config"
	"github.com/project-storage/project-storage/internal/media"
	"github.com/project-storage/project-storage/internal/preview"
	"github.com/project-storage/project-storage/internal/storage"
	"github.com/project-storage/project-storage/internal/telemetry"
)

// ProjectStorage is the storage of one project. It is safe for concurrent use.
type ProjectStorage struct {
	cfg      Config
	backend  storage.Backend
	signer   storage.SignedURLProvider
	renamer  storage.Renamer
	projects ProjectStore
	files    FileStore
	instance InstanceIDSource
	cdn      LinkResolver
	previews preview.Cache
	media    media.Extractor
	now      func() time.Time

	root      fillOnce[string]
	createdAt fillOnce[time.Time]
}

// New creates the storage of one project. Optional backend capabilities are
// detected here, once.
func New(cfg Config, deps Deps) (*ProjectStorage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	if deps.Previews == nil {
		deps.Previews = preview.Nop{}
	}

	ps := &ProjectStorage{
		cfg:      cfg,
		backend:  deps.Backend,
		projects: deps.Projects,
		files:    deps.Files,
		instance: deps.Instance,
		cdn:      deps.CDN,
		previews: deps.Previews,
		media:    deps.Media,
		now:      time.Now,
	}
	if signer, ok := deps.Backend.(storage.SignedURLProvider); ok && cfg.isObject() {
		ps.signer = signer
	}
	if renamer, ok := deps.Backend.(storage.Renamer); ok && !cfg.isObject() {
		ps.renamer = renamer
	}
	return ps, nil
}

// ProjectName returns the name of the project.
func (s *ProjectStorage) ProjectName() string {
	return s.cfg.ProjectName
}

// IsObjectStorage reports whether the project lives in object storage.
func (s *ProjectStorage) IsObjectStorage() bool {
	return s.cfg.isObject()
}

func (s *ProjectStorage) String() string {
	return fmt.Sprintf("%s storage of project %s", s.cfg.Kind, s.cfg.ProjectName)
}

// resolveRoot substitutes the instance id into the root template. Object keys
// never start with a slash.
func (s *ProjectStorage) resolveRoot(ctx context.Context) (string, error) {
	return s.root.get(func() (string, error) {
		root := s.cfg.RootTemplate
		if strings.Contains(root, config.InstanceIDPlaceholder) {
			if s.instance == nil {
				return "", fmt.Errorf("%w: instance id is not available", storage.ErrInternal)
			}
			id, err := s.instance.InstanceID(ctx)
			if err != nil {
				return "", internalError("failed to resolve storage root", err)
			}
			root = strings.ReplaceAll(root, config.InstanceIDPlaceholder, id)
		}
		if s.cfg.isObject() {
			root = strings.TrimLeft(root, "/")
		}
		return root, nil
	})
}

// projectCreatedAt returns the project's creation time from the database.
func (s *ProjectStorage) projectCreatedAt(ctx context.Context) (time.Time, error) {
	return s.createdAt.get(func() (time.Time, error) {
		if s.projects == nil {
			return time.Time{}, fmt.Errorf("%w: project store is not configured", storage.ErrInternal)
		}
		p, err := s.projects.GetByName(ctx, s.cfg.ProjectName)
		if err != nil {
			return time.Time{}, internalError("failed to load project", err)
		}
		if p == nil {
			return time.Time{}, fmt.Errorf("%w: project %s", storage.ErrNotFound, s.cfg.ProjectName)
		}
		return p.CreatedAt, nil
	})
}

// pathResolver returns the resolver for this project's directory.
func (s *ProjectStorage) pathResolver(ctx context.Context) (storage.PathResolver, error) {
	root, err := s.resolveRoot(ctx)
	if err != nil {
		return storage.PathResolver{}, err
	}
	projectDir := s.cfg.ProjectName
	if s.cfg.isObject() {
		createdAt, err := s.projectCreatedAt(ctx)
		if err != nil {
			return storage.PathResolver{}, err
		}
		projectDir = storage.ObjectProjectDir(s.cfg.ProjectName, createdAt)
	}
	return storage.NewPathResolver(root, projectDir), nil
}

// Path returns the storage path of a file. The reference is validated before
// any lookup.
func (s *ProjectStorage) Path(ctx context.Context, fileID string, group storage.FileGroup) (string, error) {
	id, err := storage.NormalizeFileID(fileID)
	if err != nil {
		return "", err
	}
	if _, err := storage.ParseFileGroup(string(group)); err != nil {
		return "", err
	}
	r, err := s.pathResolver(ctx)
	if err != nil {
		return "", err
	}
	return r.Resolve(id, group)
}

// UploadFromRequest streams r to the file and returns the number of bytes
// written. size is the declared length or -1.
func (s *ProjectStorage) UploadFromRequest(ctx context.Context, fileID string, group storage.FileGroup, r io.Reader, size int64) (written int64, err error) {
	path, err := s.Path(ctx, fileID, group)
	if err != nil {
		return 0, err
	}

	defer s.observe("write", time.Now(), &err)
	res, err := s.backend.Write(ctx, path, r, size)
	if err != nil {
		return 0, internalError("failed to store file", err)
	}
	telemetry.StorageBytesWrittenTotal.WithLabelValues(s.backend.Name(), string(group)).Add(float64(res.Size))
	slog.Debug("stored file", "project", s.cfg.ProjectName, "file_id", fileID, "group", group, "size", res.Size)
	return res.Size, nil
}

// UploadFromLocalFile stores an existing local file in the uploads group.
func (s *ProjectStorage) UploadFromLocalFile(ctx context.Context, fileID, localPath string) (err error) {
	path, err := s.Path(ctx, fileID, storage.GroupUploads)
	if err != nil {
		return err
	}

	defer s.observe("copy_in", time.Now(), &err)
	res, err := s.backend.CopyIn(ctx, path, localPath)
	if err != nil {
		return internalError("failed to store file", err)
	}
	telemetry.StorageBytesWrittenTotal.WithLabelValues(s.backend.Name(), string(storage.GroupUploads)).Add(float64(res.Size))
	return nil
}

// SignedURL returns a time-limited direct download URL. A ttl of zero uses
// the configured default. Local storage fails with ErrUnsupportedOperation.
func (s *ProjectStorage) SignedURL(ctx context.Context, fileID string, group storage.FileGroup, ttl time.Duration) (url string, err error) {
	if _, err := storage.NormalizeFileID(fileID); err != nil {
		return "", err
	}
	if s.signer == nil {
		return "", fmt.Errorf("%w: signed URLs require object storage", storage.ErrUnsupportedOperation)
	}
	path, err := s.Path(ctx, fileID, group)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = s.cfg.SignedURLTTL
	}
	if ttl <= 0 {
		ttl = defaultSignedURLTTL
	}

	defer s.observe("sign", time.Now(), &err)
	url, err = s.signer.SignedURL(ctx, path, ttl)
	if err != nil {
		return "", internalError("failed to sign URL", err)
	}
	return url, nil
}

// CDNLink asks the CDN resolver for a download link. Forbidden, NotFound and
// FeatureDisabled pass through; every other failure is ErrInternal.
func (s *ProjectStorage) CDNLink(ctx context.Context, fileID string) (*cdn.Link, error) {
	id, err := storage.NormalizeFileID(fileID)
	if err != nil {
		return nil, err
	}
	if s.cfg.CDNResolverURL == "" || s.cdn == nil || !s.cdn.Enabled() {
		return nil, fmt.Errorf("%w: CDN is not enabled", storage.ErrFeatureDisabled)
	}

	createdAt, err := s.projectCreatedAt(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed to get CDN link: %w", storage.ErrInternal, err)
	}

	link, err := s.cdn.Resolve(ctx, cdn.Request{
		ProjectName:      s.cfg.ProjectName,
		ProjectTimestamp: createdAt.Unix(),
		FileID:           id,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrForbidden),
			errors.Is(err, storage.ErrNotFound),
			errors.Is(err, storage.ErrFeatureDisabled):
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed to get CDN link: %w", storage.ErrInternal, err)
	}
	return link, nil
}

// Open streams a stored file.
func (s *ProjectStorage) Open(ctx context.Context, fileID string, group storage.FileGroup) (rc io.ReadCloser, err error) {
	path, err := s.Path(ctx, fileID, group)
	if err != nil {
		return nil, err
	}

	defer s.observe("open", time.Now(), &err)
	rc, err = s.backend.Open(ctx, path)
	if err != nil {
		return nil, internalError("failed to open file", err)
	}
	return rc, nil
}

// StoreThumbnail stores the original image of a thumbnail.
func (s *ProjectStorage) StoreThumbnail(ctx context.Context, thumbnailID string, payload []byte) error {
	_, err := s.UploadFromRequest(ctx, thumbnailID, storage.GroupThumbnails, bytes.NewReader(payload), int64(len(payload)))
	return err
}

// Thumbnail returns a stored thumbnail. A missing thumbnail is ErrNotFound.
func (s *ProjectStorage) Thumbnail(ctx context.Context, thumbnailID string) (payload []byte, err error) {
	path, err := s.Path(ctx, thumbnailID, storage.GroupThumbnails)
	if err != nil {
		return nil, err
	}

	defer s.observe("read", time.Now(), &err)
	payload, err = s.backend.Read(ctx, path)
	if err != nil {
		return nil, internalError("failed to read thumbnail", err)
	}
	return payload, nil
}

// DeleteThumbnail removes a thumbnail. Failures are logged.
func (s *ProjectStorage) DeleteThumbnail(ctx context.Context, thumbnailID string) {
	s.Unlink(ctx, thumbnailID, storage.GroupThumbnails)
}

// Unlink removes the bytes of a file without touching the database. It
// reports false only when the removal failed; an absent file counts as removed.
func (s *ProjectStorage) Unlink(ctx context.Context, fileID string, group storage.FileGroup) bool {
	if err := s.unlink(ctx, fileID, group); err != nil {
		slog.Error("failed to delete file", "project", s.cfg.ProjectName, "file_id", fileID, "group", group, "error", err)
		return false
	}
	return true
}

func (s *ProjectStorage) unlink(ctx context.Context, fileID string, group storage.FileGroup) (err error) {
	path, err := s.Path(ctx, fileID, group)
	if err != nil {
		return err
	}

	defer s.observe("delete", time.Now(), &err)
	deleted, err := s.backend.Delete(ctx, path)
	if err != nil {
		return internalError("failed to delete file", err)
	}
	if !deleted {
		slog.Debug("file already absent", "project", s.cfg.ProjectName, "file_id", fileID, "group", group)
	}
	return nil
}

// DeleteFile removes a file's bytes and then its database row. The row is
// kept when the bytes could not be removed. The preview cache is invalidated
// last; a failure there is logged.
func (s *ProjectStorage) DeleteFile(ctx context.Context, fileID string) error {
	id, err := storage.NormalizeFileID(fileID)
	if err != nil {
		return err
	}

	if err := s.unlink(ctx, id, storage.GroupUploads); err != nil {
		slog.Error("failed to delete file", "project", s.cfg.ProjectName, "file_id", id, "error", err)
		return fmt.Errorf("%w: failed to delete file %s", storage.ErrInternal, id)
	}

	if err := s.files.DeleteWithScrub(ctx, s.cfg.ProjectName, id); err != nil {
		return internalError("failed to delete file record", err)
	}

	if err := s.previews.Invalidate(ctx, s.cfg.ProjectName, id); err != nil {
		slog.Warn("failed to invalidate preview", "project", s.cfg.ProjectName, "file_id", id, "error", err)
	}
	return nil
}

// ListFiles lazily yields the ids stored in group.
func (s *ProjectStorage) ListFiles(ctx context.Context, group storage.FileGroup) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if _, err := storage.ParseFileGroup(string(group)); err != nil {
			yield("", err)
			return
		}
		r, err := s.pathResolver(ctx)
		if err != nil {
			yield("", err)
			return
		}
		for id, err := range s.backend.List(ctx, r.GroupDir(group)) {
			if err != nil {
				err = internalError("failed to list files", err)
			}
			if !yield(id, err) {
				return
			}
		}
	}
}

// MediaInfo extracts media metadata from an uploaded file. Local files are
// probed in place, object storage files through a signed URL.
func (s *ProjectStorage) MediaInfo(ctx context.Context, fileID string) (map[string]any, error) {
	if _, err := storage.NormalizeFileID(fileID); err != nil {
		return nil, err
	}
	if s.media == nil {
		return nil, fmt.Errorf("%w: media extraction is not configured", storage.ErrFeatureDisabled)
	}

	var source string
	var err error
	if s.cfg.isObject() {
		source, err = s.SignedURL(ctx, fileID, storage.GroupUploads, 0)
	} else {
		source, err = s.Path(ctx, fileID, storage.GroupUploads)
		if err == nil {
			var exists bool
			exists, err = s.backend.Exists(ctx, source)
			if err == nil && !exists {
				err = fmt.Errorf("%w: file %s", storage.ErrNotFound, fileID)
			}
		}
	}
	if err != nil {
		return nil, err
	}

	info, err := s.media.Extract(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to extract media info: %w", storage.ErrInternal, err)
	}
	return info, nil
}

func (s *ProjectStorage) observe(op string, start time.Time, errp *error) {
	outcome := "ok"
	switch {
	case *errp == nil:
	case errors.Is(*errp, storage.ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	telemetry.ObserveStorageOp(s.backend.Name(), op, outcome, time.Since(start))
}

// internalError keeps classified errors and wraps everything else in ErrInternal.
func internalError(msg string, err error) error {
	for _, sentinel := range []error{
		storage.ErrInvalidIdentifier,
		storage.ErrNotFound,
		storage.ErrUnsupportedOperation,
		storage.ErrForbidden,
		storage.ErrFeatureDisabled,
		storage.ErrInternal,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", storage.ErrInternal, msg, err)
}
