package projectstorage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/project-storage/project-storage/internal/storage"
)

// UnusedGraceWindow is how long an unreferenced file row is kept before the
// sweeper deletes it. Uploads write their row shortly before or after the
// bytes land; younger rows are left alone.
const UnusedGraceWindow = 5 * time.Minute

// SweepUnused deletes the files not referenced by any activity and older than
// UnusedGraceWindow. Per-file failures are logged and skipped. It returns the
// number of files deleted.
func (s *ProjectStorage) SweepUnused(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-UnusedGraceWindow)
	candidates, err := s.files.ListUnused(ctx, s.cfg.ProjectName, cutoff)
	if err != nil {
		return 0, internalError("failed to list unused files", err)
	}

	deleted := 0
	for _, f := range candidates {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		slog.Debug("deleting unused file", "project", s.cfg.ProjectName, "file_id", f.ID)
		if err := s.DeleteFile(ctx, f.ID); err != nil {
			slog.Warn("failed to delete unused file", "project", s.cfg.ProjectName, "file_id", f.ID, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		slog.Info("deleted unused files", "project", s.cfg.ProjectName, "count", deleted, "candidates", len(candidates))
	}
	return deleted, nil
}

// Trash renames the local project directory to <name>.<unix>.trash. A missing
// directory and object storage are no-ops. Failures are logged.
func (s *ProjectStorage) Trash(ctx context.Context) {
	if s.renamer == nil {
		slog.Debug("trash is a no-op for this storage", "project", s.cfg.ProjectName, "backend", s.backend.Name())
		return
	}

	root, err := s.resolveRoot(ctx)
	if err != nil {
		slog.Error("failed to trash project storage", "project", s.cfg.ProjectName, "error", err)
		return
	}

	from := path.Join(root, s.cfg.ProjectName)
	to := path.Join(root, storage.TrashDir(s.cfg.ProjectName, s.now()))
	if err := s.renamer.Rename(ctx, from, to); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		slog.Error("failed to trash project storage", "project", s.cfg.ProjectName, "error", fmt.Errorf("rename %s: %w", from, err))
		return
	}
	slog.Info("trashed project storage", "project", s.cfg.ProjectName, "path", to)
}
