// file_repository.go implements FileRepository for the per-project
// project_<name>.files table and the file references embedded in activities.
package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/project-storage/project-storage/internal/db/models"
	"github.com/project-storage/project-storage/internal/storage"
)

// FileRepository handles database operations for project files
type FileRepository struct {
	db *sqlx.DB
}

// NewFileRepository creates a new file repository
func NewFileRepository(db *sqlx.DB) *FileRepository {
	return &FileRepository{db: db}
}

// ProjectSchema returns the quoted schema name holding a project's tables.
func ProjectSchema(projectName string) (string, error) {
	if err := storage.ValidateProjectName(projectName); err != nil {
		return "", err
	}
	return pq.QuoteIdentifier("project_" + strings.ToLower(projectName)), nil
}

// ListUnused returns the files not attached to any activity and last updated
// before cutoff.
func (r *FileRepository) ListUnused(ctx context.Context, projectName string, cutoff time.Time) ([]models.File, error) {
	schema, err := ProjectSchema(projectName)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, activity_id, updated_at
		FROM %s.files
		WHERE activity_id IS NULL AND updated_at < $1
		ORDER BY updated_at
	`, schema)

	var files []models.File
	if err := r.db.SelectContext(ctx, &files, query, cutoff); err != nil {
		return nil, fmt.Errorf("failed to list unused files: %w", err)
	}

	return files, nil
}

// DeleteWithScrub deletes the file row and removes the file from every
// activity that references it, in one transaction. Deleting an absent row is
// not an error.
func (r *FileRepository) DeleteWithScrub(ctx context.Context, projectName, fileID string) error {
	schema, err := ProjectSchema(projectName)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s.files WHERE id = $1`, schema), fileID); err != nil {
		return fmt.Errorf("failed to delete file row: %w", err)
	}

	scrub := fmt.Sprintf(`
		WITH updated AS (
			SELECT id, jsonb_set(
				data,
				'{files}',
				COALESCE(
					(SELECT jsonb_agg(elem) FROM jsonb_array_elements(data->'files') elem WHERE elem->>'id' <> $1),
					'[]'::jsonb
				)
			) AS new_data
			FROM %[1]s.activities
			WHERE data->'files' @> jsonb_build_array(jsonb_build_object('id', $1::text))
		)
		UPDATE %[1]s.activities a
		SET data = u.new_data
		FROM updated u
		WHERE a.id = u.id
	`, schema)
	if _, err := tx.ExecContext(ctx, scrub, fileID); err != nil {
		return fmt.Errorf("failed to scrub activity file references: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit file deletion: %w", err)
	}
	return nil
}
