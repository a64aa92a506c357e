// project_repository.go implements ProjectRepository, providing lookups on
// public.projects: creation timestamps for object storage keys and the project
// list walked by the retention sweeper.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/project-storage/project-storage/internal/db/models"
)

// ProjectRepository handles database operations for projects
type ProjectRepository struct {
	db *sqlx.DB
}

// NewProjectRepository creates a new project repository
func NewProjectRepository(db *sqlx.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// GetByName retrieves a project by name. It returns nil when the project does not exist.
func (r *ProjectRepository) GetByName(ctx context.Context, name string) (*models.Project, error) {
	query := `SELECT name, created_at FROM public.projects WHERE name = $1`

	var project models.Project
	err := r.db.GetContext(ctx, &project, query, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return &project, nil
}

// ListNames returns the names of all projects in alphabetical order
func (r *ProjectRepository) ListNames(ctx context.Context) ([]string, error) {
	query := `SELECT name FROM public.projects ORDER BY name`

	var names []string
	if err := r.db.SelectContext(ctx, &names, query); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	return names, nil
}
