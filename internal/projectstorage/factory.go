// Package projectstorage implements the project-scoped storage façade. A
// ProjectStorage resolves file references to storage paths, delegates byte
// operations to the deployment's backend and keeps the project's file rows
// consistent with the stored bytes.
package projectstorage

import (
	"context"
	"fmt"
	"time"

	"github.com/project-storage/project-storage/internal/cdn"
	"github.com/project-storage/project-storage/internal/config"
	"github.com/project-storage/project-storage/internal/db/models"
	"github.com/project-storage/project-storage/internal/media"
	"github.com/project-storage/project-storage/internal/preview"
	"github.com/project-storage/project-storage/internal/storage"
)

// ProjectStore looks up project records.
type ProjectStore interface {
	GetByName(ctx context.Context, name string) (*models.Project, error)
}

// FileStore holds the per-project file rows.
type FileStore interface {
	ListUnused(ctx context.Context, projectName string, cutoff time.Time) ([]models.File, error)
	DeleteWithScrub(ctx context.Context, projectName, fileID string) error
}

// InstanceIDSource provides the deployment instance id.
type InstanceIDSource interface {
	InstanceID(ctx context.Context) (string, error)
}

// LinkResolver exchanges a file reference for a CDN link.
type LinkResolver interface {
	Enabled() bool
	Resolve(ctx context.Context, req cdn.Request) (*cdn.Link, error)
}

// Deps are the collaborators shared by every project of a deployment.
type Deps struct {
	Backend  storage.Backend
	Projects ProjectStore
	Files    FileStore
	Instance InstanceIDSource
	// CDN is optional
	CDN LinkResolver
	// Previews defaults to a no-op cache
	Previews preview.Cache
	// Media is optional; MediaInfo fails with ErrFeatureDisabled without it
	Media media.Extractor
}

// Factory builds ProjectStorage values from the deployment configuration.
type Factory struct {
	storage *config.StorageConfig
	deps    Deps
	now     func() time.Time
}

// NewFactory validates the deployment storage configuration and returns a factory.
func NewFactory(cfg *config.StorageConfig, deps Deps) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	if deps.Projects == nil || deps.Files == nil {
		return nil, fmt.Errorf("project and file stores are required")
	}
	if deps.Instance == nil && cfg.NeedsInstanceID() {
		return nil, fmt.Errorf("storage root references %s but no instance id source is configured", config.InstanceIDPlaceholder)
	}
	if deps.Previews == nil {
		deps.Previews = preview.Nop{}
	}
	return &Factory{storage: cfg, deps: deps, now: time.Now}, nil
}

// Backend returns the shared storage backend.
func (f *Factory) Backend() storage.Backend {
	return f.deps.Backend
}

// For returns the storage of one project. It performs no I/O.
func (f *Factory) For(projectName string) (*ProjectStorage, error) {
	ps, err := New(ConfigFor(f.storage, projectName), f.deps)
	if err != nil {
		return nil, err
	}
	ps.now = f.now
	return ps, nil
}

// SweepProject runs SweepUnused for one project.
func (f *Factory) SweepProject(ctx context.Context, projectName string) (int, error) {
	ps, err := f.For(projectName)
	if err != nil {
		return 0, err
	}
	return ps.SweepUnused(ctx)
}
