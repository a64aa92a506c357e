package projectstorage

import (
	"fmt"
	"time"

	"github.com/project-storage/project-storage/internal/config"
	"github.com/project-storage/project-storage/internal/storage"
)

const defaultSignedURLTTL = time.Hour

// Config is the immutable storage configuration of one project.
type Config struct {
	ProjectName string
	// Kind is config.StorageKindLocal or config.StorageKindObject
	Kind string
	// RootTemplate may contain the {instance_id} placeholder
	RootTemplate string
	// Bucket is set iff Kind is object
	Bucket         string
	CDNResolverURL string
	SignedURLTTL   time.Duration
}

// ConfigFor derives a project's configuration from the deployment defaults.
func ConfigFor(s *config.StorageConfig, projectName string) Config {
	return Config{
		ProjectName:    projectName,
		Kind:           s.Kind,
		RootTemplate:   s.Root,
		Bucket:         s.Object.Bucket,
		CDNResolverURL: s.CDNResolverURL,
		SignedURLTTL:   s.SignedURLTTL,
	}
}

// Validate checks the project name and the bucket invariant.
func (c Config) Validate() error {
	if err := storage.ValidateProjectName(c.ProjectName); err != nil {
		return err
	}
	switch c.Kind {
	case config.StorageKindLocal:
		if c.Bucket != "" {
			return fmt.Errorf("bucket must be empty for local storage")
		}
	case config.StorageKindObject:
		if c.Bucket == "" {
			return fmt.Errorf("bucket is required for object storage")
		}
	default:
		return fmt.Errorf("invalid storage kind: %q", c.Kind)
	}
	if c.RootTemplate == "" {
		return fmt.Errorf("storage root is required")
	}
	return nil
}

func (c Config) isObject() bool {
	return c.Kind == config.StorageKindObject
}
