// factory.go implements the storage backend registry and factory, mapping backend names
// (local, s3, azure, gcs) to constructor functions.
package storage

import (
	"fmt"

	"github.com/project-storage/project-storage/internal/config"
)

// FactoryFunc creates a backend from the deployment configuration
type FactoryFunc func(*config.Config) (Backend, error)

var factories = make(map[string]FactoryFunc)

// Register registers a storage backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// BackendName returns the registry name selected by the configuration:
// "local" for local storage, the object provider otherwise.
func BackendName(cfg *config.Config) string {
	if cfg.Storage.Kind == config.StorageKindObject {
		return cfg.Storage.Object.Provider
	}
	return config.StorageKindLocal
}

// NewBackend creates the storage backend selected by the configuration
func NewBackend(cfg *config.Config) (Backend, error) {
	name := BackendName(cfg)
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %q (must be 'local', 's3', 'azure', or 'gcs')", name)
	}

	return factory(cfg)
}
