// Package instance holds the deployment identity: the instance id used in the
// storage root template and the cloud credentials sent to the CDN resolver.
package instance

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/project-storage/project-storage/internal/config"
	"github.com/project-storage/project-storage/internal/storage"
)

// Header names carrying the deployment identity to cloud services.
const (
	HeaderInstance = "X-Ynput-Cloud-Instance"
	HeaderKey      = "X-Ynput-Cloud-Key"
)

// IDSource looks up the persisted instance id.
type IDSource interface {
	GetInstanceID(ctx context.Context) (string, error)
}

// Identity resolves the instance id once and keeps it for the process lifetime.
// A failed lookup is not cached.
type Identity struct {
	configured string
	apiKey     string
	source     IDSource

	mu sync.Mutex
	id string
}

// New creates an Identity. A configured instance id takes precedence over source;
// source may be nil when the id is configured.
func New(cfg *config.CloudConfig, source IDSource) *Identity {
	return &Identity{
		configured: cfg.InstanceID,
		apiKey:     cfg.APIKey,
		source:     source,
	}
}

// InstanceID returns the deployment instance id.
func (i *Identity) InstanceID(ctx context.Context) (string, error) {
	if i.configured != "" {
		return i.configured, nil
	}

	i.mu.Lock()
	id := i.id
	i.mu.Unlock()
	if id != "" {
		return id, nil
	}

	if i.source == nil {
		return "", fmt.Errorf("instance id is not configured")
	}
	id, err := i.source.GetInstanceID(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load instance id: %w", err)
	}
	if id == "" {
		return "", fmt.Errorf("instance id is empty")
	}

	i.mu.Lock()
	i.id = id
	i.mu.Unlock()
	return id, nil
}

// Headers returns the identity headers for cloud requests. An instance
// without an API key is not connected and gets ErrForbidden.
func (i *Identity) Headers(ctx context.Context) (http.Header, error) {
	if i.apiKey == "" {
		return nil, fmt.Errorf("%w: instance is not connected to the cloud", storage.ErrForbidden)
	}
	id, err := i.InstanceID(ctx)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set(HeaderInstance, id)
	h.Set(HeaderKey, i.apiKey)
	return h, nil
}
