// Package preview invalidates the generated-preview cache shared with the main
// application. Previews are cached in Redis under file-preview:<project>.<fileId>.
package preview

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/project-storage/project-storage/internal/config"
)

const keyPrefix = "file-preview:"

// Cache drops cached previews of deleted files.
type Cache interface {
	Invalidate(ctx context.Context, projectName, fileID string) error
}

// Key returns the Redis key of a file preview.
func Key(projectName, fileID string) string {
	return keyPrefix + projectName + "." + fileID
}

// NewClient creates a Redis client from configuration. It returns nil when
// Redis is disabled.
func NewClient(cfg *config.RedisConfig) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New returns a Redis-backed cache, or a no-op cache when client is nil.
func New(client *redis.Client) Cache {
	if client == nil {
		return Nop{}
	}
	return &RedisCache{client: client}
}

// RedisCache implements Cache on Redis.
type RedisCache struct {
	client *redis.Client
}

// Invalidate deletes the cached preview. A missing key is not an error.
func (c *RedisCache) Invalidate(ctx context.Context, projectName, fileID string) error {
	if err := c.client.Del(ctx, Key(projectName, fileID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate preview: %w", err)
	}
	return nil
}

// Nop is the cache used when Redis is disabled.
type Nop struct{}

// Invalidate implements Cache.
func (Nop) Invalidate(context.Context, string, string) error { return nil }
