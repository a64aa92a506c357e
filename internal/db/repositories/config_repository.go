// config_repository.go implements ConfigRepository for the key/value rows of
// public.config shared with the main application.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const instanceIDKey = "instanceId"

// ConfigRepository reads server-wide settings
type ConfigRepository struct {
	db *sqlx.DB
}

// NewConfigRepository creates a new config repository
func NewConfigRepository(db *sqlx.DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

// GetInstanceID returns the persisted instance id. The value column is JSONB
// holding a string; #>> '{}' extracts it as text.
func (r *ConfigRepository) GetInstanceID(ctx context.Context) (string, error) {
	query := `SELECT value #>> '{}' FROM public.config WHERE key = $1`

	var id string
	err := r.db.GetContext(ctx, &id, query, instanceIDKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("instance id is not set")
	}
	if err != nil {
		return "", fmt.Errorf("failed to get instance id: %w", err)
	}

	return id, nil
}
