package models

import (
	"database/sql"
	"time"
)

// File is a row of project_<name>.files. A row with no activity is an upload
// nobody has attached yet.
type File struct {
	ID         string         `db:"id" json:"id"`
	ActivityID sql.NullString `db:"activity_id" json:"activity_id,omitempty"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
}
