// Package models defines the rows this service reads from the shared database.
package models

import "time"

// Project is a row of public.projects
type Project struct {
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Timestamp is the project creation time as unix seconds. Object storage
// keys embed it so a recreated project never sees the old project's files.
func (p *Project) Timestamp() int64 {
	return p.CreatedAt.Unix()
}
