package models

import (
	"fmt"
	"strings"
	"time"
)

// Folder represents a node in a user's folder tree. Path is the
// materialized ancestor chain ("/docs/reports"); it is recomputed by a
// single writer when the folder moves. Only ParentID is authoritative for
// the tree shape.
type Folder struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"not null;size:36;index:idx_folders_user_parent" json:"user_id"`
	Name      string    `gorm:"not null;size:255" json:"name"`
	ParentID  *string   `gorm:"size:36;index:idx_folders_user_parent" json:"parent_id,omitempty"`
	Path      string    `gorm:"not null;size:4096" json:"path"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for Folder.
func (Folder) TableName() string {
	return "folders"
}

// Validate checks if the folder record is consistent.
func (f *Folder) Validate() error {
	if f.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if f.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(f.Name, "/\x00") {
		return fmt.Errorf("name must not contain path separators")
	}
	return nil
}

// ChildPath returns the materialized path of a child named name under f.
func (f *Folder) ChildPath(name string) string {
	if f == nil {
		return "/" + name
	}
	return strings.TrimSuffix(f.Path, "/") + "/" + name
}
