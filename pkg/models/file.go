package models

import (
	"fmt"
	"time"
)

// StorageTier is the logical placement class of a stored object. Backends
// map tiers to key prefixes; they need not correspond to distinct media.
type StorageTier string

const (
	// TierHot is the default placement for fresh and frequently read files.
	TierHot StorageTier = "hot"
	// TierCold holds files that have not been read recently.
	TierCold StorageTier = "cold"
)

// IsValid checks if the tier is a valid StorageTier.
func (t StorageTier) IsValid() bool {
	return t == TierHot || t == TierCold
}

// UniqueIPCap bounds the unique_download_ips set per file so abusive
// distribution cannot grow it without limit. Past the cap, downloads still
// count but new IPs are not recorded.
const UniqueIPCap = 1024

// File represents an uploaded object. Size is set once at assembly and
// never mutated. A non-deleted File always has a corresponding object at
// StorageKey on the declared tier.
type File struct {
	ID           string  `gorm:"primaryKey;size:36" json:"id"`
	UserID       string  `gorm:"not null;size:36;index" json:"user_id"`
	FolderID     *string `gorm:"size:36;index" json:"folder_id,omitempty"`
	OriginalName string  `gorm:"not null;size:512" json:"original_name"`
	MimeType     string  `gorm:"size:255" json:"mime_type"`
	Size         int64   `gorm:"not null" json:"size"`

	// StorageKey is fully qualified (tier prefix included) exactly as the
	// storage provider returned it. It is passed back verbatim; the
	// provider rejects re-prefixing.
	StorageKey  string `gorm:"not null;size:1024" json:"-"`
	StorageTier string `gorm:"default:hot;size:10;index" json:"storage_tier"`

	// Hash is the hex SHA-256 of the assembled object, when known.
	Hash string `gorm:"size:64" json:"hash,omitempty"`

	Downloads int64 `gorm:"default:0" json:"downloads"`

	// RecentDownloads counts downloads since RecentWindowStart. The store
	// rolls the window forward atomically in the same statement that
	// increments it, so the tier worker can promote cold files by recent
	// demand without a download-event table.
	RecentDownloads   int64     `gorm:"default:0" json:"-"`
	RecentWindowStart time.Time `json:"-"`

	LastAccessAt time.Time  `gorm:"index" json:"last_access_at"`
	ExpiresAt    *time.Time `gorm:"index" json:"expires_at,omitempty"`
	IsDeleted    bool       `gorm:"default:false;index" json:"-"`
	DeletedAt    *time.Time `json:"-"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for File.
func (File) TableName() string {
	return "files"
}

// Validate checks if the file record is consistent.
func (f *File) Validate() error {
	if f.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if f.OriginalName == "" {
		return fmt.Errorf("original name is required")
	}
	if f.Size < 0 {
		return fmt.Errorf("size must be non-negative")
	}
	if f.StorageKey == "" {
		return fmt.Errorf("storage key is required")
	}
	if f.StorageTier != "" && !StorageTier(f.StorageTier).IsValid() {
		return fmt.Errorf("invalid storage tier %q", f.StorageTier)
	}
	return nil
}

// IsExpired reports whether the file is past its expiry at the given time.
func (f *File) IsExpired(now time.Time) bool {
	return f.ExpiresAt != nil && !f.ExpiresAt.After(now)
}

// FileDownloadIP records one distinct client IP that downloaded a file.
// The composite primary key makes insertion idempotent, which keeps the
// set semantics without read-modify-write at the application layer.
type FileDownloadIP struct {
	FileID    string    `gorm:"primaryKey;size:36"`
	IP        string    `gorm:"primaryKey;size:45"` // fits IPv6 text form
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for FileDownloadIP.
func (FileDownloadIP) TableName() string {
	return "file_download_ips"
}
