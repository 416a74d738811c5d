package models

import "fmt"

// Unlimited is the sentinel limit value meaning "no limit".
const Unlimited int64 = -1

// Quota holds per-user limits and usage counters. Usage updates are atomic
// SQL increments; decrements clamp at zero in the store layer.
type Quota struct {
	UserID string `gorm:"primaryKey;size:36" json:"user_id"`

	// Limits. Unlimited (-1) disables the corresponding check.
	MaxStorage  int64 `gorm:"not null" json:"max_storage"`
	MaxFileSize int64 `gorm:"not null" json:"max_file_size"`
	MaxFiles    int64 `gorm:"not null" json:"max_files"`

	// Usage counters.
	StorageBytes int64 `gorm:"default:0" json:"storage_bytes"`
	FileCount    int64 `gorm:"default:0" json:"file_count"`
	FolderCount  int64 `gorm:"default:0" json:"folder_count"`
}

// TableName returns the table name for Quota.
func (Quota) TableName() string {
	return "quotas"
}

// Validate checks if the quota record is consistent.
func (q *Quota) Validate() error {
	if q.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	for _, limit := range []int64{q.MaxStorage, q.MaxFileSize, q.MaxFiles} {
		if limit < Unlimited {
			return fmt.Errorf("limits must be -1 (unlimited) or non-negative")
		}
	}
	return nil
}

// StorageUnlimited reports whether the storage limit is disabled.
func (q *Quota) StorageUnlimited() bool {
	return q.MaxStorage == Unlimited
}
