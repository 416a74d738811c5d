package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cubbyhost/cubby/pkg/models"
)

func (s *Store) GetQuota(ctx context.Context, userID string) (*models.Quota, error) {
	return getByField[models.Quota](s.db, ctx, "user_id", userID, models.ErrQuotaNotFound)
}

// GetOrCreateQuota returns the quota row, seeding it with the given limits
// when absent. The ON CONFLICT clause makes concurrent seeding safe.
func (s *Store) GetOrCreateQuota(ctx context.Context, userID string, defaults models.Quota) (*models.Quota, error) {
	defaults.UserID = userID
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&defaults).Error
	if err != nil && !isUniqueConstraintError(err) {
		return nil, err
	}
	return s.GetQuota(ctx, userID)
}

// AddFileUsage atomically accounts one new file.
func (s *Store) AddFileUsage(ctx context.Context, userID string, size int64) error {
	result := s.db.WithContext(ctx).
		Model(&models.Quota{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"storage_bytes": gorm.Expr("storage_bytes + ?", size),
			"file_count":    gorm.Expr("file_count + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrQuotaNotFound
	}
	return nil
}

// RemoveFileUsage atomically releases one file, clamping at zero. The CASE
// form is portable across SQLite and PostgreSQL.
func (s *Store) RemoveFileUsage(ctx context.Context, userID string, size int64) error {
	result := s.db.WithContext(ctx).
		Model(&models.Quota{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"storage_bytes": gorm.Expr("CASE WHEN storage_bytes > ? THEN storage_bytes - ? ELSE 0 END", size, size),
			"file_count":    gorm.Expr("CASE WHEN file_count > 0 THEN file_count - 1 ELSE 0 END"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrQuotaNotFound
	}
	return nil
}

// AddFolderUsage atomically accounts one new folder.
func (s *Store) AddFolderUsage(ctx context.Context, userID string) error {
	return s.adjustFolderCount(ctx, userID, gorm.Expr("folder_count + 1"))
}

// RemoveFolderUsage atomically releases one folder, clamping at zero.
func (s *Store) RemoveFolderUsage(ctx context.Context, userID string) error {
	return s.adjustFolderCount(ctx, userID, gorm.Expr("CASE WHEN folder_count > 0 THEN folder_count - 1 ELSE 0 END"))
}

func (s *Store) adjustFolderCount(ctx context.Context, userID string, expr clause.Expr) error {
	result := s.db.WithContext(ctx).
		Model(&models.Quota{}).
		Where("user_id = ?", userID).
		Update("folder_count", expr)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrQuotaNotFound
	}
	return nil
}

// SetQuotaLimits overwrites the limit columns, leaving usage untouched.
func (s *Store) SetQuotaLimits(ctx context.Context, userID string, maxStorage, maxFileSize, maxFiles int64) error {
	result := s.db.WithContext(ctx).
		Model(&models.Quota{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"max_storage":   maxStorage,
			"max_file_size": maxFileSize,
			"max_files":     maxFiles,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrQuotaNotFound
	}
	return nil
}

// ResetQuotaUsage zeroes all usage counters (admin block wipe).
func (s *Store) ResetQuotaUsage(ctx context.Context, userID string) error {
	err := s.db.WithContext(ctx).
		Model(&models.Quota{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"storage_bytes": 0,
			"file_count":    0,
			"folder_count":  0,
		}).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrQuotaNotFound
	}
	return err
}

// ListQuotas returns every quota row, for usage reports.
func (s *Store) ListQuotas(ctx context.Context) ([]*models.Quota, error) {
	var quotas []*models.Quota
	if err := s.db.WithContext(ctx).Order("user_id").Find(&quotas).Error; err != nil {
		return nil, err
	}
	return quotas, nil
}
