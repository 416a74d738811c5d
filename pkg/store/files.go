package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/cubbyhost/cubby/pkg/models"
)

func (s *Store) CreateFile(ctx context.Context, file *models.File) (string, error) {
	if err := file.Validate(); err != nil {
		return "", err
	}
	if file.StorageTier == "" {
		file.StorageTier = string(models.TierHot)
	}
	if file.LastAccessAt.IsZero() {
		file.LastAccessAt = time.Now()
	}
	return createWithID(s.db, ctx, file, func(f *models.File, id string) { f.ID = id }, file.ID, models.ErrFileNotFound)
}

// GetFile returns a live (non-deleted) file.
func (s *Store) GetFile(ctx context.Context, id string) (*models.File, error) {
	var file models.File
	err := s.db.WithContext(ctx).
		Where("id = ? AND is_deleted = ?", id, false).
		First(&file).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFileNotFound)
	}
	return &file, nil
}

// GetFileByStorageKey returns the live file at a storage key. Upload
// finalization uses it to stay idempotent across a crash between File
// creation and session completion.
func (s *Store) GetFileByStorageKey(ctx context.Context, key string) (*models.File, error) {
	var file models.File
	err := s.db.WithContext(ctx).
		Where("storage_key = ? AND is_deleted = ?", key, false).
		First(&file).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFileNotFound)
	}
	return &file, nil
}

// GetFileAny returns a file regardless of soft-delete state.
func (s *Store) GetFileAny(ctx context.Context, id string) (*models.File, error) {
	return getByField[models.File](s.db, ctx, "id", id, models.ErrFileNotFound)
}

// ListUserFiles returns the live files of a user, optionally scoped to one
// folder (nil folderID = root).
func (s *Store) ListUserFiles(ctx context.Context, userID string, folderID *string, scoped bool) ([]*models.File, error) {
	q := s.db.WithContext(ctx).Where("user_id = ? AND is_deleted = ?", userID, false)
	if scoped {
		if folderID == nil {
			q = q.Where("folder_id IS NULL")
		} else {
			q = q.Where("folder_id = ?", *folderID)
		}
	}
	var files []*models.File
	if err := q.Order("created_at").Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

// ListAllUserFiles includes soft-deleted rows, for the admin block wipe.
func (s *Store) ListAllUserFiles(ctx context.Context, userID string) ([]*models.File, error) {
	var files []*models.File
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

func (s *Store) RenameFile(ctx context.Context, id, newName string) error {
	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Update("original_name", newName)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrFileNotFound
	}
	return nil
}

func (s *Store) MoveFile(ctx context.Context, id string, folderID *string) error {
	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Update("folder_id", folderID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrFileNotFound
	}
	return nil
}

// SoftDeleteFile marks a file deleted. The is_deleted guard makes it a CAS:
// false means another worker already claimed it.
func (s *Store) SoftDeleteFile(ctx context.Context, id string, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(map[string]any{
			"is_deleted": true,
			"deleted_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// HardDeleteFile removes the row and its unique-IP set.
func (s *Store) HardDeleteFile(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("file_id = ?", id).Delete(&models.FileDownloadIP{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.File{}).Error
	})
}

// RecordDownload applies all download-path counter effects in one atomic
// statement: downloads+1, the rolling recent-download window (reset when
// the anchor fell out of the window, else +1), and last_access_at.
func (s *Store) RecordDownload(ctx context.Context, id string, now time.Time, windowStart time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(map[string]any{
			"downloads": gorm.Expr("downloads + 1"),
			"recent_downloads": gorm.Expr(
				"CASE WHEN recent_window_start < ? THEN 1 ELSE recent_downloads + 1 END", windowStart),
			"recent_window_start": gorm.Expr(
				"CASE WHEN recent_window_start < ? THEN ? ELSE recent_window_start END", windowStart, now),
			"last_access_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrFileNotFound
	}
	return nil
}

// InsertDownloadIP records a distinct downloader IP. The composite primary
// key makes retries idempotent and the sub-select enforces the per-file
// cap without an application-level read. Returns whether a row was added.
func (s *Store) InsertDownloadIP(ctx context.Context, fileID, ip string, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO file_download_ips (file_id, ip, created_at)
		 SELECT ?, ?, ?
		 WHERE (SELECT COUNT(*) FROM file_download_ips WHERE file_id = ?) < ?
		 ON CONFLICT DO NOTHING`,
		fileID, ip, now, fileID, models.UniqueIPCap)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) CountDownloadIPs(ctx context.Context, fileID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.FileDownloadIP{}).
		Where("file_id = ?", fileID).
		Count(&count).Error
	return count, err
}

// ShortenExpiry moves a file's expiry earlier, never later. Files without
// an expiry get one.
func (s *Store) ShortenExpiry(ctx context.Context, id string, newExpiry time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ? AND is_deleted = ? AND (expires_at IS NULL OR expires_at > ?)", id, false, newExpiry).
		Update("expires_at", newExpiry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SetFileExpiry overwrites the expiry unconditionally (admin operation).
// A nil expiry removes it.
func (s *Store) SetFileExpiry(ctx context.Context, id string, expiry *time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Update("expires_at", expiry)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrFileNotFound
	}
	return nil
}

// SetExpiryWhereNone stamps an expiry on every live, expiry-less file of a
// user. Used by the premium downgrade path.
func (s *Store) SetExpiryWhereNone(ctx context.Context, userID string, expiry time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("user_id = ? AND is_deleted = ? AND expires_at IS NULL", userID, false).
		Update("expires_at", expiry)
	return result.RowsAffected, result.Error
}

// ClearUserFileExpiry removes expiry from all live files of a user. Used
// when promoting to premium.
func (s *Store) ClearUserFileExpiry(ctx context.Context, userID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("user_id = ? AND is_deleted = ? AND expires_at IS NOT NULL", userID, false).
		Update("expires_at", nil)
	return result.RowsAffected, result.Error
}

// UpdateFileTier records a completed migration. The tier guard makes it a
// CAS so two workers cannot double-apply a move.
func (s *Store) UpdateFileTier(ctx context.Context, id string, from, to models.StorageTier, newKey string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ? AND storage_tier = ? AND is_deleted = ?", id, string(from), false).
		Updates(map[string]any{
			"storage_tier": string(to),
			"storage_key":  newKey,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListExpiredFiles returns live files past their expiry.
func (s *Store) ListExpiredFiles(ctx context.Context, now time.Time, limit int) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where("is_deleted = ? AND expires_at IS NOT NULL AND expires_at <= ?", false, now).
		Order("expires_at").
		Limit(limit).
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// ListInactiveFiles returns live files untouched since cutoff.
func (s *Store) ListInactiveFiles(ctx context.Context, cutoff time.Time, limit int) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where("is_deleted = ? AND last_access_at <= ?", false, cutoff).
		Order("last_access_at").
		Limit(limit).
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// ListSoftDeletedBefore returns soft-deleted files whose grace period ended.
func (s *Store) ListSoftDeletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where("is_deleted = ? AND deleted_at IS NOT NULL AND deleted_at <= ?", true, cutoff).
		Order("deleted_at").
		Limit(limit).
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// ListHotToColdCandidates returns hot files idle since cutoff.
func (s *Store) ListHotToColdCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where("is_deleted = ? AND storage_tier = ? AND last_access_at <= ?", false, string(models.TierHot), cutoff).
		Order("last_access_at").
		Limit(limit).
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// ListColdToHotCandidates returns cold files with enough recent demand.
// The window anchor must itself be recent, otherwise the counter is stale.
func (s *Store) ListColdToHotCandidates(ctx context.Context, windowStart time.Time, minDownloads int, limit int) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where("is_deleted = ? AND storage_tier = ? AND recent_window_start >= ? AND recent_downloads >= ?",
			false, string(models.TierCold), windowStart, minDownloads).
		Order("recent_downloads DESC").
		Limit(limit).
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}
