package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cubbyhost/cubby/pkg/models"
)

func (s *Store) CreateSession(ctx context.Context, session *models.UploadSession) (string, error) {
	if err := session.Validate(); err != nil {
		return "", err
	}
	return createWithID(s.db, ctx, session, func(u *models.UploadSession, id string) { u.ID = id }, session.ID, models.ErrSessionNotFound)
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.UploadSession, error) {
	return getByField[models.UploadSession](s.db, ctx, "id", id, models.ErrSessionNotFound)
}

// AckChunk records one uploaded chunk index. The composite primary key
// plus DO NOTHING makes a retried acknowledgement a no-op. Returns whether
// this call added the row.
func (s *Store) AckChunk(ctx context.Context, sessionID string, index int) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.UploadSessionChunk{SessionID: sessionID, Index: index})
	if result.Error != nil {
		if isUniqueConstraintError(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListChunkIndices returns the acknowledged chunk indices in order.
func (s *Store) ListChunkIndices(ctx context.Context, sessionID string) ([]int, error) {
	var indices []int
	err := s.db.WithContext(ctx).
		Model(&models.UploadSessionChunk{}).
		Where("session_id = ?", sessionID).
		Order("idx").
		Pluck("idx", &indices).Error
	if err != nil {
		return nil, err
	}
	return indices, nil
}

func (s *Store) CountChunks(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.UploadSessionChunk{}).
		Where("session_id = ?", sessionID).
		Count(&count).Error
	return count, err
}

// TransitionSession moves a session between states with a CAS on the
// current state. Returns false when another writer got there first.
func (s *Store) TransitionSession(ctx context.Context, id string, from, to models.SessionStatus) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.UploadSession{}).
		Where("id = ? AND status = ?", id, string(from)).
		Update("status", string(to))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CompleteSession finishes a completing session, linking the created file.
func (s *Store) CompleteSession(ctx context.Context, id, fileID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.UploadSession{}).
		Where("id = ? AND status = ?", id, string(models.SessionCompleting)).
		Updates(map[string]any{
			"status":  string(models.SessionCompleted),
			"file_id": fileID,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ApplySessionQuota charges the session's bytes to the owner's quota
// exactly once. The quota_applied flag flips with a CAS in the same
// transaction as the usage update, so a finalize replayed after a crash
// neither skips nor double-charges. Returns whether this call applied
// the charge.
func (s *Store) ApplySessionQuota(ctx context.Context, sessionID, userID string, size int64) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim := tx.
			Model(&models.UploadSession{}).
			Where("id = ? AND quota_applied = ?", sessionID, false).
			Update("quota_applied", true)
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			// Already charged by an earlier attempt.
			return nil
		}
		charge := tx.
			Model(&models.Quota{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"storage_bytes": gorm.Expr("storage_bytes + ?", size),
				"file_count":    gorm.Expr("file_count + 1"),
			})
		if charge.Error != nil {
			return charge.Error
		}
		if charge.RowsAffected == 0 {
			return models.ErrQuotaNotFound
		}
		applied = true
		return nil
	})
	return applied, err
}

// FailSession marks a non-terminal session failed.
func (s *Store) FailSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&models.UploadSession{}).
		Where("id = ? AND status IN ?", id, []string{
			string(models.SessionUploading),
			string(models.SessionCompleting),
		}).
		Update("status", string(models.SessionFailed)).Error
}

// AbortSession marks a non-terminal session aborted. Returns false when
// the session was already terminal.
func (s *Store) AbortSession(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.UploadSession{}).
		Where("id = ? AND status IN ?", id, []string{
			string(models.SessionUploading),
			string(models.SessionCompleting),
		}).
		Update("status", string(models.SessionAborted))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListExpiredSessions returns sessions past their TTL that never
// completed, for the sweeper.
func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*models.UploadSession, error) {
	var sessions []*models.UploadSession
	err := s.db.WithContext(ctx).
		Where("expires_at <= ? AND status <> ?", now, string(models.SessionCompleted)).
		Order("expires_at").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// DeleteSession removes the session row and its chunk acknowledgements.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&models.UploadSessionChunk{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.UploadSession{}).Error
	})
}
