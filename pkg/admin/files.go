package admin

import (
	"context"
	"errors"
	"time"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/storage"
)

// BulkDeleteLimit caps how many files one bulk delete request may name.
const BulkDeleteLimit = 100

// BulkDeleteItem names one file that was not deleted and why.
type BulkDeleteItem struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BulkDeleteReport lists the per-file outcome of a bulk delete. Skipped
// files were already deleted or do not exist; failed ones hit a storage or
// database error and are safe to retry.
type BulkDeleteReport struct {
	Deleted []string         `json:"deleted"`
	Skipped []BulkDeleteItem `json:"skipped"`
	Failed  []BulkDeleteItem `json:"failed"`
}

// BulkDelete removes up to BulkDeleteLimit files across any users. Each
// file is processed independently; one failure never aborts the batch.
func (s *Service) BulkDelete(ctx context.Context, fileIDs []string) (*BulkDeleteReport, error) {
	const op = "admin.BulkDelete"

	if len(fileIDs) == 0 {
		return nil, errs.Validation(op, "no file ids given")
	}
	if len(fileIDs) > BulkDeleteLimit {
		return nil, errs.Validation(op, "at most %d files per request", BulkDeleteLimit)
	}

	report := &BulkDeleteReport{
		Deleted: []string{},
		Skipped: []BulkDeleteItem{},
		Failed:  []BulkDeleteItem{},
	}
	now := s.now()

	for _, id := range fileIDs {
		file, err := s.store.GetFile(ctx, id)
		if err != nil {
			if errors.Is(err, models.ErrFileNotFound) {
				report.Skipped = append(report.Skipped, BulkDeleteItem{ID: id, Reason: "not found"})
				continue
			}
			report.Failed = append(report.Failed, BulkDeleteItem{ID: id, Reason: "database error"})
			continue
		}

		if _, err := s.provider.Delete(ctx, file.StorageKey, storage.Tier(file.StorageTier)); err != nil {
			logger.WarnCtx(ctx, "bulk delete failed to remove object",
				logger.KeyFileID, id, logger.KeyError, err)
			report.Failed = append(report.Failed, BulkDeleteItem{ID: id, Reason: "storage delete failed"})
			continue
		}

		claimed, err := s.store.SoftDeleteFile(ctx, id, now)
		if err != nil {
			report.Failed = append(report.Failed, BulkDeleteItem{ID: id, Reason: "database error"})
			continue
		}
		if !claimed {
			report.Skipped = append(report.Skipped, BulkDeleteItem{ID: id, Reason: "already deleted"})
			continue
		}

		if err := s.ledger.RemoveFile(ctx, file.UserID, file.Size); err != nil {
			logger.WarnCtx(ctx, "bulk delete failed to release quota",
				logger.KeyFileID, id, logger.KeyError, err)
		}
		report.Deleted = append(report.Deleted, id)
	}

	logger.InfoCtx(ctx, "bulk delete finished",
		logger.KeyScanned, len(fileIDs),
		logger.KeyDeleted, len(report.Deleted),
		"failed", len(report.Failed))
	return report, nil
}

// ForceMigrate moves one file to the given tier immediately, bypassing the
// tier worker's thresholds. Migrating onto the current tier is a no-op.
func (s *Service) ForceMigrate(ctx context.Context, fileID string, tier models.StorageTier) (*models.File, error) {
	const op = "admin.ForceMigrate"

	if !tier.IsValid() {
		return nil, errs.Validation(op, "invalid tier %q", tier)
	}

	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, models.ErrFileNotFound) {
			return nil, errs.NotFound(op, "file not found")
		}
		return nil, errs.Internal(op, err)
	}
	if file.StorageTier == string(tier) {
		return file, nil
	}

	from := storage.Tier(file.StorageTier)
	info, err := s.provider.Migrate(ctx, file.StorageKey, from, storage.Tier(tier))
	if err != nil {
		return nil, err
	}

	recorded, err := s.store.UpdateFileTier(ctx, fileID, models.StorageTier(file.StorageTier), tier, info.Key)
	if err != nil {
		return nil, errs.Internal(op, err)
	}
	if !recorded {
		if _, undoErr := s.provider.Migrate(ctx, info.Key, storage.Tier(tier), from); undoErr != nil {
			return nil, errs.Storage(op, undoErr)
		}
		return nil, errs.Conflict(op, "file changed during migration")
	}

	file.StorageTier = string(tier)
	file.StorageKey = info.Key
	logger.InfoCtx(ctx, "file migrated by admin",
		logger.KeyFileID, fileID, logger.KeyTier, string(tier))
	return file, nil
}

// SetExpiry overwrites a file's expiry. A nil expiry removes it, making
// the file permanent until inactivity cleanup.
func (s *Service) SetExpiry(ctx context.Context, fileID string, expiry *time.Time) error {
	const op = "admin.SetExpiry"

	if err := s.store.SetFileExpiry(ctx, fileID, expiry); err != nil {
		if errors.Is(err, models.ErrFileNotFound) {
			return errs.NotFound(op, "file not found")
		}
		return errs.Internal(op, err)
	}
	logger.InfoCtx(ctx, "file expiry set by admin", logger.KeyFileID, fileID)
	return nil
}
