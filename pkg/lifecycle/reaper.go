package lifecycle

import (
	"context"
	"time"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/quota"
	"github.com/cubbyhost/cubby/pkg/storage"
	"github.com/cubbyhost/cubby/pkg/store"
)

// reaper deletes one file end to end: the storage object first, then the
// soft-delete claim, then the quota release. The object goes first so a
// crash mid-pipeline leaves a still-listed file the next cycle retries,
// never an invisible orphaned object. Delete treats an already-absent
// object as deleted, which makes the retry safe.
type reaper struct {
	store    *store.Store
	provider storage.Provider
	ledger   *quota.Ledger
}

// reap returns whether this call claimed the file. A false claim with a
// nil error means another worker got there first.
func (r *reaper) reap(ctx context.Context, file *models.File, now time.Time) (bool, error) {
	if _, err := r.provider.Delete(ctx, file.StorageKey, storage.Tier(file.StorageTier)); err != nil {
		return false, err
	}

	claimed, err := r.store.SoftDeleteFile(ctx, file.ID, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	// The file is gone either way; a failed release only leaves the quota
	// counters high until an admin reset.
	if err := r.ledger.RemoveFile(ctx, file.UserID, file.Size); err != nil {
		logger.WarnCtx(ctx, "failed to release quota for deleted file",
			logger.KeyFileID, file.ID,
			logger.KeyUserID, file.UserID,
			logger.KeyError, err)
	}
	return true, nil
}
