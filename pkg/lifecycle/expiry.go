package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/metrics"
	"github.com/cubbyhost/cubby/pkg/quota"
	"github.com/cubbyhost/cubby/pkg/storage"
	"github.com/cubbyhost/cubby/pkg/store"
)

// ExpiryWorker soft-deletes files past their expiry and hard-deletes rows
// whose grace period has ended.
type ExpiryWorker struct {
	reaper
	grace time.Duration
	batch int

	now func() time.Time
}

// NewExpiryWorker creates the expiry worker.
func NewExpiryWorker(s *store.Store, provider storage.Provider, ledger *quota.Ledger, expiry config.ExpiryConfig, batch int) *ExpiryWorker {
	return &ExpiryWorker{
		reaper: reaper{store: s, provider: provider, ledger: ledger},
		grace:  expiry.GracePeriod,
		batch:  batch,
		now:    time.Now,
	}
}

// Cycle processes one batch of expired files, then one batch of
// grace-elapsed soft-deleted rows.
func (w *ExpiryWorker) Cycle(ctx context.Context) error {
	const worker = "expiry"

	now := w.now()
	files, err := w.store.ListExpiredFiles(ctx, now, w.batch)
	if err != nil {
		return fmt.Errorf("failed to list expired files: %w", err)
	}

	var deleted, failed int
	for _, file := range files {
		claimed, err := w.reap(ctx, file, now)
		if err != nil {
			failed++
			logger.WarnCtx(ctx, "failed to delete expired file",
				logger.KeyFileID, file.ID, logger.KeyError, err)
			continue
		}
		if claimed {
			deleted++
		}
	}
	metrics.RecordWorkerItems(worker, "deleted", deleted)
	metrics.RecordWorkerItems(worker, "failed", failed)

	purged, purgeErr := w.purge(ctx, now)
	metrics.RecordWorkerItems(worker, "purged", purged)

	if len(files) > 0 || purged > 0 {
		logger.InfoCtx(ctx, "expiry cycle finished",
			logger.KeyWorker, worker,
			logger.KeyScanned, len(files),
			logger.KeyDeleted, deleted,
			"purged", purged)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d expired files failed", failed, len(files))
	}
	return purgeErr
}

// purge hard-deletes soft-deleted rows whose grace period ended, removing
// the row and its unique-IP set.
func (w *ExpiryWorker) purge(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-w.grace)
	files, err := w.store.ListSoftDeletedBefore(ctx, cutoff, w.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list purgeable files: %w", err)
	}

	var purged int
	for _, file := range files {
		if err := w.store.HardDeleteFile(ctx, file.ID); err != nil {
			logger.WarnCtx(ctx, "failed to purge file row",
				logger.KeyFileID, file.ID, logger.KeyError, err)
			continue
		}
		purged++
	}
	return purged, nil
}
