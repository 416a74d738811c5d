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

// InactivityWorker deletes files not accessed for the configured number of
// days. Inactivity applies to every role; premium only exempts files from
// the fixed expiry, not from going stale.
type InactivityWorker struct {
	reaper
	inactivityDays int
	batch          int

	now func() time.Time
}

// NewInactivityWorker creates the inactivity worker.
func NewInactivityWorker(s *store.Store, provider storage.Provider, ledger *quota.Ledger, expiry config.ExpiryConfig, batch int) *InactivityWorker {
	return &InactivityWorker{
		reaper:         reaper{store: s, provider: provider, ledger: ledger},
		inactivityDays: expiry.InactivityDays,
		batch:          batch,
		now:            time.Now,
	}
}

// Cycle processes one batch of inactive files.
func (w *InactivityWorker) Cycle(ctx context.Context) error {
	const worker = "inactivity"

	now := w.now()
	cutoff := now.AddDate(0, 0, -w.inactivityDays)
	files, err := w.store.ListInactiveFiles(ctx, cutoff, w.batch)
	if err != nil {
		return fmt.Errorf("failed to list inactive files: %w", err)
	}

	var deleted, failed int
	for _, file := range files {
		claimed, err := w.reap(ctx, file, now)
		if err != nil {
			failed++
			logger.WarnCtx(ctx, "failed to delete inactive file",
				logger.KeyFileID, file.ID, logger.KeyError, err)
			continue
		}
		if claimed {
			deleted++
		}
	}
	metrics.RecordWorkerItems(worker, "deleted", deleted)
	metrics.RecordWorkerItems(worker, "failed", failed)

	if len(files) > 0 {
		logger.InfoCtx(ctx, "inactivity cycle finished",
			logger.KeyWorker, worker,
			logger.KeyScanned, len(files),
			logger.KeyDeleted, deleted)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d inactive files failed", failed, len(files))
	}
	return nil
}
