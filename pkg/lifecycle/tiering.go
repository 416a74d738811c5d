package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/metrics"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/storage"
	"github.com/cubbyhost/cubby/pkg/store"
)

// TierWorker migrates objects between the hot and cold tiers. Demotions
// run before promotions in each cycle, and a file moved in one direction
// is never considered for the other within the same cycle.
type TierWorker struct {
	store    *store.Store
	provider storage.Provider
	cfg      config.TieringConfig
	batch    int

	now func() time.Time
}

// NewTierWorker creates the tier migration worker.
func NewTierWorker(s *store.Store, provider storage.Provider, cfg config.TieringConfig, batch int) *TierWorker {
	return &TierWorker{
		store:    s,
		provider: provider,
		cfg:      cfg,
		batch:    batch,
		now:      time.Now,
	}
}

// Cycle runs one demotion batch followed by one promotion batch.
func (w *TierWorker) Cycle(ctx context.Context) error {
	const worker = "tiering"

	now := w.now()
	movedThisCycle := make(map[string]struct{})

	demoted, demoteFailed := w.demote(ctx, now, movedThisCycle)
	promoted, promoteFailed := w.promote(ctx, now, movedThisCycle)

	metrics.RecordWorkerItems(worker, "demoted", demoted)
	metrics.RecordWorkerItems(worker, "promoted", promoted)
	metrics.RecordWorkerItems(worker, "failed", demoteFailed+promoteFailed)

	if demoted > 0 || promoted > 0 {
		logger.InfoCtx(ctx, "tiering cycle finished",
			logger.KeyWorker, worker,
			"demoted", demoted,
			"promoted", promoted)
	}

	if failed := demoteFailed + promoteFailed; failed > 0 {
		return fmt.Errorf("%d tier migrations failed", failed)
	}
	return nil
}

// demote moves hot files idle past the threshold to cold.
func (w *TierWorker) demote(ctx context.Context, now time.Time, moved map[string]struct{}) (ok, failed int) {
	cutoff := now.AddDate(0, 0, -w.cfg.HotToColdDays)
	files, err := w.store.ListHotToColdCandidates(ctx, cutoff, w.batch)
	if err != nil {
		logger.WarnCtx(ctx, "failed to list demotion candidates", logger.KeyError, err)
		return 0, 1
	}

	for _, file := range files {
		migrated, err := w.move(ctx, file, storage.TierHot, storage.TierCold)
		if err != nil {
			failed++
			logger.WarnCtx(ctx, "failed to demote file",
				logger.KeyFileID, file.ID, logger.KeyError, err)
			continue
		}
		if migrated {
			ok++
			moved[file.ID] = struct{}{}
		}
	}
	return ok, failed
}

// promote moves cold files with enough recent demand back to hot.
func (w *TierWorker) promote(ctx context.Context, now time.Time, moved map[string]struct{}) (ok, failed int) {
	windowStart := now.AddDate(0, 0, -w.cfg.WindowDays)
	files, err := w.store.ListColdToHotCandidates(ctx, windowStart, w.cfg.ColdToHotDownloads, w.batch)
	if err != nil {
		logger.WarnCtx(ctx, "failed to list promotion candidates", logger.KeyError, err)
		return 0, 1
	}

	for _, file := range files {
		if _, flipped := moved[file.ID]; flipped {
			continue
		}
		migrated, err := w.move(ctx, file, storage.TierCold, storage.TierHot)
		if err != nil {
			failed++
			logger.WarnCtx(ctx, "failed to promote file",
				logger.KeyFileID, file.ID, logger.KeyError, err)
			continue
		}
		if migrated {
			ok++
			moved[file.ID] = struct{}{}
		}
	}
	return ok, failed
}

// move migrates the object, then records the move with a tier CAS. A lost
// CAS means the row changed underneath us (deleted, or already migrated by
// another worker); the object is moved back so row and object agree.
func (w *TierWorker) move(ctx context.Context, file *models.File, from, to storage.Tier) (bool, error) {
	info, err := w.provider.Migrate(ctx, file.StorageKey, from, to)
	if err != nil {
		return false, err
	}

	recorded, err := w.store.UpdateFileTier(ctx, file.ID, models.StorageTier(from), models.StorageTier(to), info.Key)
	if err != nil {
		return false, err
	}
	if !recorded {
		if _, undoErr := w.provider.Migrate(ctx, info.Key, to, from); undoErr != nil {
			return false, fmt.Errorf("tier record lost the race and undo failed: %w", undoErr)
		}
		logger.DebugCtx(ctx, "tier migration lost the race, object restored",
			logger.KeyFileID, file.ID,
			logger.KeyTier, string(to))
		return false, nil
	}

	logger.DebugCtx(ctx, "file migrated",
		logger.KeyFileID, file.ID,
		logger.KeyKey, info.Key,
		logger.KeyTier, string(to))
	return true, nil
}
