package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/metrics"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/quota"
	"github.com/cubbyhost/cubby/pkg/store"
)

// PremiumWorker reverts lapsed premium subscriptions to free. Each
// downgrade stamps the free-tier expiry onto the user's expiry-less files
// and resets quota limits to the free defaults, unless the account carries
// a hand-tuned quota. Lifetime premium (no expiry) and admins are never
// touched.
type PremiumWorker struct {
	store    *store.Store
	ledger   *quota.Ledger
	daysFree int
	batch    int

	now func() time.Time
}

// NewPremiumWorker creates the premium downgrade worker.
func NewPremiumWorker(s *store.Store, ledger *quota.Ledger, expiry config.ExpiryConfig, batch int) *PremiumWorker {
	return &PremiumWorker{
		store:    s,
		ledger:   ledger,
		daysFree: expiry.DaysFree,
		batch:    batch,
		now:      time.Now,
	}
}

// Cycle processes one batch of lapsed premium users.
func (w *PremiumWorker) Cycle(ctx context.Context) error {
	const worker = "premium"

	now := w.now()
	users, err := w.store.ListExpiredPremium(ctx, now, w.batch)
	if err != nil {
		return fmt.Errorf("failed to list lapsed premium users: %w", err)
	}

	var downgraded, failed int
	for _, user := range users {
		claimed, err := w.store.DowngradeExpiredPremium(ctx, user.ID, now)
		if err != nil {
			failed++
			logger.WarnCtx(ctx, "failed to downgrade premium user",
				logger.KeyUserID, user.ID, logger.KeyError, err)
			continue
		}
		if !claimed {
			// Re-promoted or handled by another worker since listing.
			continue
		}
		downgraded++

		fileExpiry := now.AddDate(0, 0, w.daysFree)
		stamped, err := w.store.SetExpiryWhereNone(ctx, user.ID, fileExpiry)
		if err != nil {
			logger.WarnCtx(ctx, "failed to stamp expiry on downgraded user's files",
				logger.KeyUserID, user.ID, logger.KeyError, err)
		}

		if err := w.ledger.ApplyRoleLimits(ctx, user, models.RoleFree); err != nil {
			logger.WarnCtx(ctx, "failed to reset quota limits after downgrade",
				logger.KeyUserID, user.ID, logger.KeyError, err)
		}

		logger.InfoCtx(ctx, "premium subscription lapsed",
			logger.KeyUserID, user.ID,
			"files_stamped", stamped)
	}

	metrics.RecordWorkerItems(worker, "downgraded", downgraded)
	metrics.RecordWorkerItems(worker, "failed", failed)

	if failed > 0 {
		return fmt.Errorf("%d of %d downgrades failed", failed, len(users))
	}
	return nil
}
