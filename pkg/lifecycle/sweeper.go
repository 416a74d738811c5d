package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/metrics"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/storage"
	"github.com/cubbyhost/cubby/pkg/store"
)

// SessionSweeper removes upload sessions past their TTL that never
// completed, reclaiming temp chunks for proxied sessions and aborting the
// multipart upload for direct ones.
type SessionSweeper struct {
	store    *store.Store
	provider storage.Provider
	batch    int

	now func() time.Time
}

// NewSessionSweeper creates the session sweeper.
func NewSessionSweeper(s *store.Store, provider storage.Provider, batch int) *SessionSweeper {
	return &SessionSweeper{
		store:    s,
		provider: provider,
		batch:    batch,
		now:      time.Now,
	}
}

// Cycle processes one batch of expired sessions.
func (w *SessionSweeper) Cycle(ctx context.Context) error {
	const worker = "session_sweep"

	sessions, err := w.store.ListExpiredSessions(ctx, w.now(), w.batch)
	if err != nil {
		return fmt.Errorf("failed to list expired sessions: %w", err)
	}

	var swept, failed int
	for _, session := range sessions {
		if err := w.sweep(ctx, session); err != nil {
			failed++
			logger.WarnCtx(ctx, "failed to sweep session",
				logger.KeySessionID, session.ID,
				logger.KeyVariant, session.Variant,
				logger.KeyError, err)
			continue
		}
		swept++
	}
	metrics.RecordWorkerItems(worker, "swept", swept)
	metrics.RecordWorkerItems(worker, "failed", failed)

	if len(sessions) > 0 {
		logger.InfoCtx(ctx, "session sweep finished",
			logger.KeyWorker, worker,
			logger.KeyScanned, len(sessions),
			"swept", swept)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d sessions failed to sweep", failed, len(sessions))
	}
	return nil
}

// sweep reclaims the session's storage, then deletes the row and its chunk
// acknowledgements. Storage cleanup runs first so a failure keeps the
// session listed for the next cycle.
func (w *SessionSweeper) sweep(ctx context.Context, session *models.UploadSession) error {
	switch models.UploadVariant(session.Variant) {
	case models.VariantProxied:
		if err := w.provider.DeleteChunks(ctx, session.ID); err != nil {
			return err
		}
	case models.VariantDirect:
		if mp, ok := w.provider.(storage.MultipartProvider); ok && session.MultipartUploadID != "" {
			if err := mp.AbortMultipart(ctx, session.StorageKey, session.MultipartUploadID); err != nil {
				return err
			}
		}
	}
	return w.store.DeleteSession(ctx, session.ID)
}
