// Package lifecycle runs the background maintenance workers: file expiry,
// inactivity cleanup, hot/cold tier migration, premium downgrades and
// upload session sweeping.
//
// Every worker is a batched, idempotent pass over the store. Claims go
// through compare-and-swap updates, so multiple replicas can run the full
// worker set concurrently without double-processing.
package lifecycle

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/quota"
	"github.com/cubbyhost/cubby/pkg/storage"
	"github.com/cubbyhost/cubby/pkg/store"
)

// defaultBatchSize caps per-cycle work when the config leaves it unset.
const defaultBatchSize = 100

// Manager owns the full worker set.
type Manager struct {
	runners []*Runner
}

// NewManager wires all workers from the configuration.
func NewManager(s *store.Store, provider storage.Provider, ledger *quota.Ledger, cfg *config.Config) *Manager {
	batch := cfg.Workers.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	expiry := NewExpiryWorker(s, provider, ledger, cfg.Expiry, batch)
	inactivity := NewInactivityWorker(s, provider, ledger, cfg.Expiry, batch)
	tiering := NewTierWorker(s, provider, cfg.Tiering, batch)
	premium := NewPremiumWorker(s, ledger, cfg.Expiry, batch)
	sweeper := NewSessionSweeper(s, provider, batch)

	return &Manager{
		runners: []*Runner{
			NewRunner("expiry", cfg.Workers.ExpiryInterval, expiry.Cycle),
			NewRunner("inactivity", cfg.Workers.InactivityInterval, inactivity.Cycle),
			NewRunner("tiering", cfg.Workers.TieringInterval, tiering.Cycle),
			NewRunner("premium", cfg.Workers.PremiumInterval, premium.Cycle),
			NewRunner("session_sweep", cfg.Workers.SessionSweepInterval, sweeper.Cycle),
		},
	}
}

// Run starts every worker and blocks until ctx is canceled and all
// workers have stopped.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range m.runners {
		g.Go(func() error {
			r.Run(ctx)
			return nil
		})
	}
	return g.Wait()
}
