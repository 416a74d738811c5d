// Package admin implements the privileged operations: role changes,
// account moderation, quota overrides and direct file manipulation. Every
// operation here assumes the caller was already authorized as an admin by
// the API layer.
package admin

import (
	"context"
	"errors"
	"time"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/quota"
	"github.com/cubbyhost/cubby/pkg/storage"
	"github.com/cubbyhost/cubby/pkg/store"
)

// Service carries out admin operations.
type Service struct {
	store    *store.Store
	provider storage.Provider
	ledger   *quota.Ledger
	expiry   config.ExpiryConfig

	// now is swappable for tests.
	now func() time.Time
}

// NewService creates an admin service.
func NewService(s *store.Store, provider storage.Provider, ledger *quota.Ledger, expiry config.ExpiryConfig) *Service {
	return &Service{
		store:    s,
		provider: provider,
		ledger:   ledger,
		expiry:   expiry,
		now:      time.Now,
	}
}

// Promote upgrades a user to premium. A nil months means lifetime premium;
// otherwise the subscription lapses after that many months. Promotion
// lifts the expiry from all of the user's files.
func (s *Service) Promote(ctx context.Context, userID string, months *int) (*models.User, error) {
	const op = "admin.Promote"

	user, err := s.getUser(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	if user.IsAdmin() {
		return nil, errs.Validation(op, "admin accounts cannot change role")
	}
	if months != nil && *months <= 0 {
		return nil, errs.Validation(op, "months must be positive")
	}

	var premiumUntil *time.Time
	if months != nil {
		t := s.now().AddDate(0, *months, 0)
		premiumUntil = &t
	}

	if err := s.store.SetUserRole(ctx, userID, models.RolePremium, premiumUntil); err != nil {
		return nil, s.userErr(op, err)
	}

	cleared, err := s.store.ClearUserFileExpiry(ctx, userID)
	if err != nil {
		logger.WarnCtx(ctx, "failed to lift file expiry on promotion",
			logger.KeyUserID, userID, logger.KeyError, err)
	}

	user.Role = string(models.RolePremium)
	user.PremiumExpiresAt = premiumUntil
	if err := s.ledger.ApplyRoleLimits(ctx, user, models.RolePremium); err != nil {
		logger.WarnCtx(ctx, "failed to apply premium quota limits",
			logger.KeyUserID, userID, logger.KeyError, err)
	}

	logger.InfoCtx(ctx, "user promoted to premium",
		logger.KeyUserID, userID, "files_unexpired", cleared)
	return user, nil
}

// Demote reverts a premium user to free. Files without an expiry get the
// free-tier horizon; sooner expiries are left alone.
func (s *Service) Demote(ctx context.Context, userID string) (*models.User, error) {
	const op = "admin.Demote"

	user, err := s.getUser(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	if user.IsAdmin() {
		return nil, errs.Validation(op, "admin accounts cannot change role")
	}

	if err := s.store.SetUserRole(ctx, userID, models.RoleFree, nil); err != nil {
		return nil, s.userErr(op, err)
	}

	now := s.now()
	stamped, err := s.store.SetExpiryWhereNone(ctx, userID, now.AddDate(0, 0, s.expiry.DaysFree))
	if err != nil {
		logger.WarnCtx(ctx, "failed to stamp expiry on demotion",
			logger.KeyUserID, userID, logger.KeyError, err)
	}

	user.Role = string(models.RoleFree)
	user.PremiumExpiresAt = nil
	if err := s.ledger.ApplyRoleLimits(ctx, user, models.RoleFree); err != nil {
		logger.WarnCtx(ctx, "failed to apply free quota limits",
			logger.KeyUserID, userID, logger.KeyError, err)
	}

	logger.InfoCtx(ctx, "user demoted to free",
		logger.KeyUserID, userID, "files_stamped", stamped)
	return user, nil
}

// Block bans a user and wipes their content: every file (live or
// soft-deleted) is removed from storage and the database, all folders are
// dropped, and quota usage resets to zero. Unblocking does not restore
// anything. Admin accounts cannot be blocked.
func (s *Service) Block(ctx context.Context, userID string) error {
	const op = "admin.Block"

	user, err := s.getUser(ctx, op, userID)
	if err != nil {
		return err
	}
	if user.IsAdmin() {
		return errs.Validation(op, "admin accounts cannot be blocked")
	}

	files, err := s.store.ListAllUserFiles(ctx, userID)
	if err != nil {
		return errs.Internal(op, err)
	}

	var removed int
	for _, file := range files {
		if _, err := s.provider.Delete(ctx, file.StorageKey, storage.Tier(file.StorageTier)); err != nil {
			logger.WarnCtx(ctx, "failed to delete blocked user's object",
				logger.KeyFileID, file.ID, logger.KeyError, err)
		}
		if err := s.store.HardDeleteFile(ctx, file.ID); err != nil {
			logger.WarnCtx(ctx, "failed to delete blocked user's file row",
				logger.KeyFileID, file.ID, logger.KeyError, err)
			continue
		}
		removed++
	}

	folders, err := s.store.DeleteUserFolders(ctx, userID)
	if err != nil {
		logger.WarnCtx(ctx, "failed to delete blocked user's folders",
			logger.KeyUserID, userID, logger.KeyError, err)
	}

	if err := s.ledger.ResetUsage(ctx, userID); err != nil {
		logger.WarnCtx(ctx, "failed to reset blocked user's quota",
			logger.KeyUserID, userID, logger.KeyError, err)
	}

	if err := s.store.DeactivateUser(ctx, userID); err != nil {
		return s.userErr(op, err)
	}
	if err := s.store.SetUserStatus(ctx, userID, models.StatusBlocked); err != nil {
		return s.userErr(op, err)
	}

	logger.InfoCtx(ctx, "user blocked",
		logger.KeyUserID, userID,
		logger.KeyDeleted, removed,
		"folders_deleted", folders)
	return nil
}

// Unblock reinstates a blocked account. Wiped content stays gone.
func (s *Service) Unblock(ctx context.Context, userID string) error {
	const op = "admin.Unblock"

	if _, err := s.getUser(ctx, op, userID); err != nil {
		return err
	}
	if err := s.store.SetUserStatus(ctx, userID, models.StatusActive); err != nil {
		return s.userErr(op, err)
	}
	if err := s.store.ReactivateUser(ctx, userID); err != nil {
		return s.userErr(op, err)
	}
	logger.InfoCtx(ctx, "user unblocked", logger.KeyUserID, userID)
	return nil
}

// Restrict puts an account in read-only mode: downloads of existing
// content keep working, new uploads are denied.
func (s *Service) Restrict(ctx context.Context, userID string) error {
	const op = "admin.Restrict"

	user, err := s.getUser(ctx, op, userID)
	if err != nil {
		return err
	}
	if user.IsAdmin() {
		return errs.Validation(op, "admin accounts cannot be restricted")
	}
	if err := s.store.SetUserStatus(ctx, userID, models.StatusRestricted); err != nil {
		return s.userErr(op, err)
	}
	logger.InfoCtx(ctx, "user restricted", logger.KeyUserID, userID)
	return nil
}

// SetQuota hand-tunes a user's limits and marks the quota overridden so
// later role changes leave it alone. models.Unlimited (-1) lifts a limit.
func (s *Service) SetQuota(ctx context.Context, userID string, maxStorage, maxFileSize, maxFiles int64) error {
	const op = "admin.SetQuota"

	user, err := s.getUser(ctx, op, userID)
	if err != nil {
		return err
	}
	for _, limit := range []int64{maxStorage, maxFileSize, maxFiles} {
		if limit < models.Unlimited {
			return errs.Validation(op, "limits must be non-negative or unlimited")
		}
	}

	if _, err := s.ledger.GetOrCreate(ctx, userID, models.UserRole(user.Role)); err != nil {
		return err
	}
	if err := s.store.SetQuotaLimits(ctx, userID, maxStorage, maxFileSize, maxFiles); err != nil {
		return errs.Internal(op, err)
	}
	if err := s.store.SetQuotaOverride(ctx, userID, true); err != nil {
		return errs.Internal(op, err)
	}
	logger.InfoCtx(ctx, "quota overridden", logger.KeyUserID, userID)
	return nil
}

// ListUsers returns all accounts.
func (s *Service) ListUsers(ctx context.Context) ([]*models.User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, errs.Internal("admin.ListUsers", err)
	}
	return users, nil
}

// UsageReport returns the per-user quota usage rows.
func (s *Service) UsageReport(ctx context.Context) ([]quota.UsageReport, error) {
	return s.ledger.Report(ctx)
}

func (s *Service) getUser(ctx context.Context, op, userID string) (*models.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, s.userErr(op, err)
	}
	return user, nil
}

func (s *Service) userErr(op string, err error) error {
	if errors.Is(err, models.ErrUserNotFound) {
		return errs.NotFound(op, "user not found")
	}
	return errs.Internal(op, err)
}
