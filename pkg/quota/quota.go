// Package quota implements the per-user quota ledger: admission checks
// before an upload is accepted and atomic usage accounting afterwards.
//
// Admission is advisory; the authoritative check runs again at upload
// finalize, after the bytes are on disk, so a burst of concurrent uploads
// cannot overshoot the limit by more than the in-flight window.
package quota

import (
	"context"
	"time"

	"github.com/cubbyhost/cubby/internal/bytesize"
	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/store"
)

// Free-tier defaults. Premium and admin accounts are unlimited.
const (
	FreeMaxStorage  = int64(50 * bytesize.GiB)
	FreeMaxFileSize = int64(10 * bytesize.GiB)
	FreeMaxFiles    = int64(10_000)
)

// DefaultsForRole returns the limit set a fresh quota row is seeded with.
func DefaultsForRole(role models.UserRole) models.Quota {
	if role == models.RolePremium || role == models.RoleAdmin {
		return models.Quota{
			MaxStorage:  models.Unlimited,
			MaxFileSize: models.Unlimited,
			MaxFiles:    models.Unlimited,
		}
	}
	return models.Quota{
		MaxStorage:  FreeMaxStorage,
		MaxFileSize: FreeMaxFileSize,
		MaxFiles:    FreeMaxFiles,
	}
}

// Ledger mediates all quota reads and writes. It owns no state of its own;
// every mutation is a single atomic statement in the store.
type Ledger struct {
	store *store.Store
}

// NewLedger creates a quota ledger backed by the given store.
func NewLedger(s *store.Store) *Ledger {
	return &Ledger{store: s}
}

// GetOrCreate returns the user's quota, seeding it with role defaults the
// first time. Concurrent callers race safely; the first insert wins.
func (l *Ledger) GetOrCreate(ctx context.Context, userID string, role models.UserRole) (*models.Quota, error) {
	q, err := l.store.GetOrCreateQuota(ctx, userID, DefaultsForRole(role))
	if err != nil {
		return nil, errs.Internal("quota.GetOrCreate", err)
	}
	return q, nil
}

// CanUpload checks whether one more file of the given size fits within the
// user's limits. The effective role decides the defaults used to seed a
// missing quota row.
func (l *Ledger) CanUpload(ctx context.Context, userID string, role models.UserRole, size int64) error {
	const op = "quota.CanUpload"

	q, err := l.GetOrCreate(ctx, userID, role)
	if err != nil {
		return err
	}

	if q.MaxFileSize != models.Unlimited && size > q.MaxFileSize {
		return errs.Validation(op, "file size %s exceeds the per-file limit of %s",
			bytesize.FormatInt64(size), bytesize.FormatInt64(q.MaxFileSize))
	}
	if q.MaxStorage != models.Unlimited && q.StorageBytes+size > q.MaxStorage {
		return errs.Validation(op, "upload would exceed the storage quota (%s of %s used)",
			bytesize.FormatInt64(q.StorageBytes), bytesize.FormatInt64(q.MaxStorage))
	}
	if q.MaxFiles != models.Unlimited && q.FileCount+1 > q.MaxFiles {
		return errs.Validation(op, "file count limit of %d reached", q.MaxFiles)
	}
	return nil
}

// AddFile accounts a finalized upload.
func (l *Ledger) AddFile(ctx context.Context, userID string, size int64) error {
	if err := l.store.AddFileUsage(ctx, userID, size); err != nil {
		return errs.Internal("quota.AddFile", err)
	}
	return nil
}

// AddFileForSession accounts a finalized upload at most once per session,
// keyed on the session's quota_applied flag. Safe to call from a finalize
// replayed after a crash.
func (l *Ledger) AddFileForSession(ctx context.Context, sessionID, userID string, size int64) error {
	if _, err := l.store.ApplySessionQuota(ctx, sessionID, userID, size); err != nil {
		return errs.Internal("quota.AddFileForSession", err)
	}
	return nil
}

// RemoveFile releases a deleted file's usage. The store clamps at zero, so
// a double release after a crash never drives the counters negative.
func (l *Ledger) RemoveFile(ctx context.Context, userID string, size int64) error {
	if err := l.store.RemoveFileUsage(ctx, userID, size); err != nil {
		return errs.Internal("quota.RemoveFile", err)
	}
	return nil
}

// AddFolder accounts a created folder.
func (l *Ledger) AddFolder(ctx context.Context, userID string) error {
	if err := l.store.AddFolderUsage(ctx, userID); err != nil {
		return errs.Internal("quota.AddFolder", err)
	}
	return nil
}

// RemoveFolder releases a deleted folder.
func (l *Ledger) RemoveFolder(ctx context.Context, userID string) error {
	if err := l.store.RemoveFolderUsage(ctx, userID); err != nil {
		return errs.Internal("quota.RemoveFolder", err)
	}
	return nil
}

// ApplyRoleLimits resets a user's limits to the defaults of their new role.
// Hand-tuned quotas (QuotaOverride) are left alone.
func (l *Ledger) ApplyRoleLimits(ctx context.Context, user *models.User, role models.UserRole) error {
	const op = "quota.ApplyRoleLimits"

	if user.QuotaOverride {
		logger.DebugCtx(ctx, "skipping role limit reset, quota override set",
			logger.KeyUserID, user.ID)
		return nil
	}

	if _, err := l.GetOrCreate(ctx, user.ID, role); err != nil {
		return err
	}
	defaults := DefaultsForRole(role)
	if err := l.store.SetQuotaLimits(ctx, user.ID, defaults.MaxStorage, defaults.MaxFileSize, defaults.MaxFiles); err != nil {
		return errs.Internal(op, err)
	}
	return nil
}

// ResetUsage zeroes the usage counters after an admin block wipes the
// user's content.
func (l *Ledger) ResetUsage(ctx context.Context, userID string) error {
	if err := l.store.ResetQuotaUsage(ctx, userID); err != nil {
		return errs.Internal("quota.ResetUsage", err)
	}
	return nil
}

// UsageReport is one row of the admin usage report.
type UsageReport struct {
	UserID       string
	StorageBytes int64
	MaxStorage   int64
	FileCount    int64
	MaxFiles     int64
	FolderCount  int64
	GeneratedAt  time.Time
}

// Report returns usage rows for every user with a quota.
func (l *Ledger) Report(ctx context.Context) ([]UsageReport, error) {
	quotas, err := l.store.ListQuotas(ctx)
	if err != nil {
		return nil, errs.Internal("quota.Report", err)
	}
	now := time.Now()
	rows := make([]UsageReport, 0, len(quotas))
	for _, q := range quotas {
		rows = append(rows, UsageReport{
			UserID:       q.UserID,
			StorageBytes: q.StorageBytes,
			MaxStorage:   q.MaxStorage,
			FileCount:    q.FileCount,
			MaxFiles:     q.MaxFiles,
			FolderCount:  q.FolderCount,
			GeneratedAt:  now,
		})
	}
	return rows, nil
}
