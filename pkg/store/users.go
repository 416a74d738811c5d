package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cubbyhost/cubby/pkg/models"
)

func (s *Store) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return getByField[models.User](s.db, ctx, "id", id, models.ErrUserNotFound)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return getByField[models.User](s.db, ctx, "email", email, models.ErrUserNotFound)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return getByField[models.User](s.db, ctx, "username", username, models.ErrUserNotFound)
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) (string, error) {
	if err := user.Validate(); err != nil {
		return "", err
	}
	if user.Role == "" {
		user.Role = string(models.RoleFree)
	}
	if user.Status == "" {
		user.Status = string(models.StatusActive)
	}
	user.IsActive = true
	return createWithID(s.db, ctx, user, func(u *models.User, id string) { u.ID = id }, user.ID, models.ErrDuplicateUser)
}

func (s *Store) ListUsers(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	if err := s.db.WithContext(ctx).Order("created_at").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// SetUserRole updates role and premium expiry together so a promotion and
// its bound always land atomically.
func (s *Store) SetUserRole(ctx context.Context, userID string, role models.UserRole, premiumExpiresAt *time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"role":               string(role),
			"premium_expires_at": premiumExpiresAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// DowngradeExpiredPremium CAS-reverts one lapsed premium user to free.
// The WHERE clause re-checks the premium state so a concurrent promotion
// is never clobbered.
func (s *Store) DowngradeExpiredPremium(ctx context.Context, userID string, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND role = ? AND premium_expires_at IS NOT NULL AND premium_expires_at <= ?",
			userID, string(models.RolePremium), now).
		Update("role", string(models.RoleFree))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) SetUserStatus(ctx context.Context, userID string, status models.UserStatus) error {
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("status", string(status))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// DeactivateUser marks a blocked account unable to log in.
func (s *Store) DeactivateUser(ctx context.Context, userID string) error {
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("is_active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// ReactivateUser lets an unblocked account log in again.
func (s *Store) ReactivateUser(ctx context.Context, userID string) error {
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("is_active", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

func (s *Store) SetQuotaOverride(ctx context.Context, userID string, override bool) error {
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("quota_override", override)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// ListExpiredPremium returns premium users whose subscription lapsed, for
// the downgrade worker. Lifetime premium (nil expiry) never matches.
func (s *Store) ListExpiredPremium(ctx context.Context, now time.Time, limit int) ([]*models.User, error) {
	var users []*models.User
	err := s.db.WithContext(ctx).
		Where("role = ? AND premium_expires_at IS NOT NULL AND premium_expires_at <= ?",
			string(models.RolePremium), now).
		Order("premium_expires_at").
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

// RecordFailedLogin bumps the counter atomically and returns the new count.
func (s *Store) RecordFailedLogin(ctx context.Context, userID string) (int, error) {
	err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("failed_logins", gorm.Expr("failed_logins + 1")).Error
	if err != nil {
		return 0, err
	}
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.FailedLogins, nil
}

func (s *Store) ResetFailedLogins(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"failed_logins": 0,
			"lockout_until": nil,
		}).Error
}

func (s *Store) SetLockout(ctx context.Context, userID string, until time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("lockout_until", until).Error
}

// EnsureAdminUser creates the bootstrap admin account unless one already
// exists. When passwordHash is empty a random password is generated and
// returned in plaintext exactly once, so the operator can note it down;
// otherwise the configured hash is used and the returned password is empty.
func (s *Store) EnsureAdminUser(ctx context.Context, username, email, passwordHash string) (string, error) {
	if username == "" {
		username = "admin"
	}
	if email == "" {
		email = username + "@localhost"
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("role = ?", string(models.RoleAdmin)).
		Count(&count).Error; err != nil {
		return "", err
	}
	if count > 0 {
		return "", nil
	}

	admin := &models.User{
		Username: username,
		Email:    email,
		Role:     string(models.RoleAdmin),
		Status:   string(models.StatusActive),
	}

	var password string
	if passwordHash != "" {
		admin.PasswordHash = passwordHash
	} else {
		generated, err := generatePassword()
		if err != nil {
			return "", fmt.Errorf("failed to generate admin password: %w", err)
		}
		if err := admin.SetPassword(generated); err != nil {
			return "", err
		}
		password = generated
	}

	if _, err := s.CreateUser(ctx, admin); err != nil {
		// Lost a race against another replica bootstrapping at the same
		// time; the other admin wins.
		if errors.Is(err, models.ErrDuplicateUser) {
			return "", nil
		}
		return "", err
	}
	return password, nil
}

// generatePassword returns 16 bytes of entropy as hex.
func generatePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
