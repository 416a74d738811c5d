package models

import (
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// UserRole represents the role of a user in the system.
type UserRole string

const (
	// RoleFree is the default role with bounded storage and file expiry.
	RoleFree UserRole = "free"
	// RolePremium has unlimited storage and no automatic file expiry.
	RolePremium UserRole = "premium"
	// RoleAdmin has full permissions and is never touched by lifecycle jobs.
	RoleAdmin UserRole = "admin"
)

// IsValid checks if the role is a valid UserRole.
func (r UserRole) IsValid() bool {
	return r == RoleFree || r == RolePremium || r == RoleAdmin
}

// UserStatus represents the account status of a user.
type UserStatus string

const (
	// StatusActive allows all operations permitted by the role.
	StatusActive UserStatus = "active"
	// StatusRestricted denies uploads; existing files stay accessible.
	StatusRestricted UserStatus = "restricted"
	// StatusBlocked denies all authenticated actions. Blocking also wipes
	// the user's files and quota usage.
	StatusBlocked UserStatus = "blocked"
)

// IsValid checks if the status is a valid UserStatus.
func (s UserStatus) IsValid() bool {
	return s == StatusActive || s == StatusRestricted || s == StatusBlocked
}

// User represents an account that owns files, folders and a quota.
type User struct {
	ID           string `gorm:"primaryKey;size:36" json:"id"`
	Email        string `gorm:"uniqueIndex;not null;size:255" json:"email"`
	Username     string `gorm:"uniqueIndex;not null;size:255" json:"username"`
	PasswordHash string `gorm:"not null" json:"-"`
	Role         string `gorm:"default:free;size:20;index" json:"role"`
	Status       string `gorm:"default:active;size:20" json:"status"`

	// PremiumExpiresAt bounds a premium subscription. Nil on a premium
	// user means lifetime premium; the premium expiry worker reverts the
	// role to free once the timestamp passes.
	PremiumExpiresAt *time.Time `gorm:"index" json:"premium_expires_at,omitempty"`

	FailedLogins int        `gorm:"default:0" json:"-"`
	LockoutUntil *time.Time `json:"-"`

	// QuotaOverride marks quotas that were set by hand; role changes then
	// leave the limits alone.
	QuotaOverride bool `gorm:"default:false" json:"quota_override"`

	IsActive  bool      `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for User.
func (User) TableName() string {
	return "users"
}

// Validate checks if the user has valid configuration.
func (u *User) Validate() error {
	if u.Username == "" {
		return fmt.Errorf("username is required")
	}
	if u.Email == "" {
		return fmt.Errorf("email is required")
	}
	if u.Role != "" && !UserRole(u.Role).IsValid() {
		return fmt.Errorf("invalid role %q", u.Role)
	}
	if u.Status != "" && !UserStatus(u.Status).IsValid() {
		return fmt.Errorf("invalid status %q", u.Status)
	}
	return nil
}

// IsAdmin checks if the user has the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == string(RoleAdmin)
}

// EffectiveRole returns the role the user has right now, accounting for a
// lapsed premium subscription that the downgrade worker has not yet
// processed. Admins and lifetime premium users are unaffected.
func (u *User) EffectiveRole(now time.Time) UserRole {
	role := UserRole(u.Role)
	if role == RolePremium && u.PremiumExpiresAt != nil && !u.PremiumExpiresAt.After(now) {
		return RoleFree
	}
	return role
}

// SetPassword hashes and stores the given plaintext password.
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	u.PasswordHash = string(hash)
	return nil
}

// CheckPassword verifies a plaintext password against the stored hash.
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}
