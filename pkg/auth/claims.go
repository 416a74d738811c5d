// Package auth provides JWT authentication for the Cubby API.
package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/cubbyhost/cubby/pkg/models"
)

// Claims represents the JWT claims carried by Cubby tokens.
type Claims struct {
	jwt.RegisteredClaims

	// UserID is the unique identifier (UUID) for the user.
	UserID string `json:"uid"`

	// Username is the human-readable username.
	Username string `json:"username"`

	// Role is the user's role ("free", "premium" or "admin").
	Role string `json:"role"`

	// Status is the account status at issue time ("active", "restricted"
	// or "blocked"). The middleware overwrites it with the live account
	// status on every request, so a stale claim never grants access.
	Status string `json:"status"`
}

// IsAdmin returns true if the user has admin role.
func (c *Claims) IsAdmin() bool {
	return c.Role == string(models.RoleAdmin)
}

// Principal is the authenticated identity attached to a request context.
type Principal struct {
	UserID   string
	Username string
	Role     string
	Status   string
}

// IsAdmin returns true if the principal has admin role.
func (p *Principal) IsAdmin() bool {
	return p.Role == string(models.RoleAdmin)
}

// CanUpload reports whether the account status permits uploads. Restricted
// accounts keep read access but lose write access.
func (p *Principal) CanUpload() bool {
	return p.Status == string(models.StatusActive)
}

// CanMutate reports whether the account may change existing content
// (rename, move, delete, folder operations). Restricted accounts are
// read-only: their files stay downloadable but the tree is frozen.
// Admins acting on a user's behalf are never restricted themselves.
func (p *Principal) CanMutate() bool {
	return p.Status == string(models.StatusActive) || p.IsAdmin()
}

// IsBlocked reports whether the account is denied all authenticated actions.
func (p *Principal) IsBlocked() bool {
	return p.Status == string(models.StatusBlocked)
}
