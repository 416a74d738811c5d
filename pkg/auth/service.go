package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/store"
)

// Common errors for JWT operations.
var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token has expired")
	ErrTokenSigningFailed  = errors.New("failed to sign token")
	ErrInvalidSecretLength = errors.New("JWT secret must be at least 32 characters")
)

const (
	// maxFailedLogins locks an account after this many consecutive
	// failures.
	maxFailedLogins = 5

	// lockoutDuration is how long a locked account stays locked.
	lockoutDuration = 15 * time.Minute
)

// Service issues and validates JWT tokens and runs the login flow with
// failed-attempt lockout.
type Service struct {
	store  *store.Store
	secret []byte
	issuer string
	ttl    time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewService creates an auth service from the configured secret and issuer.
func NewService(cfg config.AuthConfig, s *store.Store) (*Service, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, ErrInvalidSecretLength
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "cubby"
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		store:  s,
		secret: []byte(cfg.JWTSecret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Token is the issued credential returned to clients.
type Token struct {
	// AccessToken is the signed JWT.
	AccessToken string `json:"access_token"`

	// TokenType is always "Bearer".
	TokenType string `json:"token_type"`

	// ExpiresIn is the token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in"`

	// ExpiresAt is the token expiration time.
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken creates a signed token for the given user.
func (s *Service) IssueToken(user *models.User) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID:   user.ID,
		Username: user.Username,
		Role:     string(user.EffectiveRole(now)),
		Status:   user.Status,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, ErrTokenSigningFailed
	}
	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
		ExpiresAt:   expiresAt,
	}, nil
}

// ValidateToken validates a JWT and returns the authenticated principal.
func (s *Service) ValidateToken(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return &Principal{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     claims.Role,
		Status:   claims.Status,
	}, nil
}

// RefreshPrincipal reloads the account behind a validated token and
// overwrites the claims snapshot with the live role and status. A token
// stays a credential for at most one request after the account is blocked
// or deleted; role and status changes take effect without reissuing.
func (s *Service) RefreshPrincipal(ctx context.Context, p *Principal) error {
	const op = "auth.RefreshPrincipal"

	user, err := s.store.GetUserByID(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return errs.E(op, errs.KindAuthentication, "account no longer exists")
		}
		return errs.Internal(op, err)
	}
	if !user.IsActive || user.Status == string(models.StatusBlocked) {
		return errs.Forbidden(op, "account is blocked")
	}

	p.Role = string(user.EffectiveRole(s.now()))
	p.Status = user.Status
	return nil
}

// Register creates a new account with the free role.
func (s *Service) Register(ctx context.Context, email, username, password string) (*models.User, error) {
	const op = "auth.Register"

	if len(password) < 8 {
		return nil, errs.Validation(op, "password must be at least 8 characters")
	}

	user := &models.User{Email: email, Username: username}
	if err := user.SetPassword(password); err != nil {
		return nil, errs.Internal(op, err)
	}
	if _, err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, models.ErrDuplicateUser) {
			return nil, errs.Conflict(op, "an account with that email or username already exists")
		}
		return nil, errs.Internal(op, err)
	}

	logger.InfoCtx(ctx, "user registered", logger.KeyUserID, user.ID, "username", username)
	return user, nil
}

// Login verifies the credentials and issues a token. Lookup works by
// username or email. Repeated failures lock the account for a while.
func (s *Service) Login(ctx context.Context, login, password string) (*Token, *models.User, error) {
	const op = "auth.Login"

	user, err := s.store.GetUserByUsername(ctx, login)
	if errors.Is(err, models.ErrUserNotFound) {
		user, err = s.store.GetUserByEmail(ctx, login)
	}
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			// Same message as a bad password so account names cannot be
			// probed.
			return nil, nil, errs.E(op, errs.KindAuthentication, "invalid credentials")
		}
		return nil, nil, errs.Internal(op, err)
	}

	now := s.now()
	if !user.IsActive || user.Status == string(models.StatusBlocked) {
		return nil, nil, errs.Forbidden(op, "account is blocked")
	}
	if user.LockoutUntil != nil && user.LockoutUntil.After(now) {
		return nil, nil, errs.E(op, errs.KindAuthentication,
			fmt.Sprintf("account locked, try again after %s", user.LockoutUntil.Format(time.RFC3339)))
	}

	if !user.CheckPassword(password) {
		count, recErr := s.store.RecordFailedLogin(ctx, user.ID)
		if recErr != nil {
			return nil, nil, errs.Internal(op, recErr)
		}
		if count >= maxFailedLogins {
			until := now.Add(lockoutDuration)
			if lockErr := s.store.SetLockout(ctx, user.ID, until); lockErr != nil {
				return nil, nil, errs.Internal(op, lockErr)
			}
			logger.WarnCtx(ctx, "account locked after repeated failed logins",
				logger.KeyUserID, user.ID, "failed_logins", count)
		}
		return nil, nil, errs.E(op, errs.KindAuthentication, "invalid credentials")
	}

	if user.FailedLogins > 0 || user.LockoutUntil != nil {
		if err := s.store.ResetFailedLogins(ctx, user.ID); err != nil {
			return nil, nil, errs.Internal(op, err)
		}
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return nil, nil, errs.Internal(op, err)
	}
	logger.InfoCtx(ctx, "user logged in", logger.KeyUserID, user.ID, logger.KeyRole, user.Role)
	return token, user, nil
}
