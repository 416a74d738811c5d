package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	svc, err := NewService(config.AuthConfig{
		JWTSecret: testSecret,
		Issuer:    "cubby",
		TokenTTL:  time.Hour,
	}, s)
	require.NoError(t, err)
	return svc, s
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	_, err := NewService(config.AuthConfig{JWTSecret: "too short"}, nil)
	assert.ErrorIs(t, err, ErrInvalidSecretLength)
}

func TestTokenRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	user := &models.User{
		ID:       "user-1",
		Username: "alice",
		Role:     string(models.RolePremium),
		Status:   string(models.StatusActive),
	}

	token, err := svc.IssueToken(user)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.Equal(t, int64(3600), token.ExpiresIn)

	principal, err := svc.ValidateToken(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.UserID)
	assert.Equal(t, "alice", principal.Username)
	assert.Equal(t, string(models.RolePremium), principal.Role)
	assert.False(t, principal.IsAdmin())
	assert.True(t, principal.CanUpload())
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ValidateToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	svc, _ := newTestService(t)
	other, err := NewService(config.AuthConfig{
		JWTSecret: "ffffffffffffffffffffffffffffffff",
		Issuer:    "cubby",
	}, nil)
	require.NoError(t, err)

	token, err := other.IssueToken(&models.User{ID: "u", Username: "u"})
	require.NoError(t, err)

	_, err = svc.ValidateToken(token.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc, _ := newTestService(t)

	issued := time.Now().Add(-2 * time.Hour)
	svc.now = func() time.Time { return issued }
	token, err := svc.IssueToken(&models.User{ID: "u", Username: "u"})
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.ValidateToken(token.AccessToken)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestIssueTokenUsesEffectiveRole(t *testing.T) {
	svc, _ := newTestService(t)

	// Premium lapsed but the downgrade worker has not run yet: the token
	// must carry free.
	past := time.Now().Add(-time.Hour)
	user := &models.User{
		ID:               "u",
		Username:         "u",
		Role:             string(models.RolePremium),
		PremiumExpiresAt: &past,
	}

	token, err := svc.IssueToken(user)
	require.NoError(t, err)

	principal, err := svc.ValidateToken(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, string(models.RoleFree), principal.Role)
}

func TestRefreshPrincipal(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "erin@example.com", "erin", "correcthorse")
	require.NoError(t, err)
	token, err := svc.IssueToken(user)
	require.NoError(t, err)

	t.Run("PicksUpStatusChange", func(t *testing.T) {
		require.NoError(t, s.SetUserStatus(ctx, user.ID, models.StatusRestricted))

		// The token still carries the active snapshot.
		principal, err := svc.ValidateToken(token.AccessToken)
		require.NoError(t, err)
		require.Equal(t, string(models.StatusActive), principal.Status)

		require.NoError(t, svc.RefreshPrincipal(ctx, principal))
		assert.Equal(t, string(models.StatusRestricted), principal.Status)
		assert.False(t, principal.CanUpload())
	})

	t.Run("PicksUpRoleChange", func(t *testing.T) {
		require.NoError(t, s.SetUserStatus(ctx, user.ID, models.StatusActive))
		require.NoError(t, s.SetUserRole(ctx, user.ID, models.RolePremium, nil))

		principal, err := svc.ValidateToken(token.AccessToken)
		require.NoError(t, err)
		require.Equal(t, string(models.RoleFree), principal.Role)

		require.NoError(t, svc.RefreshPrincipal(ctx, principal))
		assert.Equal(t, string(models.RolePremium), principal.Role)
	})

	t.Run("BlockedRejected", func(t *testing.T) {
		require.NoError(t, s.SetUserStatus(ctx, user.ID, models.StatusBlocked))

		principal, err := svc.ValidateToken(token.AccessToken)
		require.NoError(t, err)

		err = svc.RefreshPrincipal(ctx, principal)
		assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))
	})

	t.Run("MissingAccountRejected", func(t *testing.T) {
		err := svc.RefreshPrincipal(ctx, &Principal{UserID: "gone", Username: "gone"})
		assert.Equal(t, errs.KindAuthentication, errs.KindOf(err))
	})
}

func TestRegister(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice@example.com", "alice", "correcthorse")
	require.NoError(t, err)
	assert.Equal(t, string(models.RoleFree), user.Role)
	assert.True(t, user.CheckPassword("correcthorse"))

	_, err = svc.Register(ctx, "alice@example.com", "alice2", "correcthorse")
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	_, err = svc.Register(ctx, "short@example.com", "short", "hunter2")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestLogin(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "bob@example.com", "bob", "correcthorse")
	require.NoError(t, err)

	t.Run("ByUsernameAndEmail", func(t *testing.T) {
		token, user, err := svc.Login(ctx, "bob", "correcthorse")
		require.NoError(t, err)
		assert.NotEmpty(t, token.AccessToken)
		assert.Equal(t, "bob", user.Username)

		_, _, err = svc.Login(ctx, "bob@example.com", "correcthorse")
		require.NoError(t, err)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		_, _, err := svc.Login(ctx, "bob", "wrong")
		assert.Equal(t, errs.KindAuthentication, errs.KindOf(err))
	})

	t.Run("UnknownUserSameError", func(t *testing.T) {
		_, _, err := svc.Login(ctx, "nobody", "whatever")
		assert.Equal(t, errs.KindAuthentication, errs.KindOf(err))
	})

	t.Run("LockoutAfterRepeatedFailures", func(t *testing.T) {
		_, err := svc.Register(ctx, "carol@example.com", "carol", "correcthorse")
		require.NoError(t, err)

		for i := 0; i < maxFailedLogins; i++ {
			_, _, err := svc.Login(ctx, "carol", "wrong")
			require.Error(t, err)
		}

		// Even the right password is refused while locked.
		_, _, err = svc.Login(ctx, "carol", "correcthorse")
		assert.Equal(t, errs.KindAuthentication, errs.KindOf(err))

		// After the lockout passes, a good login resets the counter.
		svc.now = func() time.Time { return time.Now().Add(lockoutDuration + time.Minute) }
		_, _, err = svc.Login(ctx, "carol", "correcthorse")
		require.NoError(t, err)

		user, err := s.GetUserByUsername(ctx, "carol")
		require.NoError(t, err)
		assert.Zero(t, user.FailedLogins)
		assert.Nil(t, user.LockoutUntil)
	})

	t.Run("BlockedDenied", func(t *testing.T) {
		user, err := svc.Register(ctx, "dave@example.com", "dave", "correcthorse")
		require.NoError(t, err)
		require.NoError(t, s.SetUserStatus(ctx, user.ID, models.StatusBlocked))

		_, _, err = svc.Login(ctx, "dave", "correcthorse")
		assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))
	})
}
