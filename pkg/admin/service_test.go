package admin

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/quota"
	"github.com/cubbyhost/cubby/pkg/storage"
	"github.com/cubbyhost/cubby/pkg/storage/localfs"
	"github.com/cubbyhost/cubby/pkg/store"
)

type testEnv struct {
	svc      *Service
	store    *store.Store
	provider *localfs.Store
	ledger   *quota.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	provider, err := localfs.New(t.TempDir())
	require.NoError(t, err)

	ledger := quota.NewLedger(s)
	expiry := config.ExpiryConfig{
		DaysFree:           5,
		DownloadThreshold:  5,
		DaysAfterThreshold: 1,
		InactivityDays:     90,
		GracePeriod:        24 * time.Hour,
	}

	return &testEnv{
		svc:      NewService(s, provider, ledger, expiry),
		store:    s,
		provider: provider,
		ledger:   ledger,
	}
}

func (e *testEnv) createUser(t *testing.T, username string, role models.UserRole) *models.User {
	t.Helper()
	user := &models.User{
		Email:    username + "@example.com",
		Username: username,
		Role:     string(role),
		Status:   string(models.StatusActive),
	}
	require.NoError(t, user.SetPassword("hunter22"))
	_, err := e.store.CreateUser(context.Background(), user)
	require.NoError(t, err)
	return user
}

func (e *testEnv) createFile(t *testing.T, user *models.User, name string, mutate func(*models.File)) *models.File {
	t.Helper()
	ctx := context.Background()

	content := "content of " + name
	file := &models.File{
		UserID:       user.ID,
		OriginalName: name,
		Size:         int64(len(content)),
		StorageKey:   "hot/" + user.ID + "/" + name,
		StorageTier:  string(models.TierHot),
		LastAccessAt: time.Now(),
	}
	if mutate != nil {
		mutate(file)
	}
	_, err := e.store.CreateFile(ctx, file)
	require.NoError(t, err)

	_, err = e.provider.Write(ctx, file.StorageKey, strings.NewReader(content), file.Size,
		storage.Tier(file.StorageTier), storage.WriteMeta{})
	require.NoError(t, err)

	_, err = e.ledger.GetOrCreate(ctx, user.ID, models.UserRole(user.Role))
	require.NoError(t, err)
	require.NoError(t, e.ledger.AddFile(ctx, user.ID, file.Size))
	return file
}

func TestPromote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("BoundedSubscription", func(t *testing.T) {
		user := env.createUser(t, "alice", models.RoleFree)
		soon := time.Now().Add(time.Hour)
		file := env.createFile(t, user, "doc.pdf", func(f *models.File) { f.ExpiresAt = &soon })

		months := 3
		got, err := env.svc.Promote(ctx, user.ID, &months)
		require.NoError(t, err)
		assert.Equal(t, string(models.RolePremium), got.Role)
		require.NotNil(t, got.PremiumExpiresAt)
		assert.WithinDuration(t, time.Now().AddDate(0, 3, 0), *got.PremiumExpiresAt, time.Minute)

		// Promotion lifts the expiry from existing files.
		f, err := env.store.GetFile(ctx, file.ID)
		require.NoError(t, err)
		assert.Nil(t, f.ExpiresAt)

		q, err := env.ledger.GetOrCreate(ctx, user.ID, models.RolePremium)
		require.NoError(t, err)
		assert.Equal(t, models.Unlimited, q.MaxStorage)
	})

	t.Run("Lifetime", func(t *testing.T) {
		user := env.createUser(t, "bob", models.RoleFree)
		got, err := env.svc.Promote(ctx, user.ID, nil)
		require.NoError(t, err)
		assert.Nil(t, got.PremiumExpiresAt)
	})

	t.Run("AdminRejected", func(t *testing.T) {
		admin := env.createUser(t, "root", models.RoleAdmin)
		_, err := env.svc.Promote(ctx, admin.ID, nil)
		assert.True(t, errs.Is(err, errs.KindValidation))
	})

	t.Run("UnknownUser", func(t *testing.T) {
		_, err := env.svc.Promote(ctx, "missing", nil)
		assert.True(t, errs.Is(err, errs.KindNotFound))
	})
}

func TestDemote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "carol", models.RolePremium)
	forever := env.createFile(t, user, "forever.bin", nil)
	soon := time.Now().Add(time.Hour)
	bounded := env.createFile(t, user, "bounded.bin", func(f *models.File) { f.ExpiresAt = &soon })

	got, err := env.svc.Demote(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.RoleFree), got.Role)

	f, err := env.store.GetFile(ctx, forever.ID)
	require.NoError(t, err)
	require.NotNil(t, f.ExpiresAt)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 5), *f.ExpiresAt, time.Minute)

	f, err = env.store.GetFile(ctx, bounded.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, soon, *f.ExpiresAt, time.Second)
}

func TestBlockWipesContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "dave", models.RoleFree)
	file := env.createFile(t, user, "secret.bin", nil)

	folder := &models.Folder{UserID: user.ID, Name: "stuff", Path: "/stuff"}
	_, err := env.store.CreateFolder(ctx, folder)
	require.NoError(t, err)
	require.NoError(t, env.ledger.AddFolder(ctx, user.ID))

	require.NoError(t, env.svc.Block(ctx, user.ID))

	got, err := env.store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusBlocked), got.Status)
	assert.False(t, got.IsActive)

	_, err = env.store.GetFileAny(ctx, file.ID)
	assert.ErrorIs(t, err, models.ErrFileNotFound)

	exists, err := env.provider.Exists(ctx, file.StorageKey, storage.TierHot)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = env.store.GetFolder(ctx, folder.ID)
	assert.ErrorIs(t, err, models.ErrFolderNotFound)

	q, err := env.ledger.GetOrCreate(ctx, user.ID, models.RoleFree)
	require.NoError(t, err)
	assert.Zero(t, q.StorageBytes)
	assert.Zero(t, q.FileCount)
	assert.Zero(t, q.FolderCount)

	t.Run("UnblockDoesNotRestore", func(t *testing.T) {
		require.NoError(t, env.svc.Unblock(ctx, user.ID))

		got, err := env.store.GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, string(models.StatusActive), got.Status)
		assert.True(t, got.IsActive)

		_, err = env.store.GetFileAny(ctx, file.ID)
		assert.ErrorIs(t, err, models.ErrFileNotFound)
	})
}

func TestBlockAdminRejected(t *testing.T) {
	env := newTestEnv(t)
	admin := env.createUser(t, "root", models.RoleAdmin)

	err := env.svc.Block(context.Background(), admin.ID)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestRestrict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "erin", models.RoleFree)
	file := env.createFile(t, user, "kept.bin", nil)

	require.NoError(t, env.svc.Restrict(ctx, user.ID))

	got, err := env.store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusRestricted), got.Status)

	// Existing content stays reachable.
	_, err = env.store.GetFile(ctx, file.ID)
	require.NoError(t, err)
}

func TestSetQuota(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "frank", models.RoleFree)

	require.NoError(t, env.svc.SetQuota(ctx, user.ID, 1<<30, 1<<20, 42))

	q, err := env.store.GetQuota(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), q.MaxStorage)
	assert.Equal(t, int64(42), q.MaxFiles)

	got, err := env.store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.QuotaOverride)

	t.Run("NegativeLimitRejected", func(t *testing.T) {
		err := env.svc.SetQuota(ctx, user.ID, -2, 0, 0)
		assert.True(t, errs.Is(err, errs.KindValidation))
	})
}

func TestBulkDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "grace", models.RoleFree)

	a := env.createFile(t, user, "a.bin", nil)
	b := env.createFile(t, user, "b.bin", nil)
	_, err := env.store.SoftDeleteFile(ctx, b.ID, time.Now())
	require.NoError(t, err)

	report, err := env.svc.BulkDelete(ctx, []string{a.ID, b.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, report.Deleted)
	skipped := make([]string, 0, len(report.Skipped))
	for _, item := range report.Skipped {
		skipped = append(skipped, item.ID)
		assert.Equal(t, "not found", item.Reason)
	}
	assert.ElementsMatch(t, []string{b.ID, "missing"}, skipped)
	assert.Empty(t, report.Failed)

	exists, err := env.provider.Exists(ctx, a.StorageKey, storage.TierHot)
	require.NoError(t, err)
	assert.False(t, exists)

	t.Run("LimitEnforced", func(t *testing.T) {
		ids := make([]string, BulkDeleteLimit+1)
		for i := range ids {
			ids[i] = "id"
		}
		_, err := env.svc.BulkDelete(ctx, ids)
		assert.True(t, errs.Is(err, errs.KindValidation))
	})

	t.Run("EmptyRejected", func(t *testing.T) {
		_, err := env.svc.BulkDelete(ctx, nil)
		assert.True(t, errs.Is(err, errs.KindValidation))
	})
}

func TestForceMigrate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "heidi", models.RoleFree)
	file := env.createFile(t, user, "move.bin", nil)

	got, err := env.svc.ForceMigrate(ctx, file.ID, models.TierCold)
	require.NoError(t, err)
	assert.Equal(t, string(models.TierCold), got.StorageTier)
	assert.True(t, strings.HasPrefix(got.StorageKey, "cold/"))

	exists, err := env.provider.Exists(ctx, got.StorageKey, storage.TierCold)
	require.NoError(t, err)
	assert.True(t, exists)

	t.Run("SameTierNoOp", func(t *testing.T) {
		again, err := env.svc.ForceMigrate(ctx, file.ID, models.TierCold)
		require.NoError(t, err)
		assert.Equal(t, got.StorageKey, again.StorageKey)
	})

	t.Run("InvalidTier", func(t *testing.T) {
		_, err := env.svc.ForceMigrate(ctx, file.ID, "lukewarm")
		assert.True(t, errs.Is(err, errs.KindValidation))
	})
}

func TestSetExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "ivan", models.RoleFree)

	soon := time.Now().Add(time.Hour)
	file := env.createFile(t, user, "exp.bin", func(f *models.File) { f.ExpiresAt = &soon })

	later := time.Now().AddDate(0, 1, 0)
	require.NoError(t, env.svc.SetExpiry(ctx, file.ID, &later))

	got, err := env.store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, later, *got.ExpiresAt, time.Second)

	t.Run("ClearExpiry", func(t *testing.T) {
		require.NoError(t, env.svc.SetExpiry(ctx, file.ID, nil))
		got, err := env.store.GetFile(ctx, file.ID)
		require.NoError(t, err)
		assert.Nil(t, got.ExpiresAt)
	})

	t.Run("UnknownFile", func(t *testing.T) {
		err := env.svc.SetExpiry(ctx, "missing", nil)
		assert.True(t, errs.Is(err, errs.KindNotFound))
	})
}
