package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/quota"
	"github.com/cubbyhost/cubby/pkg/storage"
	"github.com/cubbyhost/cubby/pkg/storage/localfs"
	"github.com/cubbyhost/cubby/pkg/store"
)

type testEnv struct {
	store    *store.Store
	provider *localfs.Store
	ledger   *quota.Ledger
	root     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	root := t.TempDir()
	provider, err := localfs.New(root)
	require.NoError(t, err)

	return &testEnv{
		store:    s,
		provider: provider,
		ledger:   quota.NewLedger(s),
		root:     root,
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

// createFile persists a file row, writes its object, and accounts it in
// the owner's quota, mirroring what a finalized upload leaves behind.
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

func (e *testEnv) objectExists(t *testing.T, file *models.File) bool {
	t.Helper()
	exists, err := e.provider.Exists(context.Background(), file.StorageKey, storage.Tier(file.StorageTier))
	require.NoError(t, err)
	return exists
}

func expiryConfig() config.ExpiryConfig {
	return config.ExpiryConfig{
		DaysFree:           5,
		DownloadThreshold:  5,
		DaysAfterThreshold: 1,
		InactivityDays:     90,
		GracePeriod:        24 * time.Hour,
	}
}

func TestExpiryWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "alice", models.RoleFree)

	past := time.Now().Add(-time.Hour)
	expired := env.createFile(t, user, "expired.bin", func(f *models.File) { f.ExpiresAt = &past })
	future := time.Now().Add(48 * time.Hour)
	keeper := env.createFile(t, user, "keeper.bin", func(f *models.File) { f.ExpiresAt = &future })

	w := NewExpiryWorker(env.store, env.provider, env.ledger, expiryConfig(), 100)
	require.NoError(t, w.Cycle(ctx))

	_, err := env.store.GetFile(ctx, expired.ID)
	assert.ErrorIs(t, err, models.ErrFileNotFound)
	assert.False(t, env.objectExists(t, expired))

	got, err := env.store.GetFileAny(ctx, expired.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)

	_, err = env.store.GetFile(ctx, keeper.ID)
	require.NoError(t, err)
	assert.True(t, env.objectExists(t, keeper))

	q, err := env.ledger.GetOrCreate(ctx, user.ID, models.RoleFree)
	require.NoError(t, err)
	assert.Equal(t, keeper.Size, q.StorageBytes)
	assert.Equal(t, int64(1), q.FileCount)

	t.Run("PurgeAfterGrace", func(t *testing.T) {
		w.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
		require.NoError(t, w.Cycle(ctx))

		_, err := env.store.GetFileAny(ctx, expired.ID)
		assert.ErrorIs(t, err, models.ErrFileNotFound)
	})
}

func TestExpiryWorkerMissingObject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "bob", models.RoleFree)

	past := time.Now().Add(-time.Hour)
	file := env.createFile(t, user, "gone.bin", func(f *models.File) { f.ExpiresAt = &past })
	_, err := env.provider.Delete(ctx, file.StorageKey, storage.TierHot)
	require.NoError(t, err)

	// An absent object counts as deleted, so the row is still claimed.
	w := NewExpiryWorker(env.store, env.provider, env.ledger, expiryConfig(), 100)
	require.NoError(t, w.Cycle(ctx))

	got, err := env.store.GetFileAny(ctx, file.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
}

func TestInactivityWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "carol", models.RolePremium)

	stale := env.createFile(t, user, "stale.bin", func(f *models.File) {
		f.LastAccessAt = time.Now().AddDate(0, 0, -120)
	})
	fresh := env.createFile(t, user, "fresh.bin", nil)

	w := NewInactivityWorker(env.store, env.provider, env.ledger, expiryConfig(), 100)
	require.NoError(t, w.Cycle(ctx))

	_, err := env.store.GetFile(ctx, stale.ID)
	assert.ErrorIs(t, err, models.ErrFileNotFound)
	assert.False(t, env.objectExists(t, stale))

	_, err = env.store.GetFile(ctx, fresh.ID)
	require.NoError(t, err)
}

func TestTierWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "dave", models.RolePremium)

	cfg := config.TieringConfig{HotToColdDays: 7, ColdToHotDownloads: 5, WindowDays: 7}
	w := NewTierWorker(env.store, env.provider, cfg, 100)

	t.Run("Demotion", func(t *testing.T) {
		idle := env.createFile(t, user, "idle.bin", func(f *models.File) {
			f.LastAccessAt = time.Now().AddDate(0, 0, -10)
		})
		active := env.createFile(t, user, "active.bin", nil)

		require.NoError(t, w.Cycle(ctx))

		got, err := env.store.GetFile(ctx, idle.ID)
		require.NoError(t, err)
		assert.Equal(t, string(models.TierCold), got.StorageTier)
		assert.True(t, strings.HasPrefix(got.StorageKey, "cold/"))

		exists, err := env.provider.Exists(ctx, got.StorageKey, storage.TierCold)
		require.NoError(t, err)
		assert.True(t, exists)
		assert.False(t, env.objectExists(t, idle)) // old hot copy gone

		got, err = env.store.GetFile(ctx, active.ID)
		require.NoError(t, err)
		assert.Equal(t, string(models.TierHot), got.StorageTier)
	})

	t.Run("Promotion", func(t *testing.T) {
		cold := env.createFile(t, user, "popular.bin", func(f *models.File) {
			f.StorageTier = string(models.TierCold)
			f.StorageKey = "cold/" + user.ID + "/popular.bin"
			f.RecentDownloads = 8
			f.RecentWindowStart = time.Now().AddDate(0, 0, -2)
		})

		require.NoError(t, w.Cycle(ctx))

		got, err := env.store.GetFile(ctx, cold.ID)
		require.NoError(t, err)
		assert.Equal(t, string(models.TierHot), got.StorageTier)
		assert.True(t, strings.HasPrefix(got.StorageKey, "hot/"))
	})

	t.Run("NoFlipFlopWithinCycle", func(t *testing.T) {
		// Idle enough to demote, popular enough to promote. One cycle must
		// move it exactly once.
		both := env.createFile(t, user, "both.bin", func(f *models.File) {
			f.LastAccessAt = time.Now().AddDate(0, 0, -10)
			f.RecentDownloads = 8
			f.RecentWindowStart = time.Now().AddDate(0, 0, -1)
		})

		require.NoError(t, w.Cycle(ctx))

		got, err := env.store.GetFile(ctx, both.ID)
		require.NoError(t, err)
		assert.Equal(t, string(models.TierCold), got.StorageTier)
	})
}

func TestPremiumWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()

	lapsed := env.createUser(t, "erin", models.RolePremium)
	past := now.Add(-time.Hour)
	require.NoError(t, env.store.SetUserRole(ctx, lapsed.ID, models.RolePremium, &past))

	forever := env.createFile(t, lapsed, "forever.bin", nil)
	soon := now.Add(time.Hour)
	bounded := env.createFile(t, lapsed, "bounded.bin", func(f *models.File) { f.ExpiresAt = &soon })

	lifetime := env.createUser(t, "frank", models.RolePremium)
	require.NoError(t, env.store.SetUserRole(ctx, lifetime.ID, models.RolePremium, nil))

	w := NewPremiumWorker(env.store, env.ledger, expiryConfig(), 100)
	require.NoError(t, w.Cycle(ctx))

	got, err := env.store.GetUserByID(ctx, lapsed.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.RoleFree), got.Role)

	// Expiry-less files get the free-tier horizon; existing expiries stay.
	file, err := env.store.GetFile(ctx, forever.ID)
	require.NoError(t, err)
	require.NotNil(t, file.ExpiresAt)
	assert.WithinDuration(t, now.AddDate(0, 0, 5), *file.ExpiresAt, time.Minute)

	file, err = env.store.GetFile(ctx, bounded.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, soon, *file.ExpiresAt, time.Second)

	q, err := env.ledger.GetOrCreate(ctx, lapsed.ID, models.RoleFree)
	require.NoError(t, err)
	assert.Equal(t, quota.FreeMaxStorage, q.MaxStorage)

	still, err := env.store.GetUserByID(ctx, lifetime.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.RolePremium), still.Role)
}

func TestPremiumWorkerHonorsQuotaOverride(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "grace", models.RolePremium)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, env.store.SetUserRole(ctx, user.ID, models.RolePremium, &past))
	require.NoError(t, env.store.SetQuotaOverride(ctx, user.ID, true))

	_, err := env.ledger.GetOrCreate(ctx, user.ID, models.RolePremium)
	require.NoError(t, err)

	w := NewPremiumWorker(env.store, env.ledger, expiryConfig(), 100)
	require.NoError(t, w.Cycle(ctx))

	q, err := env.ledger.GetOrCreate(ctx, user.ID, models.RoleFree)
	require.NoError(t, err)
	assert.Equal(t, models.Unlimited, q.MaxStorage)
}

func TestSessionSweeper(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "heidi", models.RoleFree)

	newSession := func(name string, expiresAt time.Time) *models.UploadSession {
		session := &models.UploadSession{
			UserID:      user.ID,
			Filename:    name,
			TotalSize:   64,
			ChunkSize:   32,
			TotalChunks: 2,
			StorageKey:  "hot/" + user.ID + "/" + name,
			Variant:     string(models.VariantProxied),
			Status:      string(models.SessionUploading),
			ExpiresAt:   expiresAt,
		}
		_, err := env.store.CreateSession(ctx, session)
		require.NoError(t, err)
		return session
	}

	stale := newSession("stale.bin", time.Now().Add(-time.Hour))
	live := newSession("live.bin", time.Now().Add(time.Hour))

	require.NoError(t, env.provider.WriteChunk(ctx, stale.ID, 0, strings.NewReader(strings.Repeat("x", 32)), 32))
	_, err := env.store.AckChunk(ctx, stale.ID, 0)
	require.NoError(t, err)

	w := NewSessionSweeper(env.store, env.provider, 100)
	require.NoError(t, w.Cycle(ctx))

	_, err = env.store.GetSession(ctx, stale.ID)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	_, err = os.Stat(filepath.Join(env.root, "temp", stale.ID))
	assert.True(t, os.IsNotExist(err))

	_, err = env.store.GetSession(ctx, live.ID)
	require.NoError(t, err)
}

func TestRunnerRecoversFromPanic(t *testing.T) {
	r := NewRunner("panicky", time.Hour, func(context.Context) error {
		panic("boom")
	})

	assert.NotPanics(t, func() { r.RunOnce(context.Background()) })
}

func TestRunnerStopsOnCancel(t *testing.T) {
	cycles := make(chan struct{}, 8)
	r := NewRunner("counter", 10*time.Millisecond, func(context.Context) error {
		cycles <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	<-cycles // first cycle runs immediately
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}
