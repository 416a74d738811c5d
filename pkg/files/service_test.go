package files

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubbyhost/cubby/pkg/auth"
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
	return &testEnv{
		svc:      NewService(s, provider, ledger),
		store:    s,
		provider: provider,
		ledger:   ledger,
	}
}

func (e *testEnv) createUser(t *testing.T, username string) (*models.User, *auth.Principal) {
	t.Helper()
	user := &models.User{
		Email:    username + "@example.com",
		Username: username,
		Role:     string(models.RoleFree),
		Status:   string(models.StatusActive),
	}
	require.NoError(t, user.SetPassword("hunter22"))
	_, err := e.store.CreateUser(context.Background(), user)
	require.NoError(t, err)
	return user, &auth.Principal{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		Status:   user.Status,
	}
}

func (e *testEnv) createFile(t *testing.T, user *models.User, name string, folderID *string) *models.File {
	t.Helper()
	ctx := context.Background()

	content := "content of " + name
	file := &models.File{
		UserID:       user.ID,
		FolderID:     folderID,
		OriginalName: name,
		Size:         int64(len(content)),
		StorageKey:   "hot/" + user.ID + "/" + name,
		StorageTier:  string(models.TierHot),
		LastAccessAt: time.Now(),
	}
	_, err := e.store.CreateFile(ctx, file)
	require.NoError(t, err)

	_, err = e.provider.Write(ctx, file.StorageKey, strings.NewReader(content), file.Size,
		storage.TierHot, storage.WriteMeta{})
	require.NoError(t, err)

	_, err = e.ledger.GetOrCreate(ctx, user.ID, models.RoleFree)
	require.NoError(t, err)
	require.NoError(t, e.ledger.AddFile(ctx, user.ID, file.Size))
	return file
}

func TestListFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, principal := env.createUser(t, "alice")

	folder, err := env.svc.CreateFolder(ctx, principal, "docs", nil)
	require.NoError(t, err)

	env.createFile(t, user, "root.bin", nil)
	env.createFile(t, user, "nested.bin", &folder.ID)

	all, err := env.svc.List(ctx, principal, nil, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	rootOnly, err := env.svc.List(ctx, principal, nil, true)
	require.NoError(t, err)
	require.Len(t, rootOnly, 1)
	assert.Equal(t, "root.bin", rootOnly[0].OriginalName)

	nested, err := env.svc.List(ctx, principal, &folder.ID, true)
	require.NoError(t, err)
	require.Len(t, nested, 1)
	assert.Equal(t, "nested.bin", nested[0].OriginalName)
}

func TestRenameFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, principal := env.createUser(t, "bob")
	file := env.createFile(t, user, "old.bin", nil)

	renamed, err := env.svc.Rename(ctx, principal, file.ID, "new.bin")
	require.NoError(t, err)
	assert.Equal(t, "new.bin", renamed.OriginalName)
	assert.Equal(t, file.StorageKey, renamed.StorageKey)

	t.Run("BadNames", func(t *testing.T) {
		for _, name := range []string{"", "  ", "a/b", "a\\b", strings.Repeat("x", 600)} {
			_, err := env.svc.Rename(ctx, principal, file.ID, name)
			assert.True(t, errs.Is(err, errs.KindValidation), "name %q", name)
		}
	})

	t.Run("ForeignFileHidden", func(t *testing.T) {
		_, other := env.createUser(t, "mallory")
		_, err := env.svc.Rename(ctx, other, file.ID, "stolen.bin")
		assert.True(t, errs.Is(err, errs.KindNotFound))
	})
}

func TestMoveFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, principal := env.createUser(t, "carol")
	file := env.createFile(t, user, "doc.bin", nil)

	folder, err := env.svc.CreateFolder(ctx, principal, "docs", nil)
	require.NoError(t, err)

	moved, err := env.svc.Move(ctx, principal, file.ID, &folder.ID)
	require.NoError(t, err)
	require.NotNil(t, moved.FolderID)
	assert.Equal(t, folder.ID, *moved.FolderID)

	backToRoot, err := env.svc.Move(ctx, principal, file.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, backToRoot.FolderID)

	t.Run("ForeignFolderHidden", func(t *testing.T) {
		_, other := env.createUser(t, "eve")
		otherFolder, err := env.svc.CreateFolder(ctx, other, "theirs", nil)
		require.NoError(t, err)

		_, err = env.svc.Move(ctx, principal, file.ID, &otherFolder.ID)
		assert.True(t, errs.Is(err, errs.KindNotFound))
	})
}

func TestDeleteFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, principal := env.createUser(t, "dave")
	file := env.createFile(t, user, "gone.bin", nil)

	require.NoError(t, env.svc.Delete(ctx, principal, file.ID))

	_, err := env.store.GetFile(ctx, file.ID)
	assert.ErrorIs(t, err, models.ErrFileNotFound)

	exists, err := env.provider.Exists(ctx, file.StorageKey, storage.TierHot)
	require.NoError(t, err)
	assert.False(t, exists)

	q, err := env.ledger.GetOrCreate(ctx, user.ID, models.RoleFree)
	require.NoError(t, err)
	assert.Zero(t, q.StorageBytes)
	assert.Zero(t, q.FileCount)

	t.Run("DoubleDelete", func(t *testing.T) {
		err := env.svc.Delete(ctx, principal, file.ID)
		assert.True(t, errs.Is(err, errs.KindNotFound))
	})
}

func TestFolderTree(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, principal := env.createUser(t, "erin")

	docs, err := env.svc.CreateFolder(ctx, principal, "docs", nil)
	require.NoError(t, err)
	reports, err := env.svc.CreateFolder(ctx, principal, "reports", &docs.ID)
	require.NoError(t, err)
	_, err = env.svc.CreateFolder(ctx, principal, "music", nil)
	require.NoError(t, err)

	assert.Equal(t, "/docs/reports", reports.Path)

	tree, err := env.svc.Tree(ctx, principal)
	require.NoError(t, err)
	require.Len(t, tree, 2)

	byName := map[string]*TreeNode{}
	for _, n := range tree {
		byName[n.Folder.Name] = n
	}
	require.Contains(t, byName, "docs")
	require.Len(t, byName["docs"].Children, 1)
	assert.Equal(t, "reports", byName["docs"].Children[0].Folder.Name)
	assert.Empty(t, byName["music"].Children)
}

func TestFolderRenameAndMove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, principal := env.createUser(t, "frank")

	a, err := env.svc.CreateFolder(ctx, principal, "a", nil)
	require.NoError(t, err)
	b, err := env.svc.CreateFolder(ctx, principal, "b", &a.ID)
	require.NoError(t, err)

	renamed, err := env.svc.RenameFolder(ctx, principal, a.ID, "aa")
	require.NoError(t, err)
	assert.Equal(t, "/aa", renamed.Path)

	// Subtree paths follow the rename.
	child, err := env.store.GetFolder(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "/aa/b", child.Path)

	t.Run("CycleRejected", func(t *testing.T) {
		_, err := env.svc.MoveFolder(ctx, principal, a.ID, &b.ID)
		assert.True(t, errs.Is(err, errs.KindValidation))
	})

	t.Run("DuplicateSibling", func(t *testing.T) {
		_, err := env.svc.CreateFolder(ctx, principal, "b", &a.ID)
		assert.True(t, errs.Is(err, errs.KindConflict))
	})
}

func TestDeleteFolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, principal := env.createUser(t, "grace")

	docs, err := env.svc.CreateFolder(ctx, principal, "docs", nil)
	require.NoError(t, err)
	sub, err := env.svc.CreateFolder(ctx, principal, "sub", &docs.ID)
	require.NoError(t, err)
	file := env.createFile(t, user, "deep.bin", &sub.ID)

	t.Run("NonEmptyRejected", func(t *testing.T) {
		err := env.svc.DeleteFolder(ctx, principal, docs.ID, false)
		assert.True(t, errs.Is(err, errs.KindValidation))
	})

	require.NoError(t, env.svc.DeleteFolder(ctx, principal, docs.ID, true))

	_, err = env.store.GetFolder(ctx, docs.ID)
	assert.ErrorIs(t, err, models.ErrFolderNotFound)
	_, err = env.store.GetFolder(ctx, sub.ID)
	assert.ErrorIs(t, err, models.ErrFolderNotFound)
	_, err = env.store.GetFile(ctx, file.ID)
	assert.ErrorIs(t, err, models.ErrFileNotFound)

	exists, err := env.provider.Exists(ctx, file.StorageKey, storage.TierHot)
	require.NoError(t, err)
	assert.False(t, exists)

	q, err := env.ledger.GetOrCreate(ctx, user.ID, models.RoleFree)
	require.NoError(t, err)
	assert.Zero(t, q.FolderCount)
	assert.Zero(t, q.FileCount)
}

func TestDeleteEmptyFolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, principal := env.createUser(t, "heidi")

	empty, err := env.svc.CreateFolder(ctx, principal, "empty", nil)
	require.NoError(t, err)

	require.NoError(t, env.svc.DeleteFolder(ctx, principal, empty.ID, false))
	_, err = env.store.GetFolder(ctx, empty.ID)
	assert.ErrorIs(t, err, models.ErrFolderNotFound)
}

func TestRestrictedAccountIsReadOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, principal := env.createUser(t, "ivan")

	folder, err := env.svc.CreateFolder(ctx, principal, "docs", nil)
	require.NoError(t, err)
	file := env.createFile(t, user, "kept.bin", nil)

	require.NoError(t, env.store.SetUserStatus(ctx, user.ID, models.StatusRestricted))
	principal.Status = string(models.StatusRestricted)

	// Reads keep working.
	all, err := env.svc.List(ctx, principal, nil, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	_, err = env.svc.Tree(ctx, principal)
	require.NoError(t, err)

	// Every mutation is refused.
	_, err = env.svc.Rename(ctx, principal, file.ID, "renamed.bin")
	assert.True(t, errs.Is(err, errs.KindAuthorization))
	_, err = env.svc.Move(ctx, principal, file.ID, &folder.ID)
	assert.True(t, errs.Is(err, errs.KindAuthorization))
	assert.True(t, errs.Is(env.svc.Delete(ctx, principal, file.ID), errs.KindAuthorization))
	_, err = env.svc.CreateFolder(ctx, principal, "more", nil)
	assert.True(t, errs.Is(err, errs.KindAuthorization))
	_, err = env.svc.RenameFolder(ctx, principal, folder.ID, "renamed")
	assert.True(t, errs.Is(err, errs.KindAuthorization))
	_, err = env.svc.MoveFolder(ctx, principal, folder.ID, nil)
	assert.True(t, errs.Is(err, errs.KindAuthorization))
	assert.True(t, errs.Is(env.svc.DeleteFolder(ctx, principal, folder.ID, true), errs.KindAuthorization))

	// The file is still there, untouched.
	got, err := env.store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept.bin", got.OriginalName)
}
