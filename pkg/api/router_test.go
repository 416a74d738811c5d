package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubbyhost/cubby/internal/bytesize"
	"github.com/cubbyhost/cubby/pkg/admin"
	"github.com/cubbyhost/cubby/pkg/auth"
	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/download"
	"github.com/cubbyhost/cubby/pkg/files"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/quota"
	"github.com/cubbyhost/cubby/pkg/ratelimit"
	"github.com/cubbyhost/cubby/pkg/storage/localfs"
	"github.com/cubbyhost/cubby/pkg/store"
	"github.com/cubbyhost/cubby/pkg/upload"
)

type apiEnv struct {
	router http.Handler
	store  *store.Store
	auth   *auth.Service
}

func newAPIEnv(t *testing.T, limiter *ratelimit.Limiter) *apiEnv {
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
	tiering := config.TieringConfig{HotToColdDays: 7, ColdToHotDownloads: 5, WindowDays: 7}
	uploadCfg := config.UploadConfig{
		ChunkSize:       32, // tiny chunks keep fixtures small
		PartSize:        5 * bytesize.MiB,
		SessionTTL:      24 * time.Hour,
		MaxFileSizeFree: bytesize.GiB,
	}

	authSvc, err := auth.NewService(config.AuthConfig{
		JWTSecret: "integration-test-secret-0123456789abcdef",
		Issuer:    "cubby",
		TokenTTL:  time.Hour,
	}, s)
	require.NoError(t, err)

	router := NewRouter(Dependencies{
		Store:    s,
		Provider: provider,
		Auth:     authSvc,
		Upload:   upload.NewManager(s, provider, ledger, uploadCfg, expiry),
		Download: download.NewService(s, provider, expiry, tiering),
		Files:    files.NewService(s, provider, ledger),
		Admin:    admin.NewService(s, provider, ledger, expiry),
		Limiter:  limiter,
	})

	return &apiEnv{router: router, store: s, auth: authSvc}
}

// do runs one request through the router. A non-empty token goes into the
// Authorization header.
func (e *apiEnv) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// signup registers a user through the API and returns a login token.
func (e *apiEnv) signup(t *testing.T, username string) string {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":    username + "@example.com",
		"username": username,
		"password": "hunter22hunter22",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	return e.login(t, username)
}

func (e *apiEnv) login(t *testing.T, username string) string {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"login":    username,
		"password": "hunter22hunter22",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data struct {
			Token struct {
				AccessToken string `json:"access_token"`
			} `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.Token.AccessToken)
	return resp.Data.Token.AccessToken
}

// adminToken promotes the named user to admin directly in the store, then
// logs in again so the token carries the admin role.
func (e *apiEnv) adminToken(t *testing.T, username string) string {
	t.Helper()

	_ = e.signup(t, username)
	user, err := e.store.GetUserByUsername(t.Context(), username)
	require.NoError(t, err)
	require.NoError(t, e.store.SetUserRole(t.Context(), user.ID, models.RoleAdmin, nil))
	return e.login(t, username)
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeData[map[string]string](t, rec)
	assert.Equal(t, "ok", body["database"])
	assert.Equal(t, "local", body["storage"])
}

func TestAuthFlow(t *testing.T) {
	env := newAPIEnv(t, nil)
	token := env.signup(t, "alice")

	rec := env.do(t, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeData[map[string]any](t, rec)
	assert.Equal(t, "alice", me["Username"])

	t.Run("AnonymousRejected", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/auth/me", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "authentication", errorCode(t, rec))
	})

	t.Run("GarbageTokenRejected", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/auth/me", "not-a-jwt", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("BadCredentials", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
			"login":    "alice",
			"password": "wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("BlockedTokenCutOff", func(t *testing.T) {
		// Blocking must take effect on the next request even though the
		// token itself is still valid for another hour.
		user, err := env.store.GetUserByUsername(t.Context(), "alice")
		require.NoError(t, err)
		require.NoError(t, env.store.SetUserStatus(t.Context(), user.ID, models.StatusBlocked))

		rec := env.do(t, http.MethodGet, "/api/auth/me", token, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "authorization", errorCode(t, rec))
	})
}

func TestUnknownFieldRejected(t *testing.T) {
	env := newAPIEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":    "bob@example.com",
		"username": "bob",
		"password": "hunter22hunter22",
		"surprise": "field",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", errorCode(t, rec))
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	env := newAPIEnv(t, nil)
	token := env.signup(t, "carol")

	content := bytes.Repeat([]byte("cubby!"), 13) // 78 bytes, 3 chunks of 32

	rec := env.do(t, http.MethodPost, "/api/upload/init", token, map[string]any{
		"filename": "notes.txt",
		"size":     len(content),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	init := decodeData[upload.InitResult](t, rec)
	require.Equal(t, 3, init.TotalChunks)

	for i := 0; i < init.TotalChunks; i++ {
		start := i * int(init.ChunkSize)
		end := start + int(init.ChunkSize)
		if end > len(content) {
			end = len(content)
		}
		target := fmt.Sprintf("/api/upload/chunk/%s/%d", init.SessionID, i)
		rec := env.do(t, http.MethodPut, target, token, content[start:end])
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/upload/status/"+init.SessionID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	progress := decodeData[upload.Progress](t, rec)
	assert.Len(t, progress.UploadedChunks, 3)

	rec = env.do(t, http.MethodPost, "/api/upload/complete/"+init.SessionID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	completed := decodeData[upload.CompleteResult](t, rec)
	require.NotEmpty(t, completed.FileID)

	t.Run("AnonymousDownload", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/download/"+completed.FileID, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, content, rec.Body.Bytes())
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "notes.txt")
	})

	t.Run("RangeRequest", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/download/"+completed.FileID, nil)
		req.Header.Set("Range", "bytes=0-9")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, content[:10], rec.Body.Bytes())
		assert.Equal(t, fmt.Sprintf("bytes 0-9/%d", len(content)), rec.Header().Get("Content-Range"))
	})

	t.Run("Info", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/download/info/"+completed.FileID, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("ListFiles", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/files/", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		list := decodeData[[]*models.File](t, rec)
		require.Len(t, list, 1)
		assert.Equal(t, "notes.txt", list[0].OriginalName)
	})

	t.Run("DeleteFile", func(t *testing.T) {
		rec := env.do(t, http.MethodDelete, "/api/files/"+completed.FileID, token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodGet, "/api/download/"+completed.FileID, "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestFolderRoutes(t *testing.T) {
	env := newAPIEnv(t, nil)
	token := env.signup(t, "dave")

	rec := env.do(t, http.MethodPost, "/api/folders/", token, map[string]string{"name": "docs"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	docs := decodeData[*models.Folder](t, rec)

	rec = env.do(t, http.MethodPost, "/api/folders/", token, map[string]any{
		"name":      "reports",
		"parent_id": docs.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/folders/tree", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tree := decodeData[[]*files.TreeNode](t, rec)
	require.Len(t, tree, 1)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, "reports", tree[0].Children[0].Folder.Name)

	t.Run("NonEmptyDeleteRejected", func(t *testing.T) {
		rec := env.do(t, http.MethodDelete, "/api/folders/"+docs.ID, token, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("RecursiveDelete", func(t *testing.T) {
		rec := env.do(t, http.MethodDelete, "/api/folders/"+docs.ID+"?recursive=true", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodGet, "/api/folders/tree", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decodeData[[]*files.TreeNode](t, rec))
	})
}

func TestAdminGate(t *testing.T) {
	env := newAPIEnv(t, nil)
	userToken := env.signup(t, "eve")

	rec := env.do(t, http.MethodGet, "/api/admin/users", userToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "authorization", errorCode(t, rec))

	adminToken := env.adminToken(t, "root")
	rec = env.do(t, http.MethodGet, "/api/admin/users", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decodeData[[]*models.User](t, rec)
	assert.Len(t, users, 2)

	t.Run("PromoteThroughAPI", func(t *testing.T) {
		user, err := env.store.GetUserByUsername(t.Context(), "eve")
		require.NoError(t, err)

		rec := env.do(t, http.MethodPost, "/api/admin/users/"+user.ID+"/promote", adminToken,
			map[string]any{"months": 3})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		promoted := decodeData[*models.User](t, rec)
		assert.Equal(t, string(models.RolePremium), promoted.Role)
	})
}

func TestAuthRateLimit(t *testing.T) {
	limiter := ratelimit.New(config.RateLimitConfig{
		Window: time.Minute,
		Auth:   config.RoleLimits{Anonymous: 2, Free: 2, Premium: 2, Admin: 2},
	})
	env := newAPIEnv(t, limiter)

	attempt := func() *httptest.ResponseRecorder {
		return env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
			"login":    "nobody",
			"password": "wrong",
		})
	}

	assert.Equal(t, http.StatusUnauthorized, attempt().Code)
	assert.Equal(t, http.StatusUnauthorized, attempt().Code)

	rec := attempt()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", errorCode(t, rec))
}

func TestRequestBodyRequired(t *testing.T) {
	env := newAPIEnv(t, nil)
	token := env.signup(t, "frank")

	rec := env.do(t, http.MethodPut, "/api/files/nope/rename", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.Contains(resp.Error.Message, "required"))
}
