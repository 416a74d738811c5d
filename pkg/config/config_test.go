package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubbyhost/cubby/internal/bytesize"
	"github.com/cubbyhost/cubby/pkg/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func minimalConfig() string {
	return `
auth:
  jwt_secret: "` + testSecret + `"
storage:
  provider: local
  local:
    root: /tmp/cubby-test-storage
`
}

func TestLoad(t *testing.T) {
	t.Run("MinimalFileGetsDefaults", func(t *testing.T) {
		path := writeConfigFile(t, minimalConfig())

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "INFO", cfg.Logging.Level)
		assert.Equal(t, "text", cfg.Logging.Format)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
		assert.Equal(t, store.DatabaseTypeSQLite, cfg.Database.Type)
		assert.Equal(t, 16*bytesize.MiB, cfg.Upload.ChunkSize)
		assert.Equal(t, 25*bytesize.MiB, cfg.Upload.PartSize)
		assert.Equal(t, 24*time.Hour, cfg.Upload.SessionTTL)
		assert.Equal(t, 10*bytesize.GiB, cfg.Upload.MaxFileSizeFree)
		assert.Equal(t, 5, cfg.Expiry.DaysFree)
		assert.Equal(t, 5, cfg.Expiry.DownloadThreshold)
		assert.Equal(t, 1, cfg.Expiry.DaysAfterThreshold)
		assert.Equal(t, 90, cfg.Expiry.InactivityDays)
		assert.Equal(t, 30, cfg.Tiering.HotToColdDays)
		assert.Equal(t, 3, cfg.Tiering.ColdToHotDownloads)
		assert.Equal(t, 100, cfg.Workers.BatchSize)
		assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
		assert.Equal(t, "cubby", cfg.Auth.Issuer)
	})

	t.Run("HumanReadableSizesAndDurations", func(t *testing.T) {
		path := writeConfigFile(t, minimalConfig()+`
upload:
  chunk_size: "8Mi"
  session_ttl: "2h"
expiry:
  grace_period: "48h"
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 8*bytesize.MiB, cfg.Upload.ChunkSize)
		assert.Equal(t, 2*time.Hour, cfg.Upload.SessionTTL)
		assert.Equal(t, 48*time.Hour, cfg.Expiry.GracePeriod)
	})

	t.Run("PartSizeClampedToMultipartMinimum", func(t *testing.T) {
		path := writeConfigFile(t, minimalConfig()+`
upload:
  part_size: "1Mi"
`)

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 5*bytesize.MiB, cfg.Upload.PartSize)
	})

	t.Run("MissingJWTSecretFails", func(t *testing.T) {
		path := writeConfigFile(t, `
storage:
  provider: local
  local:
    root: /tmp/x
`)

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWTSecret")
	})

	t.Run("S3WithoutBucketFails", func(t *testing.T) {
		path := writeConfigFile(t, `
auth:
  jwt_secret: "`+testSecret+`"
storage:
  provider: s3
`)

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bucket")
	})

	t.Run("InvalidProviderFails", func(t *testing.T) {
		path := writeConfigFile(t, `
auth:
  jwt_secret: "`+testSecret+`"
storage:
  provider: ftp
`)

		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("PrefixedEnv", func(t *testing.T) {
		path := writeConfigFile(t, minimalConfig())
		t.Setenv("CUBBY_LOGGING_LEVEL", "DEBUG")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "DEBUG", cfg.Logging.Level)
	})

	t.Run("SpecAliases", func(t *testing.T) {
		path := writeConfigFile(t, minimalConfig())
		t.Setenv("STORAGE_PROVIDER", "local")
		t.Setenv("UPLOAD_CHUNK_SIZE", "4Mi")
		t.Setenv("FILE_EXPIRY_DAYS_FREE", "14")
		t.Setenv("TIER_MIGRATION_HOT_TO_COLD_DAYS", "10")

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "local", cfg.Storage.Provider)
		assert.Equal(t, 4*bytesize.MiB, cfg.Upload.ChunkSize)
		assert.Equal(t, 14, cfg.Expiry.DaysFree)
		assert.Equal(t, 10, cfg.Tiering.HotToColdDays)
	})

	t.Run("EnvBeatsFile", func(t *testing.T) {
		path := writeConfigFile(t, minimalConfig()+`
expiry:
  days_free: 60
`)
		t.Setenv("FILE_EXPIRY_DAYS_FREE", "7")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Expiry.DaysFree)
	})
}

func TestSaveAndReload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = testSecret
	cfg.Storage.Local.Root = "/tmp/cubby-saved"
	cfg.Expiry.DaysFree = 45

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, Save(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45, loaded.Expiry.DaysFree)
	assert.Equal(t, "/tmp/cubby-saved", loaded.Storage.Local.Root)
}

func TestValidate(t *testing.T) {
	t.Run("ThresholdExpiryOrder", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Auth.JWTSecret = testSecret
		cfg.Expiry.DaysAfterThreshold = 40
		cfg.Expiry.DaysFree = 30

		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "days_after_threshold")
	})

	t.Run("DefaultsWithSecretPass", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Auth.JWTSecret = testSecret
		assert.NoError(t, Validate(cfg))
	})
}
