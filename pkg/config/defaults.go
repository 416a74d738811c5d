package config

import (
	"strings"
	"time"

	"github.com/cubbyhost/cubby/internal/bytesize"
)

// ApplyDefaults fills unset fields with defaults. Zero values are replaced;
// explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	cfg.Database.ApplyDefaults()
	applyStorageDefaults(&cfg.Storage)
	applyUploadDefaults(&cfg.Upload)
	applyExpiryDefaults(&cfg.Expiry)
	applyTieringDefaults(&cfg.Tiering)
	applyWorkersDefaults(&cfg.Workers)
	applyRateLimitDefaults(&cfg.RateLimit)
	applyAuthDefaults(&cfg.Auth)
	applyMetricsDefaults(&cfg.Metrics)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyAdminDefaults(&cfg.Admin)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		// Long enough for a full chunk to cross a slow link.
		cfg.RequestTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Provider == "" {
		cfg.Provider = "local"
	}
	if cfg.Provider == "local" && cfg.Local.Root == "" {
		cfg.Local.Root = "/var/lib/cubby/storage"
	}
	if cfg.Provider == "s3" && cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
}

func applyUploadDefaults(cfg *UploadConfig) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 16 * bytesize.MiB
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = 25 * bytesize.MiB
	}
	// S3 rejects non-final multipart parts below 5 MiB.
	if cfg.PartSize < 5*bytesize.MiB {
		cfg.PartSize = 5 * bytesize.MiB
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.MaxFileSizeFree == 0 {
		cfg.MaxFileSizeFree = 10 * bytesize.GiB
	}
	// MaxFileSizePremium zero means unlimited.
	if cfg.PresignedExpiry == 0 {
		cfg.PresignedExpiry = time.Hour
	}
}

func applyExpiryDefaults(cfg *ExpiryConfig) {
	if cfg.DaysFree == 0 {
		cfg.DaysFree = 5
	}
	if cfg.DownloadThreshold == 0 {
		cfg.DownloadThreshold = 5
	}
	if cfg.DaysAfterThreshold == 0 {
		cfg.DaysAfterThreshold = 1
	}
	if cfg.InactivityDays == 0 {
		cfg.InactivityDays = 90
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 24 * time.Hour
	}
}

func applyTieringDefaults(cfg *TieringConfig) {
	if cfg.HotToColdDays == 0 {
		cfg.HotToColdDays = 7
	}
	if cfg.ColdToHotDownloads == 0 {
		cfg.ColdToHotDownloads = 5
	}
	if cfg.WindowDays == 0 {
		cfg.WindowDays = 7
	}
}

func applyWorkersDefaults(cfg *WorkersConfig) {
	if cfg.ExpiryInterval == 0 {
		cfg.ExpiryInterval = time.Hour
	}
	if cfg.InactivityInterval == 0 {
		cfg.InactivityInterval = time.Hour
	}
	if cfg.TieringInterval == 0 {
		cfg.TieringInterval = time.Hour
	}
	if cfg.PremiumInterval == 0 {
		cfg.PremiumInterval = time.Hour
	}
	if cfg.SessionSweepInterval == 0 {
		cfg.SessionSweepInterval = 15 * time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
}

func applyRateLimitDefaults(cfg *RateLimitConfig) {
	if cfg.Window == 0 {
		cfg.Window = 60 * time.Second
	}
	applyRoleLimitDefaults(&cfg.Upload, RoleLimits{Free: 10, Premium: 60, Admin: 120, Anonymous: 0})
	applyRoleLimitDefaults(&cfg.Download, RoleLimits{Free: 60, Premium: 300, Admin: 600, Anonymous: 30})
	applyRoleLimitDefaults(&cfg.Auth, RoleLimits{Free: 10, Premium: 10, Admin: 20, Anonymous: 10})
}

func applyRoleLimitDefaults(cfg *RoleLimits, def RoleLimits) {
	if cfg.Free == 0 {
		cfg.Free = def.Free
	}
	if cfg.Premium == 0 {
		cfg.Premium = def.Premium
	}
	if cfg.Admin == 0 {
		cfg.Admin = def.Admin
	}
	if cfg.Anonymous == 0 {
		cfg.Anonymous = def.Anonymous
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.Issuer == "" {
		cfg.Issuer = "cubby"
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

func applyAdminDefaults(cfg *AdminConfig) {
	if cfg.Username == "" {
		cfg.Username = "admin"
	}
}

// DefaultConfig returns a Config with every default applied. Useful for
// sample config generation and tests.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
