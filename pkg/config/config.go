// Package config loads and validates the Cubby server configuration.
//
// Sources, highest precedence first:
//  1. Environment variables (CUBBY_* plus a set of recognized aliases)
//  2. Configuration file (YAML)
//  3. Defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cubbyhost/cubby/internal/bytesize"
	"github.com/cubbyhost/cubby/pkg/store"
)

// Config is the full Cubby server configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server holds HTTP listener settings.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Database configures the metadata store (SQLite or PostgreSQL).
	Database store.Config `mapstructure:"database" yaml:"database"`

	// Storage selects and configures the object storage provider.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Upload controls chunking and session behavior.
	Upload UploadConfig `mapstructure:"upload" yaml:"upload"`

	// Expiry controls file expiry and inactivity cleanup.
	Expiry ExpiryConfig `mapstructure:"expiry" yaml:"expiry"`

	// Tiering controls hot/cold migration thresholds.
	Tiering TieringConfig `mapstructure:"tiering" yaml:"tiering"`

	// Workers controls the background worker schedule.
	Workers WorkersConfig `mapstructure:"workers" yaml:"workers"`

	// RateLimit configures the token-bucket admission limiter.
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`

	// Auth configures JWT validation.
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Telemetry configures OTLP tracing and Pyroscope profiling.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Admin holds the bootstrap admin account written by `cubby init`.
	Admin AdminConfig `mapstructure:"admin" yaml:"admin"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// StorageConfig selects the object storage provider.
type StorageConfig struct {
	// Provider is "local" or "s3".
	Provider string `mapstructure:"provider" validate:"required,oneof=local s3" yaml:"provider"`

	Local LocalStorageConfig `mapstructure:"local" yaml:"local"`
	S3    S3StorageConfig    `mapstructure:"s3" yaml:"s3"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	// Root is the directory holding the hot/, cold/ and temp/ trees.
	Root string `mapstructure:"root" yaml:"root"`
}

// S3StorageConfig configures the S3-compatible backend.
type S3StorageConfig struct {
	// Endpoint overrides the AWS endpoint for S3-compatible services
	// (MinIO, R2, …). Empty uses AWS.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	Region string `mapstructure:"region" yaml:"region"`
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`

	// ForcePathStyle uses path-style addressing, required by most
	// S3-compatible services.
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// UploadConfig controls chunking and upload session behavior.
type UploadConfig struct {
	// ChunkSize is the proxied-variant chunk size. Default 16Mi.
	ChunkSize bytesize.ByteSize `mapstructure:"chunk_size" yaml:"chunk_size"`

	// PartSize is the direct-variant part size. Clamped to at least 5Mi
	// (the S3 multipart minimum). Default 25Mi.
	PartSize bytesize.ByteSize `mapstructure:"part_size" yaml:"part_size"`

	// SessionTTL is how long an unfinished session survives. Default 24h.
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`

	// MaxFileSizeFree caps uploads for free users. Default 10Gi.
	MaxFileSizeFree bytesize.ByteSize `mapstructure:"max_file_size_free" yaml:"max_file_size_free"`

	// MaxFileSizePremium caps uploads for premium users; 0 means unlimited.
	MaxFileSizePremium bytesize.ByteSize `mapstructure:"max_file_size_premium" yaml:"max_file_size_premium"`

	// PresignedExpiry is the TTL of presigned part-upload URLs. Default 1h.
	PresignedExpiry time.Duration `mapstructure:"presigned_expiry" yaml:"presigned_expiry"`
}

// ExpiryConfig controls file expiry and inactivity cleanup.
type ExpiryConfig struct {
	// DaysFree is the default expiry applied to free users' files. Default 5.
	DaysFree int `mapstructure:"days_free" yaml:"days_free"`

	// DownloadThreshold is the unique-IP count that triggers anti-abuse
	// expiry shortening on free users' files. Default 5.
	DownloadThreshold int `mapstructure:"download_threshold" yaml:"download_threshold"`

	// DaysAfterThreshold is the shortened expiry once the threshold is
	// crossed. Default 1.
	DaysAfterThreshold int `mapstructure:"days_after_threshold" yaml:"days_after_threshold"`

	// InactivityDays deletes files not accessed for this long. Default 90.
	InactivityDays int `mapstructure:"inactivity_days" yaml:"inactivity_days"`

	// GracePeriod is how long soft-deleted files linger before the hard
	// delete. Default 24h.
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
}

// TieringConfig controls hot/cold tier migration.
type TieringConfig struct {
	// HotToColdDays moves files untouched for this many days to cold. Default 7.
	HotToColdDays int `mapstructure:"hot_to_cold_days" yaml:"hot_to_cold_days"`

	// ColdToHotDownloads promotes cold files with at least this many
	// downloads inside WindowDays. Default 5.
	ColdToHotDownloads int `mapstructure:"cold_to_hot_downloads" yaml:"cold_to_hot_downloads"`

	// WindowDays is the recent-download window for promotion. Default 7.
	WindowDays int `mapstructure:"window_days" yaml:"window_days"`
}

// WorkersConfig controls the background worker schedule.
type WorkersConfig struct {
	ExpiryInterval       time.Duration `mapstructure:"expiry_interval" yaml:"expiry_interval"`
	InactivityInterval   time.Duration `mapstructure:"inactivity_interval" yaml:"inactivity_interval"`
	TieringInterval      time.Duration `mapstructure:"tiering_interval" yaml:"tiering_interval"`
	PremiumInterval      time.Duration `mapstructure:"premium_interval" yaml:"premium_interval"`
	SessionSweepInterval time.Duration `mapstructure:"session_sweep_interval" yaml:"session_sweep_interval"`

	// BatchSize caps how many rows each worker cycle processes. Default 100.
	BatchSize int `mapstructure:"batch_size" validate:"omitempty,min=1" yaml:"batch_size"`
}

// RoleLimits are per-window request allowances by role.
type RoleLimits struct {
	Free      int `mapstructure:"free" yaml:"free"`
	Premium   int `mapstructure:"premium" yaml:"premium"`
	Admin     int `mapstructure:"admin" yaml:"admin"`
	Anonymous int `mapstructure:"anonymous" yaml:"anonymous"`
}

// RateLimitConfig configures the token-bucket limiter.
type RateLimitConfig struct {
	// Window is the refill window. Default 60s.
	Window time.Duration `mapstructure:"window" yaml:"window"`

	Upload   RoleLimits `mapstructure:"upload" yaml:"upload"`
	Download RoleLimits `mapstructure:"download" yaml:"download"`
	Auth     RoleLimits `mapstructure:"auth" yaml:"auth"`
}

// AuthConfig configures JWT validation.
type AuthConfig struct {
	// JWTSecret signs and verifies tokens. Required.
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32" yaml:"jwt_secret"`

	// Issuer is the expected token issuer. Default "cubby".
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	// TokenTTL is the lifetime of issued tokens. Default 24h.
	TokenTTL time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// TelemetryConfig configures tracing and profiling.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig configures Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// AdminConfig holds the bootstrap admin account.
type AdminConfig struct {
	Username string `mapstructure:"username" yaml:"username"`
	Email    string `mapstructure:"email" yaml:"email,omitempty"`

	// PasswordHash is the bcrypt hash written by `cubby init`.
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath uses the default location.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if configFileFound || hasEnvOverrides() {
		if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration with guidance when the file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Initialize a configuration file first:\n"+
				"  cubby init\n\n"+
				"Or specify a custom config file:\n"+
				"  cubby <command> --config /path/to/config.yaml",
				DefaultConfigPath())
		}
		configPath = DefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Create it with:\n"+
			"  cubby init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML. The file gets 0600 permissions because
// it carries the JWT secret and credentials.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Watch re-loads the configuration whenever the file changes and invokes
// onChange with the freshly validated result. Invalid edits are reported
// through onError and the previous configuration stays in effect.
func Watch(configPath string, onChange func(*Config), onError func(error)) error {
	v := viper.New()
	setupViper(v, configPath)
	if _, err := readConfigFile(v); err != nil {
		return err
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := Load(configPath)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// envAliases maps externally recognized environment variable names onto
// config keys, so deployments can use the short forms without the CUBBY_
// prefix.
var envAliases = map[string][]string{
	"storage.provider":             {"STORAGE_PROVIDER"},
	"storage.local.root":           {"STORAGE_LOCAL_ROOT"},
	"storage.s3.endpoint":          {"S3_ENDPOINT"},
	"storage.s3.region":            {"S3_REGION"},
	"storage.s3.bucket":            {"S3_BUCKET"},
	"storage.s3.access_key":        {"S3_ACCESS_KEY"},
	"storage.s3.secret_key":        {"S3_SECRET_KEY"},
	"upload.chunk_size":            {"UPLOAD_CHUNK_SIZE"},
	"upload.session_ttl":           {"UPLOAD_SESSION_TTL"},
	"upload.presigned_expiry":      {"PRESIGNED_EXPIRY_SECONDS"},
	"expiry.days_free":             {"FILE_EXPIRY_DAYS_FREE"},
	"expiry.download_threshold":    {"FILE_EXPIRY_DOWNLOAD_THRESHOLD"},
	"expiry.days_after_threshold":  {"FILE_EXPIRY_DAYS_AFTER_THRESHOLD"},
	"expiry.inactivity_days":       {"FILE_INACTIVITY_DAYS"},
	"tiering.hot_to_cold_days":     {"TIER_MIGRATION_HOT_TO_COLD_DAYS"},
	"tiering.cold_to_hot_downloads": {"TIER_MIGRATION_COLD_TO_HOT_DOWNLOADS"},
	"auth.jwt_secret":              {"JWT_SECRET"},
}

// setupViper configures the environment binding and config file search.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("CUBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, aliases := range envAliases {
		vars := make([]string, 0, len(aliases)+1)
		vars = append(vars, "CUBBY_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
		vars = append(vars, aliases...)
		_ = v.BindEnv(append([]string{key}, vars...)...)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(configDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// hasEnvOverrides reports whether any recognized environment variable is
// set, so env-only deployments work without a config file.
func hasEnvOverrides() bool {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "CUBBY_") {
			return true
		}
	}
	for _, aliases := range envAliases {
		for _, alias := range aliases {
			if os.Getenv(alias) != "" {
				return true
			}
		}
	}
	return false
}

// readConfigFile reads the config file if one exists.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// decodeHooks converts strings to ByteSize and time.Duration during
// unmarshal.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// configDir returns the configuration directory, honoring XDG_CONFIG_HOME.
func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cubby")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "cubby")
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// DefaultConfigExists checks for a config file at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(DefaultConfigPath())
	return err == nil
}

// ConfigDir returns the configuration directory (for the init command).
func ConfigDir() string {
	return configDir()
}
