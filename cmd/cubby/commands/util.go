package commands

import (
	"context"
	"fmt"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/storage"
	"github.com/cubbyhost/cubby/pkg/storage/localfs"
	"github.com/cubbyhost/cubby/pkg/storage/s3"
)

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// buildProvider constructs the storage backend selected by the
// configuration.
func buildProvider(ctx context.Context, cfg *config.Config) (storage.Provider, error) {
	switch cfg.Storage.Provider {
	case "local":
		return localfs.New(cfg.Storage.Local.Root)
	case "s3":
		s3cfg := cfg.Storage.S3
		client, err := s3.NewClient(ctx, s3cfg.Endpoint, s3cfg.Region, s3cfg.AccessKey, s3cfg.SecretKey, s3cfg.ForcePathStyle)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		return s3.New(ctx, s3.Config{
			Client: client,
			Bucket: s3cfg.Bucket,
		})
	default:
		return nil, fmt.Errorf("unsupported storage provider: %s", cfg.Storage.Provider)
	}
}

// getConfigSource describes where the configuration was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.DefaultConfigPath()
	}
	return "defaults and environment"
}
