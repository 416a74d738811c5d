package commands

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/internal/telemetry"
	"github.com/cubbyhost/cubby/pkg/admin"
	"github.com/cubbyhost/cubby/pkg/api"
	"github.com/cubbyhost/cubby/pkg/auth"
	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/download"
	"github.com/cubbyhost/cubby/pkg/files"
	"github.com/cubbyhost/cubby/pkg/lifecycle"
	"github.com/cubbyhost/cubby/pkg/metrics"
	"github.com/cubbyhost/cubby/pkg/quota"
	"github.com/cubbyhost/cubby/pkg/ratelimit"
	"github.com/cubbyhost/cubby/pkg/store"
	"github.com/cubbyhost/cubby/pkg/upload"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Cubby server",
	Long: `Start the Cubby server with the specified configuration.

The server runs in the foreground and shuts down gracefully on SIGINT or
SIGTERM: in-flight requests are drained and the background workers stop at
the next safe point.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/cubby/config.yaml.

Examples:
  # Start with default config location
  cubby start

  # Start with custom config file
  cubby start --config /etc/cubby/config.yaml

  # Start with environment variable overrides
  CUBBY_LOGGING_LEVEL=DEBUG cubby start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "cubby",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.KeyError, err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "cubby",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.KeyError, err)
		}
	}()

	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)

	s, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("metadata store close error", logger.KeyError, err)
		}
	}()

	adminPassword, err := s.EnsureAdminUser(ctx, cfg.Admin.Username, cfg.Admin.Email, cfg.Admin.PasswordHash)
	if err != nil {
		return fmt.Errorf("failed to ensure admin user: %w", err)
	}
	if adminPassword != "" {
		logger.Info("Admin user created", "username", cfg.Admin.Username)
		fmt.Printf("\n*** IMPORTANT: Admin user created with password: %s ***\n", adminPassword)
		fmt.Println("Please save this password. It will not be shown again.")
		fmt.Println()
	}

	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage provider: %w", err)
	}
	logger.Info("Storage provider initialized", "provider", provider.Name())

	authService, err := auth.NewService(cfg.Auth, s)
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	ledger := quota.NewLedger(s)
	uploadManager := upload.NewManager(s, provider, ledger, cfg.Upload, cfg.Expiry)
	downloadService := download.NewService(s, provider, cfg.Expiry, cfg.Tiering)
	filesService := files.NewService(s, provider, ledger)
	adminService := admin.NewService(s, provider, ledger, cfg.Expiry)
	limiter := ratelimit.New(cfg.RateLimit)

	server := api.NewServer(cfg.Server, api.Dependencies{
		Store:    s,
		Provider: provider,
		Auth:     authService,
		Upload:   uploadManager,
		Download: downloadService,
		Files:    filesService,
		Admin:    adminService,
		Limiter:  limiter,
	})

	workers := lifecycle.NewManager(s, provider, ledger, cfg)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx)
	})
	g.Go(func() error {
		return workers.Run(ctx)
	})
	g.Go(func() error {
		limiter.Run(ctx, 0)
		return nil
	})
	if cfg.Metrics.Enabled && cfg.Metrics.Port != cfg.Server.Port {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Server.Host, cfg.Metrics.Port)
		})
	}

	logger.Info("Cubby server started", "addr", server.Addr(), "version", Version)

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Cubby server stopped")
	return nil
}

// serveMetrics runs the dedicated Prometheus scrape listener.
func serveMetrics(ctx context.Context, host string, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:        net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Metrics listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}
