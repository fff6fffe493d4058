package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bulkmail/bulkmail/internal/config"
	"github.com/bulkmail/bulkmail/internal/database"
	"github.com/bulkmail/bulkmail/internal/events"
	"github.com/bulkmail/bulkmail/internal/handler"
	"github.com/bulkmail/bulkmail/internal/logger"
	"github.com/bulkmail/bulkmail/internal/middleware"
	"github.com/bulkmail/bulkmail/internal/model"
	"github.com/bulkmail/bulkmail/internal/provider"
	"github.com/bulkmail/bulkmail/internal/ratelimit"
	"github.com/bulkmail/bulkmail/internal/repository"
	"github.com/bulkmail/bulkmail/internal/router"
	"github.com/bulkmail/bulkmail/internal/scheduler"
	"github.com/bulkmail/bulkmail/internal/service"
)

var rootCmd = &cobra.Command{
	Use:   "bulkmail",
	Short: "Multi-provider email dispatch service",
	RunE:  runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and background tasks",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep-ips",
	Short: "Reactivate sending IPs whose deactivation has expired",
	RunE:  runSweep,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup-events",
	Short: "Delete delivery events older than the retention period",
	RunE:  runCleanup,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", handler.Version).Msg("starting BulkMail server")

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	log.Info().Msg("connected to PostgreSQL")

	// Redis is only needed by the redis rate limit store and publisher
	var rdb *database.Redis
	if needsRedis(cfg) {
		rdb, err = database.NewRedis(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer rdb.Close()
		log.Info().Msg("connected to Redis")
	}

	// Initialize repositories
	providerRepo := repository.NewProviderRepository(db)
	ipRepo := repository.NewProviderIPRepository(db)
	eventRepo := repository.NewEmailEventRepository(db)

	// Event publisher
	var redisPub events.RedisPublisher
	if rdb != nil {
		redisPub = rdb
	}
	publisher, err := events.New(cfg.Events, redisPub, log)
	if err != nil {
		return fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	defer publisher.Close()

	// Initialize services
	ipSvc := service.NewIPRotationService(ipRepo, providerRepo, cfg.IPRotation, log)
	eventSvc := service.NewEventService(eventRepo, publisher, cfg.Events, log)

	ctx := context.Background()
	registry, err := buildRegistry(ctx, cfg, providerRepo, ipSvc, log)
	if err != nil {
		return err
	}
	emailSvc := service.NewEmailService(registry, eventSvc, log)
	blocklist := service.NewBlacklistService(nil, service.DefaultDNSBLZone, log)

	// Rate limiting
	limiter, memStore := buildLimiter(cfg, rdb, log)

	// Background maintenance
	sched := scheduler.New(log)
	if cfg.IPRotation.Enabled {
		sched.Add(scheduler.Task{
			Name:       "ip_health",
			Interval:   cfg.IPRotation.HealthCheckInterval,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := ipSvc.CheckIPHealth(ctx)
				return err
			},
		})
	}
	sched.Add(scheduler.Task{
		Name:     "event_cleanup",
		Interval: cfg.Events.CleanupInterval,
		Run: func(ctx context.Context) error {
			_, err := eventSvc.Cleanup(ctx)
			return err
		},
	})
	if memStore != nil {
		sched.Add(scheduler.Task{
			Name:     "rate_limit_cleanup",
			Interval: time.Minute,
			Run: func(ctx context.Context) error {
				_, err := memStore.Cleanup(ctx)
				return err
			},
		})
	}
	sched.Start(ctx)
	defer sched.Stop()

	// Initialize handlers
	var rdbCheck handler.HealthChecker
	if rdb != nil {
		rdbCheck = rdb
	}
	var ipHandlerSvc *service.IPRotationService
	if cfg.IPRotation.Enabled {
		ipHandlerSvc = ipSvc
	}
	h := handler.New(db, rdbCheck, log, cfg, emailSvc, ipHandlerSvc, eventSvc, blocklist)

	// Initialize middleware
	mw := middleware.New(limiter, log, cfg)

	// Set up router
	r := router.New(h, mw, cfg)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	}

	log.Info().Msg("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

func needsRedis(cfg *config.Config) bool {
	return (cfg.Security.RateLimiting.Enabled && cfg.Security.RateLimiting.Store != "memory") ||
		cfg.Events.Publisher == "redis"
}

// buildRegistry constructs the configured adapters, syncs them with the
// email_providers table and registers them. Stored is_active and priority
// override the configuration.
func buildRegistry(ctx context.Context, cfg *config.Config, providers *repository.ProviderRepository, ipSvc *service.IPRotationService, log *logger.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry(cfg.Email.DefaultProvider)

	var picker provider.IPPicker
	if cfg.IPRotation.Enabled {
		picker = ipSvc
	}

	for _, b := range provider.Build(ctx, cfg.Email, log) {
		row := &model.EmailProvider{Name: b.Name, Type: b.Type, Priority: b.Priority}
		if err := providers.Ensure(ctx, row); err != nil {
			return nil, fmt.Errorf("failed to sync provider %s: %w", b.Name, err)
		}

		err := registry.Register(provider.Entry{
			Name:     b.Name,
			ID:       row.ID,
			Type:     b.Type,
			Adapter:  provider.Decorate(b, row.ID, picker, cfg.IPRotation.RequireIP, log),
			Priority: row.Priority,
			Active:   row.IsActive,
		})
		if err != nil {
			return nil, err
		}
	}

	if registry.Len() == 0 {
		log.Warn().Msg("no email providers configured, sends will fail")
	} else if registry.DefaultName() != cfg.Email.DefaultProvider {
		log.Warn().
			Str("configured", cfg.Email.DefaultProvider).
			Str("using", registry.DefaultName()).
			Msg("Default provider unavailable, falling back")
	}
	return registry, nil
}

func buildLimiter(cfg *config.Config, rdb *database.Redis, log *logger.Logger) (*ratelimit.Limiter, *ratelimit.MemoryStore) {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return nil, nil
	}

	policies := ratelimit.PoliciesFromConfig(rl.Scopes)
	if rl.Store == "memory" || rdb == nil {
		mem := ratelimit.NewMemoryStore()
		return ratelimit.New(mem, policies, log), mem
	}
	return ratelimit.New(ratelimit.NewRedisStore(rdb.Client), policies, log), nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	ipSvc := service.NewIPRotationService(repository.NewProviderIPRepository(db), repository.NewProviderRepository(db), cfg.IPRotation, log)
	n, err := ipSvc.CheckIPHealth(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Reactivated %d IPs\n", n)
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	eventSvc := service.NewEventService(repository.NewEmailEventRepository(db), nil, cfg.Events, log)
	n, err := eventSvc.Cleanup(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d events\n", n)
	return nil
}
