package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"strategy-agent/config"
	"strategy-agent/internal/api"
	"strategy-agent/internal/cache"
	"strategy-agent/internal/database"
	"strategy-agent/internal/events"
	"strategy-agent/internal/logging"
	"strategy-agent/internal/models"
	"strategy-agent/internal/notify"
	"strategy-agent/internal/prompts"
	"strategy-agent/internal/runtime"
	"strategy-agent/internal/vault"
)

func main() {
	// .env is optional; deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
	})
	logging.SetDefault(logger)
	logger.Info().Msg("Structured logging initialized")

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	repo := database.NewRepository(db)

	// The cache is an accelerator, not a dependency: a missing Redis
	// degrades prompt resolution and live-order dedup, nothing else.
	var cacheSvc *cache.CacheService
	if cfg.RedisConfig.Enabled {
		cacheSvc, err = cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Cache unavailable, continuing without it")
			cacheSvc = nil
		}
	}

	var vaultClient *vault.Client
	if cfg.VaultConfig.Enabled {
		vaultClient, err = vault.NewClient(cfg.VaultConfig)
		if err != nil {
			logger.Warn().Err(err).Msg("Vault unavailable, live strategies fall back to request credentials")
			vaultClient = nil
		}
	}

	bus := events.NewEventBus()

	notifyManager := notify.NewManager(cfg.NotificationConfig, logger)
	notifyManager.Watch(bus)

	var templateCache prompts.TemplateCache
	if cacheSvc != nil {
		templateCache = cacheSvc
	}
	promptSvc := prompts.NewService(repo, templateCache, logger)

	manager := runtime.NewManager(logger)

	deps := runtime.Deps{
		Config:  cfg,
		Store:   repo,
		Bus:     bus,
		Prompts: promptSvc,
		Logger:  logger,
	}
	if cacheSvc != nil {
		deps.Guard = cacheSvc
	}
	if vaultClient != nil {
		deps.Credentials = vaultClient
	}

	relaunchRunning(ctx, repo, manager, deps, logger)

	server := api.NewServer(cfg, repo, manager, deps, promptSvc, cacheSvc, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("API server failed")
		}
	}()
	logger.Info().
		Str("host", cfg.ServerConfig.Host).
		Int("port", cfg.ServerConfig.Port).
		Msg("Strategy agent started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down")

	shutdownTimeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown failed")
	}
	if err := manager.Shutdown(shutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("Some strategies did not stop in time")
	}
	if cacheSvc != nil {
		if err := cacheSvc.Close(); err != nil {
			logger.Warn().Err(err).Msg("Cache close failed")
		}
	}

	logger.Info().Msg("Shutdown complete")
}

// relaunchRunning restarts strategies whose row still says running, as
// after a crash or deploy. Each resumes from its latest persisted
// portfolio snapshot. A row that can no longer be rebuilt is marked
// errored so it does not relaunch on every boot.
func relaunchRunning(ctx context.Context, repo *database.Repository, manager *runtime.Manager, deps runtime.Deps, logger zerolog.Logger) {
	records, err := repo.ListStrategies(ctx, "")
	if err != nil {
		logger.Warn().Err(err).Msg("Could not list strategies for relaunch")
		return
	}

	for _, rec := range records {
		if !rec.Running() || rec.Config == nil {
			continue
		}
		strat, err := runtime.New(ctx, rec.StrategyID, rec.Config, deps)
		if err != nil {
			logger.Warn().Err(err).Str("strategy_id", rec.StrategyID).Msg("Could not rebuild strategy, marking errored")
			if err := repo.SetStrategyStatus(ctx, rec.StrategyID, models.StatusError); err != nil {
				logger.Warn().Err(err).Str("strategy_id", rec.StrategyID).Msg("Could not mark strategy errored")
			}
			continue
		}
		if err := manager.Launch(strat); err != nil {
			logger.Warn().Err(err).Str("strategy_id", rec.StrategyID).Msg("Could not relaunch strategy")
			continue
		}
		logger.Info().Str("strategy_id", rec.StrategyID).Str("name", rec.Name).Msg("Relaunched running strategy")
	}
}
