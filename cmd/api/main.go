package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"twillow/internal/api"
	"twillow/internal/config"
	"twillow/internal/distribution"
	"twillow/internal/health"
	"twillow/internal/kv"
	"twillow/internal/observability"
	"twillow/internal/queue"
	"twillow/internal/ratelimit"
	"twillow/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.Setup(cfg.LogLevel, cfg.Debug)
	defer logger.Sync()

	logger.Info("starting twillow API", zap.String("port", cfg.Port))

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()

		shutdownOtel, err := observability.SetupOpenTelemetry("twillow-api", logger)
		if err != nil {
			logger.Error("failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer shutdownOtel()
		}
	}

	ctx := context.Background()

	database, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer database.Close()

	if err := database.RunMigrations("migrations"); err != nil {
		logger.Warn("failed to run migrations", zap.Error(err))
	}

	redis, err := kv.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	natsQueue, err := queue.NewQueue(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsQueue.Close()

	st := store.New(database.DB, logger)
	if err := st.SeedProviders(ctx, cfg.ProviderIDs()); err != nil {
		logger.Warn("failed to seed provider rows", zap.Error(err))
	}

	providerLimiter := ratelimit.NewLimiter(redis, logger, cfg.ProviderRateLimit, cfg.RateLimitWindow)
	globalLimiter := ratelimit.NewGlobalLimiter(redis, logger, cfg.GlobalRateLimit, cfg.RateLimitWindow)
	healthTracker := health.NewTracker(redis, logger, cfg.HealthWindowDuration, cfg.HealthFailureThreshold)
	selector := distribution.NewSelector(
		healthTracker, providerLimiter, globalLimiter,
		cfg.ProviderURLs(), cfg.HealthCheckInterval, logger)
	deadLetter := queue.NewDeadLetter(redis, logger)
	scheduler := queue.NewScheduler(redis, natsQueue, time.Second, logger)

	handlers := api.NewHandlers(
		logger, st, natsQueue,
		globalLimiter, providerLimiter,
		healthTracker, selector,
		deadLetter, scheduler,
		redis, natsQueue,
		cfg.ProviderIDs(), cfg.MaxRetries,
	)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("unhandled request error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
		},
	})

	api.SetupRoutes(app, api.RouterConfig{
		Middleware: api.MiddlewareConfig{
			Logger:          logger,
			Metrics:         metrics,
			GlobalLimiter:   globalLimiter,
			ProviderLimiter: providerLimiter,
			ProviderIDs:     cfg.ProviderIDs(),
			ProviderCheck:   cfg.ProviderCheckMiddleware,
		},
		Handlers:       handlers,
		MetricsEnabled: cfg.MetricsEnabled,
	})

	go func() {
		if err := app.Listen(cfg.Host + ":" + cfg.Port); err != nil {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()

	logger.Info("twillow API started", zap.String("addr", cfg.Host+":"+cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shut down gracefully", zap.Error(err))
	}

	logger.Info("twillow API stopped")
}
