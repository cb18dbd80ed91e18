// Command providersim runs a standalone HTTP server that imitates the three
// upstream SMS providers, with configurable failure rates and latency. It
// exists for local development and load testing against realistic provider
// behavior.
package main

import (
	"context"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"twillow/internal/observability"
)

// simConfig is the simulator's own slice of the environment. The gateway's
// config requires database and broker URLs the simulator never touches.
type simConfig struct {
	Host             string  `envconfig:"HOST" default:"0.0.0.0"`
	Port             string  `envconfig:"PORT" default:"8071"`
	Debug            bool    `envconfig:"DEBUG" default:"false"`
	LogLevel         string  `envconfig:"LOG_LEVEL" default:"info"`
	MockSuccessRate  float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.8"`
	MockTempFailRate float64 `envconfig:"MOCK_TEMP_FAIL_RATE" default:"0.15"`
	MockLatencyMs    int     `envconfig:"MOCK_LATENCY_MS" default:"100"`
}

type smsPayload struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

func main() {
	var cfg simConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.Setup(cfg.LogLevel, cfg.Debug)
	defer logger.Sync()

	app := fiber.New()

	handler := func(providerID string) fiber.Handler {
		return func(c *fiber.Ctx) error {
			var payload smsPayload
			if err := c.BodyParser(&payload); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
			}

			if cfg.MockLatencyMs > 0 {
				time.Sleep(time.Duration(rand.Intn(cfg.MockLatencyMs)) * time.Millisecond)
			}

			roll := rand.Float64()
			switch {
			case roll < cfg.MockSuccessRate:
				logger.Info("simulated delivery",
					zap.String("provider", providerID),
					zap.String("phone", payload.Phone))
				return c.JSON(fiber.Map{
					"status":      "sent",
					"provider":    providerID,
					"provider_id": uuid.New().String(),
				})
			case roll < cfg.MockSuccessRate+cfg.MockTempFailRate:
				logger.Warn("simulated temporary failure",
					zap.String("provider", providerID))
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status":   "temporary_failure",
					"provider": providerID,
				})
			default:
				logger.Warn("simulated permanent failure",
					zap.String("provider", providerID))
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"status":   "rejected",
					"provider": providerID,
				})
			}
		}
	}

	app.Post("/api/sms/provider1", handler("provider1"))
	app.Post("/api/sms/provider2", handler("provider2"))
	app.Post("/api/sms/provider3", handler("provider3"))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})

	go func() {
		if err := app.Listen(cfg.Host + ":" + cfg.Port); err != nil {
			logger.Fatal("simulator stopped", zap.Error(err))
		}
	}()

	logger.Info("provider simulator started",
		zap.String("addr", cfg.Host+":"+cfg.Port),
		zap.Float64("success_rate", cfg.MockSuccessRate))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error("failed to shut down gracefully", zap.Error(err))
	}
}
