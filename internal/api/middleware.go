package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"twillow/internal/observability"
	"twillow/internal/ratelimit"
)

// Paths that bypass rate limiting. Probes and scrapers must never burn the
// request budget.
var rateLimitExcluded = map[string]struct{}{
	"/health":       {},
	"/docs":         {},
	"/openapi.json": {},
	"/metrics":      {},
}

type MiddlewareConfig struct {
	Logger          *zap.Logger
	Metrics         *observability.Metrics
	GlobalLimiter   *ratelimit.GlobalLimiter
	ProviderLimiter *ratelimit.Limiter
	ProviderIDs     []string

	// ProviderCheck rejects sends early when every provider's window is
	// already exhausted.
	ProviderCheck bool
}

func SetupMiddleware(app *fiber.App, cfg MiddlewareConfig) {
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(requestid.New())

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Request logging and HTTP metrics.
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()

		cfg.Logger.Info("http_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Get("X-Request-ID")),
		)

		if cfg.Metrics != nil {
			cfg.Metrics.HTTPRequestsTotal.WithLabelValues(
				c.Method(), c.Path(), fmt.Sprintf("%d", status)).Inc()
			cfg.Metrics.HTTPRequestDuration.WithLabelValues(
				c.Method(), c.Path(), fmt.Sprintf("%d", status)).Observe(duration.Seconds())
		}

		return err
	})

	// Global fixed-window rate limit. The counter is shared with the worker
	// side, so API admissions and dispatches draw from the same budget.
	app.Use(func(c *fiber.Ctx) error {
		if _, skip := rateLimitExcluded[c.Path()]; skip {
			return c.Next()
		}

		allowed, n := cfg.GlobalLimiter.Allow(c.Context())

		limit := cfg.GlobalLimiter.Limit()
		remaining := limit - n
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Global-Limit", fmt.Sprintf("%d", limit))
		c.Set("X-RateLimit-Global-Remaining", fmt.Sprintf("%d", remaining))
		c.Set("X-RateLimit-Global-Reset", "1")

		if !allowed {
			if cfg.Metrics != nil {
				cfg.Metrics.RateLimitRejections.WithLabelValues("global").Inc()
			}
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":            "Global rate limit exceeded",
				"current_count":    n,
				"limit":            limit,
				"reset_in_seconds": 1,
			})
		}

		return c.Next()
	})

	// Optional early shed: reject sends when every provider window is
	// exhausted, before touching the database.
	if cfg.ProviderCheck {
		app.Use("/api/sms/send", func(c *fiber.Ctx) error {
			for _, id := range cfg.ProviderIDs {
				n, err := cfg.ProviderLimiter.Count(c.Context(), id)
				if err != nil {
					// Unknown state counts as available; fail open.
					return c.Next()
				}
				if n < cfg.ProviderLimiter.Limit() {
					return c.Next()
				}
			}

			if cfg.Metrics != nil {
				cfg.Metrics.RateLimitRejections.WithLabelValues("provider").Inc()
			}
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "All SMS providers are rate limited",
			})
		})
	}
}
