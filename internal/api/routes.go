package api

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	Middleware     MiddlewareConfig
	Handlers       *Handlers
	MetricsEnabled bool
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	SetupMiddleware(app, cfg.Middleware)

	app.Get("/health", cfg.Handlers.HealthCheck)
	app.Get("/docs", cfg.Handlers.Docs)

	if cfg.MetricsEnabled {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	sms := app.Group("/api/sms")
	sms.Post("/send", cfg.Handlers.SendSMS)
	sms.Get("/rate-limits", cfg.Handlers.RateLimitStats)
	sms.Get("/health", cfg.Handlers.ProviderHealthIndex)
	sms.Get("/health/:provider", cfg.Handlers.ProviderHealthDetail)
	sms.Post("/health/:provider/reset", cfg.Handlers.ResetProviderHealth)
	sms.Get("/requests", cfg.Handlers.ListRequests)
	sms.Get("/requests/:id", cfg.Handlers.GetRequest)
	sms.Get("/stats", cfg.Handlers.RequestStats)
	sms.Get("/distribution-stats", cfg.Handlers.DistributionStats)
	sms.Post("/distribution-stats/reset", cfg.Handlers.ResetDistributionStats)
	sms.Get("/queue-status", cfg.Handlers.QueueStatus)
}
