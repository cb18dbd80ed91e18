package config

import (
	"sort"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Host         string        `envconfig:"HOST" default:"0.0.0.0"`
	Port         string        `envconfig:"PORT" default:"8080"`
	Debug        bool          `envconfig:"DEBUG" default:"false"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Database
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Redis
	RedisURL string `envconfig:"REDIS_URL" required:"true"`

	// NATS
	NATSURL string `envconfig:"NATS_URL" required:"true"`

	// SMS providers
	Provider1URL string `envconfig:"PROVIDER1_URL" default:"http://localhost:8071/api/sms/provider1"`
	Provider2URL string `envconfig:"PROVIDER2_URL" default:"http://localhost:8072/api/sms/provider2"`
	Provider3URL string `envconfig:"PROVIDER3_URL" default:"http://localhost:8073/api/sms/provider3"`

	// Rate limiting
	ProviderRateLimit int           `envconfig:"PROVIDER_RATE_LIMIT" default:"50"`
	GlobalRateLimit   int           `envconfig:"GLOBAL_RATE_LIMIT" default:"200"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1s"`

	// Provider health tracking
	HealthWindowDuration   time.Duration `envconfig:"HEALTH_WINDOW_DURATION" default:"300s"`
	HealthFailureThreshold float64       `envconfig:"HEALTH_FAILURE_THRESHOLD" default:"0.7"`
	HealthCheckInterval    time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"30s"`

	// Retry policy
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"5"`
	RetryBaseDelay time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay  time.Duration `envconfig:"RETRY_MAX_DELAY" default:"300s"`
	RetryJitter    bool          `envconfig:"RETRY_JITTER" default:"true"`

	// Upstream send
	SendTimeout time.Duration `envconfig:"SEND_TIMEOUT" default:"10s"`

	// Middleware
	ProviderCheckMiddleware bool `envconfig:"PROVIDER_CHECK_MIDDLEWARE" default:"true"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ProviderURLs maps provider IDs to their base URLs. The provider set is
// closed at configuration time.
func (c *Config) ProviderURLs() map[string]string {
	return map[string]string{
		"provider1": c.Provider1URL,
		"provider2": c.Provider2URL,
		"provider3": c.Provider3URL,
	}
}

// ProviderIDs returns the configured provider IDs in stable sorted order.
func (c *Config) ProviderIDs() []string {
	urls := c.ProviderURLs()
	ids := make([]string, 0, len(urls))
	for id := range urls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
