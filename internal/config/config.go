// Package config loads and validates all environment variables at startup.
// Every other package receives typed values. Nothing reads os.Getenv directly.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the fully-parsed application configuration.
type Config struct {
	// ── Server ────────────────────────────────────────────────────────────────
	Port    string `env:"PORT" envDefault:"8080"`
	Env     string `env:"ENV" envDefault:"development"` // "development" | "staging" | "production"
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	// InternalAPIKey guards every /api route except the Resend webhook.
	InternalAPIKey string `env:"INTERNAL_API_KEY"`

	// ── Database ──────────────────────────────────────────────────────────────
	DatabaseURL    string `env:"DATABASE_URL"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"true"`

	// ── Resend ────────────────────────────────────────────────────────────────
	ResendAPIKey        string `env:"RESEND_API_KEY"`
	EmailFromAddr       string `env:"EMAIL_FROM_ADDR"`
	EmailFromName       string `env:"EMAIL_FROM_NAME" envDefault:"ProductCareerlyst"`
	ResendWebhookSecret string `env:"RESEND_WEBHOOK_SECRET"`

	// ── Newsletter ────────────────────────────────────────────────────────────
	// Optional. When NEWSLETTER_API_KEY is empty, list sync is disabled.
	NewsletterAPIKey        string `env:"NEWSLETTER_API_KEY"`
	NewsletterBaseURL       string `env:"NEWSLETTER_BASE_URL" envDefault:"https://api.beehiiv.com/v2"`
	NewsletterPublicationID string `env:"NEWSLETTER_PUBLICATION_ID"`

	// ── Observability ─────────────────────────────────────────────────────────
	SentryDSN string `env:"SENTRY_DSN"`

	// ── Worker ────────────────────────────────────────────────────────────────
	// RedisURL selects the Redis task queue. Empty means in-process.
	RedisURL             string        `env:"REDIS_URL"`
	QueueSize            int           `env:"QUEUE_SIZE" envDefault:"256"`
	ProviderCallInterval time.Duration `env:"PROVIDER_CALL_INTERVAL" envDefault:"600ms"`
	MaxRetries           int32         `env:"MAX_RETRIES" envDefault:"5"`
	RetrySweepSchedule   string        `env:"RETRY_SWEEP_SCHEDULE" envDefault:"@every 5m"`
	CancelSweepSchedule  string        `env:"CANCEL_SWEEP_SCHEDULE" envDefault:"@every 10m"`
	TokenPurgeSchedule   string        `env:"TOKEN_PURGE_SCHEDULE" envDefault:"@daily"`

	// TestTimeMultiplier compresses flow offsets for is_test sequences:
	// 1/1440 turns a day into a minute.
	TestTimeMultiplier float64 `env:"TEST_TIME_MULTIPLIER" envDefault:"0.000694444"`
}

// Load reads all environment variables and returns a validated Config.
// It automatically loads a .env file from the working directory when present,
// so plain `go run ./cmd/api` works in development without any wrapper.
// Real environment variables always take precedence over .env values.
func Load() (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return c, c.validate()
}

// IsProduction reports whether ENV is "production".
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) validate() error {
	var errs []error

	required := map[string]string{
		"DATABASE_URL":     c.DatabaseURL,
		"INTERNAL_API_KEY": c.InternalAPIKey,
	}
	for name, val := range required {
		if val == "" {
			errs = append(errs, fmt.Errorf("missing required env var: %s", name))
		}
	}

	// Without Resend the service still runs; sends fail with a configuration
	// error and rows stay pending. In production that is a misconfiguration.
	if c.IsProduction() {
		if c.ResendAPIKey == "" || c.EmailFromAddr == "" {
			errs = append(errs, errors.New("RESEND_API_KEY and EMAIL_FROM_ADDR are required in production"))
		}
		if c.ResendWebhookSecret == "" {
			errs = append(errs, errors.New("RESEND_WEBHOOK_SECRET is required in production"))
		}
	}

	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("BASE_URL must be an absolute URL, got %q", c.BaseURL))
	}
	if c.NewsletterAPIKey != "" && c.NewsletterPublicationID == "" {
		errs = append(errs, errors.New("NEWSLETTER_PUBLICATION_ID is required when NEWSLETTER_API_KEY is set"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_SIZE must be positive, got %d", c.QueueSize))
	}
	if c.ProviderCallInterval < 0 {
		errs = append(errs, fmt.Errorf("PROVIDER_CALL_INTERVAL must not be negative, got %s", c.ProviderCallInterval))
	}
	if c.TestTimeMultiplier <= 0 || c.TestTimeMultiplier > 1 {
		errs = append(errs, fmt.Errorf("TEST_TIME_MULTIPLIER must be in (0, 1], got %v", c.TestTimeMultiplier))
	}

	return errors.Join(errs...)
}
