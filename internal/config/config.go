// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Storage
	DatabaseURL string `env:"DATABASE_URL"` // optional, uses in-memory stores if not set
	RedisURL    string `env:"REDIS_URL"`    // optional, uses in-memory notification queue if not set
	PlansFile   string `env:"PLANS_FILE"`   // optional, embedded catalog if not set

	// Identity issued by the hosted auth service
	JWTSecret string `env:"JWT_SECRET"`

	// Outbound email
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL" envDefault:"nao-responda@ekklesia.app"`
	SupportEmail         string `env:"SUPPORT_EMAIL" envDefault:"suporte@ekklesia.app"`
	NotifyWorkers        int    `env:"NOTIFY_WORKERS" envDefault:"2"`

	// PIX receiving account shown to payers
	PIXKey          string `env:"PIX_KEY"`
	PIXMerchantName string `env:"PIX_MERCHANT_NAME" envDefault:"EKKLESIA"`
	PIXMerchantCity string `env:"PIX_MERCHANT_CITY" envDefault:"SAO PAULO"`

	// Background jobs
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`

	// Observability
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// HTTP edge
	CORSOrigins  []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	RateLimitRPM int      `env:"RATE_LIMIT_RPM" envDefault:"120"`
}

const minJWTSecretLength = 32

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	if c.NotifyWorkers <= 0 {
		return fmt.Errorf("NOTIFY_WORKERS must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// EmailEnabled reports whether Postmark credentials are configured.
func (c *Config) EmailEnabled() bool {
	return c.PostmarkServerToken != "" && c.PostmarkAccountToken != ""
}
