// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/PortNumber53/apelier/backend/internal/billing"
	"github.com/PortNumber53/apelier/backend/internal/models"
)

const (
	defaultServerAddress = ":18111"
	envServerAddress     = "BACKEND_ADDR"
	envDatabaseURL       = "DATABASE_URL"
	envAppURL            = "APP_URL"
	envPublicAppURL      = "NEXT_PUBLIC_APP_URL"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on.
	ServerAddress string `env:"BACKEND_ADDR" envDefault:":18111"`
	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	// AppURL is the public web app origin used in checkout and portal redirects.
	AppURL string `env:"APP_URL"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	GateTimeout     time.Duration `env:"USAGE_GATE_TIMEOUT" envDefault:"3s"`

	Stripe   StripeConfig
	Email    EmailConfig
	AIEngine AIEngineConfig
	Worker   WorkerConfig
}

// StripeConfig holds the payment provider keys and the plan catalog ids.
type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	StarterPriceID   string `env:"STRIPE_STARTER_PRICE_ID" envDefault:"price_1T4HP9GnwGOkt6wQSbArLPu3"`
	StarterProductID string `env:"STRIPE_STARTER_PRODUCT_ID" envDefault:"prod_U2M7a9IU0gXDRv"`
	ProPriceID       string `env:"STRIPE_PRO_PRICE_ID" envDefault:"price_1T4HPZGnwGOkt6wQSj6yYzeu"`
	ProProductID     string `env:"STRIPE_PRO_PRODUCT_ID" envDefault:"prod_U2M7PWgIqcbb2D"`
	StudioPriceID    string `env:"STRIPE_STUDIO_PRICE_ID" envDefault:"price_1T4HQ9GnwGOkt6wQ4WkBsIPG"`
	StudioProductID  string `env:"STRIPE_STUDIO_PRODUCT_ID" envDefault:"prod_U2M8VmcZOHuryl"`
}

// Enabled reports whether Stripe calls can be made.
func (c StripeConfig) Enabled() bool {
	return c.SecretKey != ""
}

// EmailConfig holds the Postmark credentials and sender identity. Without a
// server token emails are logged instead of sent.
type EmailConfig struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	FromAddress          string `env:"EMAIL_FROM" envDefault:"Apelier <bookings@apelier.com.au>"`
	ReplyTo              string `env:"EMAIL_REPLY_TO"`
}

// AIEngineConfig points at the image-processing service.
type AIEngineConfig struct {
	URL     string        `env:"AI_ENGINE_URL" envDefault:"http://localhost:8000"`
	Timeout time.Duration `env:"AI_ENGINE_TIMEOUT" envDefault:"30s"`
}

// WorkerConfig tunes the background job processor.
type WorkerConfig struct {
	Enabled      bool          `env:"WORKER_ENABLED" envDefault:"true"`
	Concurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
}

// Load reads configuration from environment variables, applies defaults, and
// returns a Config. Required values return an error when missing.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.ServerAddress = firstNonEmpty(strings.TrimSpace(cfg.ServerAddress), defaultServerAddress)
	cfg.AppURL = strings.TrimRight(firstNonEmpty(cfg.AppURL, os.Getenv(envPublicAppURL), "http://localhost:3000"), "/")

	if cfg.Worker.Concurrency < 1 {
		return Config{}, errors.New("WORKER_CONCURRENCY must be at least 1")
	}
	if cfg.Stripe.Enabled() && cfg.Stripe.WebhookSecret == "" {
		return Config{}, errors.New("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}

	return cfg, nil
}

// Catalog builds the paid plan catalog from the configured Stripe ids.
func (c Config) Catalog() *billing.Catalog {
	return billing.NewCatalog(
		billing.Plan{Tier: models.TierStarter, Name: "Starter", PriceID: c.Stripe.StarterPriceID, ProductID: c.Stripe.StarterProductID, MonthlyCents: 3900, Currency: "aud"},
		billing.Plan{Tier: models.TierPro, Name: "Pro", PriceID: c.Stripe.ProPriceID, ProductID: c.Stripe.ProProductID, MonthlyCents: 10900, Currency: "aud"},
		billing.Plan{Tier: models.TierStudio, Name: "Studio", PriceID: c.Stripe.StudioPriceID, ProductID: c.Stripe.StudioProductID, MonthlyCents: 27900, Currency: "aud"},
	)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
