// Package config содержит логику чтения конфигурации сервиса продвижения.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса продвижения.
type Config struct {
	RunAddress       string `env:"RUN_ADDRESS"`
	DatabaseURI      string `env:"DATABASE_URI"`
	GatewayAddress   string `env:"GATEWAY_ADDRESS"`
	GatewaySecretKey string `env:"GATEWAY_SECRET_KEY"`
	WebhookSecret    string `env:"WEBHOOK_SECRET"`
	AuthSecret       string `env:"AUTH_SECRET"`

	DefaultCurrency   string        `env:"DEFAULT_CURRENCY" envDefault:"usd"`
	PaymentTimeout    time.Duration `env:"PAYMENT_TIMEOUT" envDefault:"30s"`
	ReconcileSchedule string        `env:"RECONCILE_SCHEDULE" envDefault:"@every 1m"`
	DialogIdleTTL     time.Duration `env:"DIALOG_IDLE_TTL" envDefault:"30m"`
	PayRateLimit      float64       `env:"PAY_RATE_LIMIT" envDefault:"1"`
	PayRateBurst      int           `env:"PAY_RATE_BURST" envDefault:"3"`
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	// .env необязателен
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.GatewayAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.GatewayAddress = envGatewayAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.PaymentTimeout <= 0 {
		return errors.New("PAYMENT_TIMEOUT must be positive")
	}
	if c.DialogIdleTTL <= 0 {
		return errors.New("DIALOG_IDLE_TTL must be positive")
	}
	if c.PayRateLimit <= 0 || c.PayRateBurst < 1 {
		return errors.New("PAY_RATE_LIMIT and PAY_RATE_BURST must be positive")
	}
	return nil
}
