package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"tradeEngine/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds the process-level configuration read from the environment.
// Trading parameters live in the engine file (see LoadEngine).
type Config struct {
	// Binance API
	APIKey            string  `env:"BINANCE_API_KEY"`
	SecretKey         string  `env:"BINANCE_API_SECRET"`
	IsTestnet         bool    `env:"IS_TESTNET" envDefault:"true"` // Default to testnet for safety
	RequestsPerSecond float64 `env:"REQUESTS_PER_SECOND" envDefault:"10"`
	FeeRate           float64 `env:"FEE_RATE" envDefault:"0.0004"`

	// Dry run trades against the paper exchange, priced from live public data.
	DryRun        bool    `env:"DRY_RUN" envDefault:"true"`
	DryRunWallet  float64 `env:"DRY_RUN_WALLET" envDefault:"1000"`
	DryRunFeeRate float64 `env:"DRY_RUN_FEE" envDefault:"0.001"`

	// Engine file
	EnginePath string `env:"ENGINE_CONFIG_PATH" envDefault:"engine.yaml"`

	// Database
	DBPath string `env:"DB_PATH" envDefault:"./data/trades.db"`

	// Logging
	LogLevelName string          `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat    string          `env:"LOG_FORMAT" envDefault:"console"`
	LogLevel     logger.LogLevel `env:"-"`

	// Alerts go to Kafka when brokers are set, to the log otherwise.
	KafkaBrokers      []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic        string        `env:"KAFKA_ALERT_TOPIC" envDefault:"trade-alerts"`
	KafkaWriteTimeout time.Duration `env:"KAFKA_WRITE_TIMEOUT" envDefault:"5s"`
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("configuration parsing failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.LogLevel = logger.ParseLevel(cfg.LogLevelName)
	return cfg, nil
}

// Validate collects every problem instead of stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	if !c.DryRun {
		if c.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set when DRY_RUN is false")
		}
		if c.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set when DRY_RUN is false")
		}
	}
	if c.RequestsPerSecond <= 0 {
		errs = append(errs, "REQUESTS_PER_SECOND must be positive")
	}
	if c.FeeRate < 0 || c.DryRunFeeRate < 0 {
		errs = append(errs, "fee rates cannot be negative")
	}
	if c.DryRun && c.DryRunWallet <= 0 {
		errs = append(errs, "DRY_RUN_WALLET must be positive")
	}
	if c.EnginePath == "" {
		errs = append(errs, "ENGINE_CONFIG_PATH must be set")
	}
	if c.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be console or json, got %q", c.LogFormat))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, "KAFKA_ALERT_TOPIC must be set when KAFKA_BROKERS is")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return errors.New("configuration validation failed: " + strings.Join(errs, "; "))
	}
	return nil
}
