// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"bountypay-wallet/pkg/db"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// EscrowConfig holds escrow-manager tuning.
type EscrowConfig struct {
	DefaultFeePercent decimal.Decimal
	OptimisticRetries int
	EscrowAccountRef  string // platform custodial account at the gateway
}

// OutboxConfig holds outbox-processor tuning.
type OutboxConfig struct {
	PollInterval      time.Duration
	BatchSize         int
	MaxRetries        int
	BaseDelay         time.Duration
	ProcessingTimeout time.Duration
	AttemptTimeout    time.Duration
}

// AppConfig holds all application-wide configurations.
type AppConfig struct {
	ServerPort string
	DB         db.Config
	Escrow     EscrowConfig
	Outbox     OutboxConfig
}

// LoadConfig loads configuration from environment variables, with a .env
// file honored when present (local development).
func LoadConfig() (*AppConfig, error) {
	_ = godotenv.Load() // missing .env is fine

	dbPort, err := getEnvInt("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}

	feePercentStr := getEnv("ESCROW_DEFAULT_FEE_PERCENT", "5")
	feePercent, err := decimal.NewFromString(feePercentStr)
	if err != nil {
		return nil, fmt.Errorf("invalid ESCROW_DEFAULT_FEE_PERCENT %q: %w", feePercentStr, err)
	}

	optimisticRetries, err := getEnvInt("BALANCE_OPTIMISTIC_RETRIES", 5)
	if err != nil {
		return nil, err
	}
	outboxBatch, err := getEnvInt("OUTBOX_BATCH_SIZE", 50)
	if err != nil {
		return nil, err
	}
	outboxRetries, err := getEnvInt("OUTBOX_MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}

	pollInterval, err := getEnvDuration("OUTBOX_POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	baseDelay, err := getEnvDuration("OUTBOX_BASE_DELAY", time.Second)
	if err != nil {
		return nil, err
	}
	processingTimeout, err := getEnvDuration("OUTBOX_PROCESSING_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	attemptTimeout, err := getEnvDuration("OUTBOX_ATTEMPT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	return &AppConfig{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		DB: db.Config{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "bountypaydb"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Escrow: EscrowConfig{
			DefaultFeePercent: feePercent,
			OptimisticRetries: optimisticRetries,
			EscrowAccountRef:  getEnv("GATEWAY_ESCROW_ACCOUNT", "acct_platform_escrow"),
		},
		Outbox: OutboxConfig{
			PollInterval:      pollInterval,
			BatchSize:         outboxBatch,
			MaxRetries:        outboxRetries,
			BaseDelay:         baseDelay,
			ProcessingTimeout: processingTimeout,
			AttemptTimeout:    attemptTimeout,
		},
	}, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return parsed, nil
}
