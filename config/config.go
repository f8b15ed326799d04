package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN   string
	RunMigrations bool

	// Cache
	RedisAddr string

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string // default: "info"
	LogFormat            string // "text" or "json"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Metering
	CreditUnitUSD       decimal.Decimal // USD value of one credit, default: 0.01
	RolloverCapCredits  int64           // default: 500
	LedgerTimeout       time.Duration   // default: 2s
	ReconcileInterval   time.Duration   // default: 1h
	VerifyBalanceOnRead bool
	MinPreflightCredits int64  // default: 1
	RateCardPath        string // default: config/ratecard.yaml

	// Admin
	AdminToken string
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
		RateCardPath:         getEnv("RATE_CARD_PATH", "config/ratecard.yaml"),
		AdminToken:           os.Getenv("ADMIN_TOKEN"),
	}

	var err error

	// Rate Limiting Default
	if cfg.DefaultRateLimitTPM, err = getInt("DEFAULT_RATE_LIMIT_TPM", 100000); err != nil {
		return nil, err
	}

	// Metering
	unit := getEnv("CREDIT_UNIT_USD", "0.01")
	cfg.CreditUnitUSD, err = decimal.NewFromString(unit)
	if err != nil {
		return nil, fmt.Errorf("invalid CREDIT_UNIT_USD: %w", err)
	}
	if !cfg.CreditUnitUSD.IsPositive() {
		return nil, fmt.Errorf("CREDIT_UNIT_USD must be positive, got %s", unit)
	}
	if cfg.RolloverCapCredits, err = getInt("ROLLOVER_CAP_CREDITS", 500); err != nil {
		return nil, err
	}
	if cfg.MinPreflightCredits, err = getInt("MIN_PREFLIGHT_CREDITS", 1); err != nil {
		return nil, err
	}
	if cfg.LedgerTimeout, err = getDuration("LEDGER_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = getDuration("RECONCILE_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.VerifyBalanceOnRead, err = getBool("VERIFY_BALANCE_ON_READ", false); err != nil {
		return nil, err
	}
	if cfg.RunMigrations, err = getBool("RUN_MIGRATIONS", false); err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.RolloverCapCredits < 0 {
		return nil, fmt.Errorf("ROLLOVER_CAP_CREDITS must not be negative")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
