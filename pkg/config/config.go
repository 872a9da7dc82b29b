// Package config loads the daemon's environment-driven settings, grounded
// on the teacher's godotenv-based loader.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the stop daemon.
type Config struct {
	// HTTP admin surface
	APIHost   string
	APIPort   int
	AdminAddr string // derived "host:port", kept for the gin router setup
	JWTSecret string

	// Environment "production" binds the key manager to this machine; the
	// value is also reported in the API's system metadata. It does not
	// change logging, the venue default or the storage mode.
	Environment string // "test" | "development" | "production"

	// Venue selection
	Venue          string // "stub" | "binance"
	BinanceTestnet bool

	// Risk defaults applied when a strategy config omits them explicitly.
	DefaultRiskPercent float64
	MinTechStopPercent float64
	MaxTechStopPercent float64

	// Credential vault
	CredentialStorePath string
	MasterEncryptionKey string

	// Event log. DatabaseURL empty keeps the projection repositories in
	// memory (a dev/test-only mode); the event log at EventLogPath is SQLite
	// in both modes, and the projection worker runs in both modes.
	DatabaseURL   string
	EventLogPath  string
	EventLogChain bool // enable per-stream hash chaining

	// Intent journal
	IntentWALDir string

	// Projection cursor
	ProjectionStreamKey    string
	ProjectionPollInterval time.Duration

	// Reconciliation poller
	ReconcileInterval time.Duration

	// Telegram alerting
	TelegramBotToken string
	TelegramChatID   string

	// Tenancy: this deployment's single tenant id (single-tenant-capable
	// per the daemon's charter; multi-tenant deployments pass distinct
	// tenant ids per request instead of reading this value).
	DefaultTenantID string

	Language string // "en" or "zh", matching the teacher's localized log lines
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	host := getEnv("API_HOST", "0.0.0.0")
	port := getEnvInt("API_PORT", 8080)

	return &Config{
		APIHost:                host,
		APIPort:                port,
		AdminAddr:              getEnv("ADMIN_ADDR", fmt.Sprintf("%s:%d", host, port)),
		JWTSecret:              getEnv("JWT_SECRET", "dev-secret"),
		Environment:            getEnv("ENVIRONMENT", "development"),
		Venue:                  getEnv("VENUE", "stub"),
		BinanceTestnet:         getEnv("BINANCE_TESTNET", "false") == "true",
		DefaultRiskPercent:     getEnvFloat("DEFAULT_RISK_PERCENT", 0.01),
		MinTechStopPercent:     getEnvFloat("MIN_TECH_STOP_PERCENT", 0.001),
		MaxTechStopPercent:     getEnvFloat("MAX_TECH_STOP_PERCENT", 0.10),
		CredentialStorePath:    getEnv("CREDENTIAL_STORE_PATH", "./data/credentials.json"),
		MasterEncryptionKey:    firstNonEmpty(os.Getenv("CRYPTO_MASTER_KEY"), os.Getenv("MASTER_ENCRYPTION_KEY")),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		EventLogPath:           getEnv("EVENT_LOG_PATH", "./data/events.db"),
		EventLogChain:          getEnv("EVENT_LOG_CHAIN", "true") == "true",
		IntentWALDir:           getEnv("INTENT_WAL_DIR", "./data/intents"),
		ProjectionStreamKey:    getEnv("PROJECTION_STREAM_KEY", "projector:all"),
		ProjectionPollInterval: time.Duration(getEnvInt("PROJECTION_POLL_INTERVAL_MS", 500)) * time.Millisecond,
		ReconcileInterval:      getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
		TelegramBotToken:       os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:         os.Getenv("TELEGRAM_CHAT_ID"),
		DefaultTenantID:        getEnv("DEFAULT_TENANT_ID", ""),
		Language:               getEnv("LANGUAGE", "en"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
