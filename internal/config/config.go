// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string
	BaseURL  string // Public base URL, used to build checkout return links

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payme (JSON-RPC merchant API)
	PaymeKey        string // Merchant API password, checked on every RPC call
	PaymeMerchantID string // Used to build checkout URLs

	// Click (form-callback merchant API)
	ClickServiceID      string
	ClickMerchantID     string
	ClickMerchantUserID string
	ClickSecretKey      string // MD5 signing secret
	ClickReturnURL      string

	// Telegram delivery
	BotToken    string
	TGChannelID string // The private channel orders grant access to

	// Payment settings
	DefaultPriceTiyin int64 // Price a fresh order is created with, in tiyin

	// Security
	RateLimitRPM int

	// Observability
	OTLPEndpoint string

	// Store tuning
	StoreTimeoutMS int64
}

const (
	DefaultPort       = "8080"
	DefaultEnv        = "development"
	DefaultLogLevel   = "info"
	DefaultPriceTiyin = 1100000 // 11 000 soum
	DefaultRateLimit  = 120
	DefaultStoreMS    = 5000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		BaseURL:             os.Getenv("BASE_URL"),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PaymeKey:            os.Getenv("PAYME_KEY"),
		PaymeMerchantID:     os.Getenv("PAYME_MERCHANT_ID"),
		ClickServiceID:      os.Getenv("CLICK_SERVICE_ID"),
		ClickMerchantID:     os.Getenv("CLICK_MERCHANT_ID"),
		ClickMerchantUserID: os.Getenv("CLICK_MERCHANT_USER_ID"),
		ClickSecretKey:      os.Getenv("CLICK_SECRET_KEY"),
		ClickReturnURL:      os.Getenv("CLICK_RETURN_URL"),
		BotToken:            os.Getenv("BOT_TOKEN"),
		TGChannelID:         os.Getenv("TG_CHANNEL_ID"),
		DefaultPriceTiyin:   getEnvInt64("DEFAULT_PRICE_TIYIN", DefaultPriceTiyin),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		StoreTimeoutMS:      getEnvInt64("STORE_TIMEOUT_MS", DefaultStoreMS),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PaymeKey == "" && c.ClickSecretKey == "" {
		return fmt.Errorf("at least one of PAYME_KEY or CLICK_SECRET_KEY is required")
	}
	if c.ClickSecretKey != "" && c.ClickServiceID == "" {
		return fmt.Errorf("CLICK_SERVICE_ID is required when CLICK_SECRET_KEY is set")
	}
	if c.DefaultPriceTiyin < 0 {
		return fmt.Errorf("DEFAULT_PRICE_TIYIN must not be negative")
	}
	if c.BotToken != "" && c.TGChannelID == "" {
		return fmt.Errorf("TG_CHANNEL_ID is required when BOT_TOKEN is set")
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

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
