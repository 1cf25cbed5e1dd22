// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tapipay/tapicore/internal/ledger"
	"github.com/tapipay/tapicore/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// CORSOrigins admits the navigation layer; empty admits every origin.
	CORSOrigins []string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string

	// Device account
	AccountID      string
	InitialBalance string // seeds the in-memory account store

	// Offline ledger
	DepositRate       string
	OfflineLockCap    string
	ReceiptHMACSecret string
	SettlementRetry   time.Duration

	// Credentials
	CredentialTTL    time.Duration
	DevicePrivateKey string // hex secp256k1, with or without 0x

	// Biometric capture
	FaceMatcherURL        string
	CaptureTimeout        time.Duration
	FallbackConfidenceMin float64
	FallbackConfidenceMax float64

	// Step-up
	PINHash            string // bcrypt
	MaxPINAttempts     int    // 0 is unlimited
	HighValueThreshold string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultAccountID          = "acct_device"
	DefaultInitialBalance     = "500"
	DefaultDepositRate        = "0"
	DefaultOfflineLockCap     = "200"
	DefaultCredentialTTL      = 15 * time.Minute
	DefaultCaptureTimeout     = 10 * time.Second
	DefaultFallbackMin        = 40
	DefaultFallbackMax        = 60
	DefaultHighValueThreshold = "1000"
	DefaultSettlementRetry    = time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:           getEnvList("CORS_ALLOWED_ORIGINS"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AccountID:             getEnv("ACCOUNT_ID", DefaultAccountID),
		InitialBalance:        getEnv("INITIAL_BALANCE", DefaultInitialBalance),
		DepositRate:           getEnv("DEPOSIT_RATE", DefaultDepositRate),
		OfflineLockCap:        getEnv("OFFLINE_LOCK_CAP", DefaultOfflineLockCap),
		ReceiptHMACSecret:     os.Getenv("RECEIPT_HMAC_SECRET"),
		SettlementRetry:       getEnvDuration("SETTLEMENT_RETRY_INTERVAL", DefaultSettlementRetry),
		CredentialTTL:         getEnvDuration("CREDENTIAL_TTL", DefaultCredentialTTL),
		DevicePrivateKey:      os.Getenv("DEVICE_PRIVATE_KEY"),
		FaceMatcherURL:        os.Getenv("FACE_MATCHER_URL"),
		CaptureTimeout:        getEnvDuration("CAPTURE_TIMEOUT", DefaultCaptureTimeout),
		FallbackConfidenceMin: getEnvFloat("FALLBACK_CONFIDENCE_MIN", DefaultFallbackMin),
		FallbackConfidenceMax: getEnvFloat("FALLBACK_CONFIDENCE_MAX", DefaultFallbackMax),
		PINHash:               os.Getenv("PIN_HASH"),
		MaxPINAttempts:        int(getEnvInt64("MAX_PIN_ATTEMPTS", 0)),
		HighValueThreshold:    getEnv("HIGH_VALUE_THRESHOLD", DefaultHighValueThreshold),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := c.LedgerPolicy(); err != nil {
		return fmt.Errorf("DEPOSIT_RATE/OFFLINE_LOCK_CAP: %w", err)
	}
	if _, ok := money.Parse(c.InitialBalance); !ok {
		return fmt.Errorf("INITIAL_BALANCE must be a non-negative decimal amount")
	}
	if v, ok := money.Parse(c.HighValueThreshold); !ok || v.Sign() <= 0 {
		return fmt.Errorf("HIGH_VALUE_THRESHOLD must be a positive decimal amount")
	}
	if c.CredentialTTL <= 0 {
		return fmt.Errorf("CREDENTIAL_TTL must be positive")
	}
	if c.CaptureTimeout <= 0 {
		return fmt.Errorf("CAPTURE_TIMEOUT must be positive")
	}
	if c.FallbackConfidenceMin < 0 || c.FallbackConfidenceMax > 100 || c.FallbackConfidenceMin > c.FallbackConfidenceMax {
		return fmt.Errorf("FALLBACK_CONFIDENCE_MIN/MAX must satisfy 0 <= min <= max <= 100")
	}
	if c.MaxPINAttempts < 0 {
		return fmt.Errorf("MAX_PIN_ATTEMPTS must be >= 0")
	}
	if c.AccountID == "" {
		return fmt.Errorf("ACCOUNT_ID is required")
	}

	if c.DevicePrivateKey != "" {
		key := c.DevicePrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("DEVICE_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.IsProduction() {
		if c.DevicePrivateKey == "" {
			return fmt.Errorf("DEVICE_PRIVATE_KEY is required in production")
		}
		if c.ReceiptHMACSecret == "" {
			return fmt.Errorf("RECEIPT_HMAC_SECRET is required in production")
		}
		if c.PINHash == "" {
			return fmt.Errorf("PIN_HASH is required in production")
		}
	}

	return nil
}

// LedgerPolicy parses the offline ledger settings.
func (c *Config) LedgerPolicy() (ledger.Policy, error) {
	return ledger.ParsePolicy(c.DepositRate, c.OfflineLockCap)
}

// HighValueAmount returns the step-up threshold in micro-units.
func (c *Config) HighValueAmount() *big.Int {
	v, ok := money.Parse(c.HighValueThreshold)
	if !ok {
		return money.MustParse(DefaultHighValueThreshold)
	}
	return v
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

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
