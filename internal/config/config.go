// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis URL for shared rate limits (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string

	// HTTP
	CORSAllowedOrigins string // comma-separated; empty allows no cross-origin callers

	// Fee defaults applied when neither the proposal nor the request carries terms
	DefaultFeePercentage decimal.Decimal
	DefaultFeePaidBy     string
	DefaultCurrency      string

	// Session timing
	QRTokenTTL       time.Duration
	AppointmentGrace time.Duration

	// Notifications
	NotifyDedupWindow   time.Duration
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// Rate limits
	RateLimitRPM           int
	CreateLimitPerHour     int
	VerifyLimitPerHour     int
	CheckInLimitPerHour    int
	SettlementLimitPerHour int

	// Cron schedules
	ReaperSchedule        string
	PriorityResetSchedule string
	ReconcileSchedule     string

	// SettlementStaleAfter is how long a request may wait for review before
	// reconciliation reports it.
	SettlementStaleAfter time.Duration
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
	DefaultFeePaidBy              = "SELLER"
	DefaultCurrency               = "USD"
	DefaultQRTokenTTL             = 7 * 24 * time.Hour
	DefaultAppointmentGrace       = time.Hour
	DefaultNotifyDedupWindow      = 5 * time.Minute
	DefaultRateLimitRPM           = 120
	DefaultCreateLimitPerHour     = 10
	DefaultVerifyLimitPerHour     = 60
	DefaultCheckInLimitPerHour    = 30
	DefaultSettlementLimitPerHour = 120
	DefaultReaperSchedule         = "@every 5m"
	DefaultPriorityResetSchedule  = "0 0 1 * *"
	DefaultReconcileSchedule      = "@every 15m"
	DefaultSettlementStaleAfter   = 48 * time.Hour

	// MaxFeePercentage is the upper bound accepted for any fee percentage.
	MaxFeePercentage = 20
)

// DefaultFeePercentage is 5%.
var DefaultFeePercentage = decimal.NewFromInt(5)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CORSAllowedOrigins:     os.Getenv("CORS_ALLOWED_ORIGINS"),
		DefaultFeePercentage:   getEnvDecimal("DEFAULT_FEE_PERCENTAGE", DefaultFeePercentage),
		DefaultFeePaidBy:       getEnv("DEFAULT_FEE_PAID_BY", DefaultFeePaidBy),
		DefaultCurrency:        getEnv("DEFAULT_CURRENCY", DefaultCurrency),
		QRTokenTTL:             getEnvDuration("QR_TOKEN_TTL", DefaultQRTokenTTL),
		AppointmentGrace:       getEnvDuration("APPOINTMENT_GRACE", DefaultAppointmentGrace),
		NotifyDedupWindow:      getEnvDuration("NOTIFY_DEDUP_WINDOW", DefaultNotifyDedupWindow),
		NotifyWebhookURL:       os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:    os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CreateLimitPerHour:     int(getEnvInt64("RATE_LIMIT_CREATE_PER_HOUR", DefaultCreateLimitPerHour)),
		VerifyLimitPerHour:     int(getEnvInt64("RATE_LIMIT_VERIFY_PER_HOUR", DefaultVerifyLimitPerHour)),
		CheckInLimitPerHour:    int(getEnvInt64("RATE_LIMIT_CHECKIN_PER_HOUR", DefaultCheckInLimitPerHour)),
		SettlementLimitPerHour: int(getEnvInt64("RATE_LIMIT_SETTLEMENT_PER_HOUR", DefaultSettlementLimitPerHour)),
		ReaperSchedule:         getEnv("REAPER_SCHEDULE", DefaultReaperSchedule),
		PriorityResetSchedule:  getEnv("PRIORITY_RESET_SCHEDULE", DefaultPriorityResetSchedule),
		ReconcileSchedule:      getEnv("RECONCILE_SCHEDULE", DefaultReconcileSchedule),
		SettlementStaleAfter:   getEnvDuration("SETTLEMENT_STALE_AFTER", DefaultSettlementStaleAfter),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configured values are usable
func (c *Config) Validate() error {
	if c.DefaultFeePercentage.IsNegative() || c.DefaultFeePercentage.GreaterThan(decimal.NewFromInt(MaxFeePercentage)) {
		return fmt.Errorf("DEFAULT_FEE_PERCENTAGE must be between 0 and %d", MaxFeePercentage)
	}

	switch c.DefaultFeePaidBy {
	case "SELLER", "BUYER", "SPLIT":
	default:
		return fmt.Errorf("DEFAULT_FEE_PAID_BY must be one of SELLER, BUYER, SPLIT")
	}

	if c.NotifyDedupWindow <= 0 {
		return fmt.Errorf("NOTIFY_DEDUP_WINDOW must be positive")
	}
	if c.QRTokenTTL <= 0 {
		return fmt.Errorf("QR_TOKEN_TTL must be positive")
	}
	if c.AppointmentGrace < 0 {
		return fmt.Errorf("APPOINTMENT_GRACE must not be negative")
	}

	if c.CreateLimitPerHour <= 0 || c.VerifyLimitPerHour <= 0 || c.CheckInLimitPerHour <= 0 || c.SettlementLimitPerHour <= 0 {
		return fmt.Errorf("per-hour rate limits must be positive")
	}

	if c.IsProduction() && c.NotifyWebhookURL != "" && c.NotifyWebhookSecret == "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required in production when NOTIFY_WEBHOOK_URL is set")
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
