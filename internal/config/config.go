package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Service      ServiceConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Storage      StorageConfig
	Stripe       StripeConfig
	Telemetry    TelemetryConfig
	Sync         SyncConfig
	Subscription SubscriptionConfig
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	Type      string // "local" or "s3"
	LocalPath string
	S3Bucket  string
	S3Region  string
}

type StripeConfig struct {
	SecretKey  string
	PriceCents int
	Currency   string
}

type TelemetryConfig struct {
	Enabled       bool
	ExporterURL   string
	SamplingRatio float64
}

// SyncConfig tunes the real-time sync machinery: how often the membership
// monitor polls, how long group-change bursts are allowed to settle, and how
// aggressively in-flight request flags are reclaimed.
type SyncConfig struct {
	PollInterval     time.Duration
	DebounceWindow   time.Duration
	ResyncInterval   time.Duration
	DedupTimeout     time.Duration
	CacheTTL         time.Duration
	SingleFlightWait time.Duration
}

type SubscriptionConfig struct {
	TrialDays        int
	GroupTrialDays   int
	RefundWindowFrom int // days since subscription start, inclusive
	RefundWindowTo   int
	ResubscribeBlock time.Duration // window after a cancellation in which a new refund is blocked
	CooldownBaseDays int           // base for the group-transition cooldown formula
}

func NewConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "carecircle"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("SERVICE_ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", "password"),
			Name:         getEnv("DB_NAME", "carecircle"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Type:      getEnv("STORAGE_TYPE", "local"),
			LocalPath: getEnv("STORAGE_LOCAL_PATH", "./data/blobs"),
			S3Bucket:  getEnv("STORAGE_S3_BUCKET", ""),
			S3Region:  getEnv("STORAGE_S3_REGION", "eu-west-1"),
		},
		Stripe: StripeConfig{
			SecretKey:  getEnv("STRIPE_SECRET_KEY", ""),
			PriceCents: getEnvInt("STRIPE_PRICE_CENTS", 499),
			Currency:   getEnv("STRIPE_CURRENCY", "usd"),
		},
		Telemetry: TelemetryConfig{
			Enabled:       getEnvBool("TELEMETRY_ENABLED", false),
			ExporterURL:   getEnv("TELEMETRY_EXPORTER_URL", ""),
			SamplingRatio: getEnvFloat("TELEMETRY_SAMPLING_RATIO", 1.0),
		},
		Sync: SyncConfig{
			PollInterval:     getEnvDuration("SYNC_POLL_INTERVAL", 5*time.Second),
			DebounceWindow:   getEnvDuration("SYNC_DEBOUNCE_WINDOW", 500*time.Millisecond),
			ResyncInterval:   getEnvDuration("SYNC_RESYNC_INTERVAL", time.Hour),
			DedupTimeout:     getEnvDuration("SYNC_DEDUP_TIMEOUT", 30*time.Second),
			CacheTTL:         getEnvDuration("SYNC_CACHE_TTL", time.Hour),
			SingleFlightWait: getEnvDuration("SYNC_SINGLE_FLIGHT_WAIT", 30*time.Second),
		},
		Subscription: SubscriptionConfig{
			TrialDays:        getEnvInt("SUBSCRIPTION_TRIAL_DAYS", 7),
			GroupTrialDays:   getEnvInt("SUBSCRIPTION_GROUP_TRIAL_DAYS", 14),
			RefundWindowFrom: getEnvInt("SUBSCRIPTION_REFUND_WINDOW_FROM", 8),
			RefundWindowTo:   getEnvInt("SUBSCRIPTION_REFUND_WINDOW_TO", 14),
			ResubscribeBlock: getEnvDuration("SUBSCRIPTION_RESUBSCRIBE_BLOCK", 60*24*time.Hour),
			CooldownBaseDays: getEnvInt("SUBSCRIPTION_COOLDOWN_BASE_DAYS", 30),
		},
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if durationValue, err := time.ParseDuration(value); err == nil {
			return durationValue
		}
	}
	return defaultValue
}
