package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	LogLevel  string
	LogFormat string

	OtelEnabled       bool
	OTLPEndpoint      string
	OTLPProtocol      string
	OtelSamplingRatio float64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	InternalAPIToken string

	Webhook        WebhookConfig
	Ledger         LedgerConfig
	Reconciliation ReconciliationConfig
	Redis          RedisConfig
	RateLimit      RateLimitConfig
	Scheduler      SchedulerConfig
}

// WebhookConfig controls inbound payment notification validation.
type WebhookConfig struct {
	SigningSecret  string
	Tolerance      time.Duration
	ProcessTimeout time.Duration
	MaxBodyBytes   int64
}

// LedgerConfig carries the tunables of the credit ledger.
type LedgerConfig struct {
	FreeQuotaLimit         int64
	MaxOCCAttempts         int
	OCCBaseDelay           time.Duration
	OCCMaxDelay            time.Duration
	PessimisticLockTimeout time.Duration
}

type ReconciliationConfig struct {
	Interval           time.Duration
	BatchSize          int
	Concurrency        int
	Deep               bool
	EventRetentionDays int
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	ConsumeRate  float64
	ConsumeBurst int
}

type SchedulerConfig struct {
	Enabled     bool
	EnabledJobs []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "creditflow"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		LogLevel:          strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getenv("LOG_FORMAT", "json")),
		OtelEnabled:       getenvBool("OTEL_ENABLED", false),
		OTLPEndpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		OTLPProtocol:      strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "creditflow"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME_SECONDS", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME_SECONDS", 300),
		InternalAPIToken:  strings.TrimSpace(getenv("INTERNAL_API_TOKEN", "")),
		Webhook: WebhookConfig{
			SigningSecret:  strings.TrimSpace(getenv("WEBHOOK_SIGNING_SECRET", "")),
			Tolerance:      time.Duration(getenvInt64("WEBHOOK_TOLERANCE_SECONDS", 300)) * time.Second,
			ProcessTimeout: time.Duration(getenvInt64("WEBHOOK_PROCESS_TIMEOUT_MS", 5000)) * time.Millisecond,
			MaxBodyBytes:   getenvInt64("WEBHOOK_MAX_BODY_BYTES", 1<<20),
		},
		Ledger: LedgerConfig{
			FreeQuotaLimit:         getenvInt64("FREE_QUOTA_LIMIT", 3),
			MaxOCCAttempts:         getenvInt("LEDGER_MAX_OCC_ATTEMPTS", 5),
			OCCBaseDelay:           time.Duration(getenvInt64("LEDGER_OCC_BASE_DELAY_MS", 5)) * time.Millisecond,
			OCCMaxDelay:            time.Duration(getenvInt64("LEDGER_OCC_MAX_DELAY_MS", 80)) * time.Millisecond,
			PessimisticLockTimeout: time.Duration(getenvInt64("LEDGER_LOCK_TIMEOUT_MS", 2000)) * time.Millisecond,
		},
		Reconciliation: ReconciliationConfig{
			Interval:           time.Duration(getenvInt64("RECONCILIATION_INTERVAL_SECONDS", 300)) * time.Second,
			BatchSize:          getenvInt("RECONCILIATION_BATCH_SIZE", 500),
			Concurrency:        getenvInt("RECONCILIATION_CONCURRENCY", 4),
			Deep:               getenvBool("RECONCILIATION_DEEP", false),
			EventRetentionDays: getenvInt("EVENT_RETENTION_DAYS", 0),
		},
		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			ConsumeRate:  getenvFloat("CONSUME_RATE", 5),
			ConsumeBurst: getenvInt("CONSUME_BURST", 10),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			EnabledJobs: parseList(getenv("SCHEDULER_JOBS", "")),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
