package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sequence backends.
const (
	SequenceMemory   = "memory"
	SequencePostgres = "postgres"
	SequenceRedis    = "redis"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Storage. An empty DatabaseURL selects the in-memory store.
	DatabaseURL     string
	DBMaxOpenConns  int
	DBMaxRetries    int
	RedisURL        string
	SequenceBackend string

	// Ledger
	Timezone        string
	CacheTTL        time.Duration
	BulkConcurrency int

	// Daily report
	ReportRunAt         string
	ReportForce         bool
	ReportTimeout       time.Duration
	ReportTopPayers     int
	ReportTimelineLimit int

	// Notification collaborator
	NotifierURL string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Observability
	OTLPEndpoint string

	// JWT / Auth
	JWTSecret    string
	JWTAccessTTL time.Duration

	// Dev mode
	DevAuth bool // DEV_AUTH=true trusts X-Actor-ID with full scope
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL:     getEnv("DATABASE_URL", ""),
		DBMaxOpenConns:  getEnvInt("DB_MAX_OPEN_CONNS", 20),
		DBMaxRetries:    getEnvInt("DB_MAX_RETRIES", 5),
		RedisURL:        getEnv("REDIS_URL", ""),
		SequenceBackend: strings.ToLower(getEnv("SEQUENCE_BACKEND", "")),

		Timezone:        getEnv("LEDGER_TIMEZONE", "UTC"),
		CacheTTL:        getEnvDuration("CACHE_TTL", 5*time.Minute),
		BulkConcurrency: getEnvInt("BULK_CONCURRENCY", 4),

		ReportRunAt:         getEnv("REPORT_RUN_AT", "23:30"),
		ReportForce:         getEnvBool("REPORT_FORCE", false),
		ReportTimeout:       getEnvDuration("REPORT_TIMEOUT", 2*time.Minute),
		ReportTopPayers:     getEnvInt("REPORT_TOP_PAYERS", 10),
		ReportTimelineLimit: getEnvInt("REPORT_TIMELINE_LIMIT", 50),

		NotifierURL: getEnv("NOTIFIER_URL", ""),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 10),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		JWTSecret:    getEnv("JWT_SECRET", "ledger-default-dev-secret-change-me"),
		JWTAccessTTL: getEnvDuration("JWT_ACCESS_TTL", 15*time.Minute),

		DevAuth: getEnvBool("DEV_AUTH", false),
	}
	if cfg.SequenceBackend == "" {
		cfg.SequenceBackend = SequenceMemory
		if cfg.DatabaseURL != "" {
			cfg.SequenceBackend = SequencePostgres
		}
	}
	return cfg
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.SequenceBackend {
	case SequenceMemory:
		if c.DatabaseURL != "" {
			return fmt.Errorf("SEQUENCE_BACKEND=memory cannot number a shared postgres ledger")
		}
	case SequencePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("SEQUENCE_BACKEND=postgres requires DATABASE_URL")
		}
	case SequenceRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("SEQUENCE_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown SEQUENCE_BACKEND %q", c.SequenceBackend)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("LEDGER_TIMEZONE: %w", err)
	}
	if c.BulkConcurrency <= 0 {
		return fmt.Errorf("BULK_CONCURRENCY must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
