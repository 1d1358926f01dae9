package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PostgresDSN   string
	RedisAddr     string
	ClickHouseDSN string
	GeoIPDB       string

	ServiceName    string
	ReloadInterval time.Duration

	// Click token signing
	TokenSecret string
	TokenTTL    time.Duration

	// Fixed-window rate limiting for write endpoints
	RateLimitEnabled bool
	RateLimitWindow  time.Duration
	RateLimitMax     int

	// Allocation response caching
	AllocationCacheTTL time.Duration

	// Frequency capping defaults
	FrequencyCapWindow time.Duration
	FrequencyCapMax    int

	// Impression recording queue
	ImpressionQueueSize int

	// Authentication
	OperatorAPIKey string

	// Wallet top-up bounds in whole dollars and checkout provider base URL
	TopupMinDollars int
	TopupMaxDollars int
	CheckoutBaseURL string

	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	// ClickHouse connection pooling configuration
	CHMaxOpenConns int

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8686")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second)

	cfg.PostgresDSN = getenv("POSTGRES_DSN", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable")
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "clickhouse://default:@localhost:9000/default?async_insert=1&wait_for_async_insert=1")
	cfg.GeoIPDB = getenv("GEOIP_DB", "internal/geoip/testdata/GeoLite2-Country.mmdb")

	cfg.ServiceName = getenv("SERVICE_NAME", "brokeratlas-marketplace")
	// default to 30 seconds between automatic campaign reloads
	cfg.ReloadInterval = envDuration("RELOAD_INTERVAL", 30*time.Second)

	cfg.TokenSecret = getenv("TOKEN_SECRET", "")
	cfg.TokenTTL = envDuration("TOKEN_TTL", 30*time.Minute)

	cfg.RateLimitEnabled = envBool("RATE_LIMIT_ENABLED", true)
	cfg.RateLimitWindow = envDuration("RATE_LIMIT_WINDOW", time.Minute)
	cfg.RateLimitMax = envInt("RATE_LIMIT_MAX", 30)

	cfg.AllocationCacheTTL = envDuration("ALLOCATION_CACHE_TTL", 30*time.Second)

	cfg.FrequencyCapWindow = envDuration("FREQUENCY_CAP_WINDOW", 4*time.Hour)
	cfg.FrequencyCapMax = envInt("FREQUENCY_CAP_MAX", 8)

	cfg.ImpressionQueueSize = envInt("IMPRESSION_QUEUE_SIZE", 1024)

	cfg.OperatorAPIKey = getenv("OPERATOR_API_KEY", "")

	cfg.TopupMinDollars = envInt("TOPUP_MIN_DOLLARS", 50)
	cfg.TopupMaxDollars = envInt("TOPUP_MAX_DOLLARS", 50000)
	cfg.CheckoutBaseURL = getenv("CHECKOUT_BASE_URL", "https://checkout.brokeratlas.com/session")

	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	cfg.CHMaxOpenConns = envInt("CH_MAX_OPEN_CONNS", 50)

	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.OTLPEndpoint = getenv("OTLP_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0)

	return cfg
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. Accepted values are those
// supported by strconv.ParseBool. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}
