package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	HTTPPort string
	WSPort   string
	Env      string

	// Conversation store
	DatabaseURL   string // postgres:// or mongodb://; SQLite when empty
	SQLitePath    string
	MongoDatabase string

	// Offline queue
	RedisURL   string // Redis queue when set, Badger otherwise
	BadgerPath string

	// Identity verification
	VerifyURL            string
	VerifyTimeout        time.Duration
	IdentityStripPattern string // removed from every verified name
	DevJWTSecret         string // used by cmd/verifier and cmd/token only

	CORSOrigins   []string
	MaxFrameBytes int64
	HistoryStrict bool // surface history store failures as 503

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		WSPort:               getEnv("WS_PORT", "8081"),
		Env:                  getEnv("ENV", "development"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		SQLitePath:           getEnv("SQLITE_PATH", "./data/relay.db"),
		MongoDatabase:        getEnv("MONGO_DATABASE", "relay"),
		RedisURL:             os.Getenv("REDIS_URL"),
		BadgerPath:           getEnv("BADGER_PATH", "./data/offline"),
		VerifyURL:            getEnv("VERIFY_URL", "http://localhost:9090/verify"),
		VerifyTimeout:        getDuration("VERIFY_TIMEOUT", 5*time.Second),
		IdentityStripPattern: os.Getenv("IDENTITY_STRIP_PATTERN"),
		DevJWTSecret:         os.Getenv("DEV_JWT_SECRET"),
		CORSOrigins:          getList("CORS_ORIGINS", []string{"*"}),
		MaxFrameBytes:        getInt64("MAX_FRAME_BYTES", 1<<20),
		HistoryStrict:        getEnv("HISTORY_STRICT", "false") == "true",
		RateLimitWhitelist:   getList("RATE_LIMIT_WHITELIST", nil),
		AutoBlockEnabled:     getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	// In production, require durable backends
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func getInt64(key string, defaultValue int64) int64 {
	if n, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

// getList parses a comma-separated variable, dropping empty entries.
func getList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
