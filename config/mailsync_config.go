package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "mailsync"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabaseURL   string
	RedisURL      string
	DBAutoMigrate bool

	// Security
	JWTSecret     string
	EncryptionKey string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Gmail
	GmailCallTimeout time.Duration

	// Sync
	SyncConcurrency        int
	SyncInterval           time.Duration
	SyncDiscoverRecent     bool
	SyncDiscoverWindowDays int
	SyncDiscoverMax        int
	ThreadCacheTTL         time.Duration

	// Noise filter extensions
	NoiseExtraDomains  []string
	NoiseExtraKeywords []string

	// Worker
	WorkerID        string
	WorkerMax       int
	ConsumerBlockMS int

	// CORS
	AllowedOrigins []string

	// Scheduler
	SchedulerEnabled bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Database
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		DBAutoMigrate: getEnvBool("DB_AUTO_MIGRATE", false),

		// Security
		JWTSecret:     getEnv("JWT_SECRET", ""),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		// Gmail
		GmailCallTimeout: time.Duration(getEnvInt("GMAIL_CALL_TIMEOUT_SEC", 30)) * time.Second,

		// Sync
		SyncConcurrency:        getEnvInt("SYNC_CONCURRENCY", 4),
		SyncInterval:           time.Duration(getEnvInt("SYNC_INTERVAL_SEC", 60)) * time.Second,
		SyncDiscoverRecent:     getEnvBool("SYNC_DISCOVER_RECENT", false),
		SyncDiscoverWindowDays: getEnvInt("SYNC_DISCOVER_WINDOW_DAYS", 2),
		SyncDiscoverMax:        getEnvInt("SYNC_DISCOVER_MAX", 50),
		ThreadCacheTTL:         time.Duration(getEnvInt("THREAD_CACHE_TTL_MIN", 60)) * time.Minute,

		// Noise filter
		NoiseExtraDomains:  getEnvSlice("NOISE_EXTRA_DOMAINS", nil),
		NoiseExtraKeywords: getEnvSlice("NOISE_EXTRA_KEYWORDS", nil),

		// Worker
		WorkerID:        getEnv("WORKER_ID", generateWorkerID()),
		WorkerMax:       getEnvInt("WORKER_MAX", 8),
		ConsumerBlockMS: getEnvInt("CONSUMER_BLOCK_MS", 5000),

		// CORS
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),

		// Scheduler
		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every run mode depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
		errs = append(errs, errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required"))
	}
	if c.SyncConcurrency < 1 {
		errs = append(errs, fmt.Errorf("SYNC_CONCURRENCY must be positive, got %d", c.SyncConcurrency))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
