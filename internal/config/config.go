package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Application
	AppEnv     string
	AppPort    string
	AppHost    string
	AppName    string
	AppVersion string
	LogLevel   string

	// Database (schedule definitions)
	DBDriver   string // sqlite or postgres
	DBPath     string // sqlite file
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisMaxRetries   int
	RedisPoolSize     int
	RedisMinIdleConns int

	// JWT
	JWTSecret     string
	JWTExpiration time.Duration
	JWTIssuer     string

	// Admin (ops API login)
	AdminUser         string
	AdminPasswordHash string

	// Queue
	Queue struct {
		Name            string
		RedisPrefix     string
		InMemory        bool
		DefaultAttempts int
		DefaultBackoff  time.Duration
		DefaultTimeout  time.Duration
		WorkerPoolSize  int
		Concurrency     int
		SchedulerTick   time.Duration
		ShutdownTimeout time.Duration
		CleanCompleted  time.Duration
		CleanFailed     time.Duration
	}

	// Rate Limiting (ops API)
	RateLimitRequests int
	RateLimitDuration time.Duration

	// CORS
	CORSAllowedOrigins []string
}

func Load() (*Config, error) {
	// Load .env file if exists
	if err := godotenv.Load(".env"); err != nil {
		if err := godotenv.Load(".env.development"); err != nil {
			// Production and test environments configure through real env vars.
		}
	}

	cfg := &Config{
		// Application
		AppEnv:     getEnv("APP_ENV", "development"),
		AppPort:    getEnv("APP_PORT", "8080"),
		AppHost:    getEnv("APP_HOST", "0.0.0.0"),
		AppName:    getEnv("APP_NAME", "ForgeQ"),
		AppVersion: getEnv("APP_VERSION", "1.0.0"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		// Database
		DBDriver:   getEnv("DB_DRIVER", "sqlite"),
		DBPath:     getEnv("DB_PATH", "forgeq.db"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "forgeq"),
		DBPassword: getEnv("DB_PASSWORD", "forgeq123"),
		DBName:     getEnv("DB_NAME", "forgeq_dev"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),

		// Redis
		RedisHost:         getEnv("REDIS_HOST", "localhost"),
		RedisPort:         getEnv("REDIS_PORT", "6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvAsInt("REDIS_DB", 0),
		RedisMaxRetries:   getEnvAsInt("REDIS_MAX_RETRIES", 3),
		RedisPoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
		RedisMinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNECTIONS", 3),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret-change-in-production"),
		JWTExpiration: parseDuration(getEnv("JWT_ACCESS_TOKEN_EXPIRY", "24h"), 24*time.Hour),
		JWTIssuer:     getEnv("JWT_ISSUER", "forgeq"),

		// Admin
		AdminUser:         getEnv("ADMIN_USER", "admin"),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),

		// Rate limiting
		RateLimitRequests: getEnvAsInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitDuration: parseDuration(getEnv("RATE_LIMIT_DURATION", "1m"), time.Minute),

		// CORS
		CORSAllowedOrigins: splitAndTrim(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}

	// Queue
	cfg.Queue.Name = getEnv("QUEUE_NAME", "default")
	cfg.Queue.RedisPrefix = getEnv("QUEUE_REDIS_PREFIX", "forgeq")
	cfg.Queue.InMemory = getEnvAsBool("QUEUE_IN_MEMORY", false)
	cfg.Queue.DefaultAttempts = getEnvAsInt("QUEUE_DEFAULT_ATTEMPTS", 3)
	cfg.Queue.DefaultBackoff = parseDuration(getEnv("QUEUE_DEFAULT_BACKOFF", "30s"), 30*time.Second)
	cfg.Queue.DefaultTimeout = parseDuration(getEnv("QUEUE_DEFAULT_TIMEOUT", "5m"), 5*time.Minute)
	cfg.Queue.WorkerPoolSize = getEnvAsInt("QUEUE_WORKER_POOL_SIZE", 2)
	cfg.Queue.Concurrency = getEnvAsInt("QUEUE_WORKER_CONCURRENCY", 5)
	cfg.Queue.SchedulerTick = parseDuration(getEnv("QUEUE_SCHEDULER_TICK", "15s"), 15*time.Second)
	cfg.Queue.ShutdownTimeout = parseDuration(getEnv("QUEUE_SHUTDOWN_TIMEOUT", "30s"), 30*time.Second)
	cfg.Queue.CleanCompleted = parseDuration(getEnv("QUEUE_CLEAN_COMPLETED_AGE", "24h"), 24*time.Hour)
	cfg.Queue.CleanFailed = parseDuration(getEnv("QUEUE_CLEAN_FAILED_AGE", "168h"), 7*24*time.Hour)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.AppEnv == "production" && c.JWTSecret == "dev-secret-change-in-production" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if c.Queue.WorkerPoolSize < 0 || c.Queue.Concurrency < 1 {
		return fmt.Errorf("invalid queue worker configuration")
	}
	return nil
}

// PostgresDSN builds the gorm postgres connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// RedisAddr returns host:port for the Redis client.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
