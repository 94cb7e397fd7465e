// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const devJWTSecret = "development-secret-change-in-production"

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	Environment        string

	// JWT settings
	JWTSecret     string
	JWTIssuer     string
	JWTExpiration time.Duration

	// Store settings. An empty DatabaseURL selects the in-memory store.
	DatabaseURL    string
	DatabaseSchema string
	DBMaxConns     int
	StoreTimeout   time.Duration

	// NATS settings. An empty NATSURL disables domain events.
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Redis presence mirror. An empty RedisAddr disables it.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration

	// Presence
	PresenceGrace time.Duration

	// Realtime gateway
	WSAllowedOrigins    []string
	WSSendQueue         int
	WSWriteTimeout      time.Duration
	WSReadIdleTimeout   time.Duration
	WSHeartbeatInterval time.Duration
	WSRateEvents        int
	WSRateWindow        time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// CORS
	CORSAllowedOrigins []string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables, after applying a
// .env file from the working directory when one exists. Variables already
// set in the environment win over the file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
		Environment:        getEnv("ENVIRONMENT", "development"),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", devJWTSecret),
		JWTIssuer:     getEnv("JWT_ISSUER", ""),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),

		// Store
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DatabaseSchema: getEnv("DATABASE_SCHEMA", "messaging"),
		DBMaxConns:     getIntEnv("DB_MAX_CONNS", 10),
		StoreTimeout:   getDurationEnv("STORE_TIMEOUT", 5*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Redis
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		PresenceTTL:   getDurationEnv("PRESENCE_TTL", 90*time.Second),

		PresenceGrace: getDurationEnv("PRESENCE_GRACE", 5*time.Second),

		// Realtime
		WSAllowedOrigins:    getListEnv("WS_ALLOWED_ORIGINS", nil),
		WSSendQueue:         getIntEnv("WS_SEND_QUEUE", 256),
		WSWriteTimeout:      getDurationEnv("WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:   getDurationEnv("WS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSHeartbeatInterval: getDurationEnv("WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSRateEvents:        getIntEnv("WS_RATE_EVENTS", 120),
		WSRateWindow:        getDurationEnv("WS_RATE_WINDOW", 10*time.Second),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// CORS
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate rejects configurations that must not reach production.
func (c *Config) Validate() error {
	if c.Environment == "production" && c.JWTSecret == devJWTSecret {
		return errors.New("config: JWT_SECRET must be set in production")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("config: JWT_SECRET is empty")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("config: STORE_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getListEnv splits a comma-separated value, dropping blanks.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
