// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Source backends.
const (
	BackendNATS   = "nats"
	BackendMemory = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort        string
	ServerReadTimeout time.Duration

	// Conversation store
	SourceBackend string
	NATSURL       string
	NATSCAFile    string
	NATSCertFile  string
	NATSKeyFile   string
	NATSToken     string
	NATSKVBucket  string

	// JWT settings
	JWTSecret string

	// AI endpoint
	AIProvider      string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	AIModel         string
	AIMaxTokens     int
	AITimeout       time.Duration
	AIMaxHistory    int
	AISystemPrompt  string
	AIStream        bool
	AISessionTTL    time.Duration
	AIMaxSessions   int
	HistoryDBPath   string

	// Read state
	ReadMarkTimeout time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// LoadDotEnv loads variables from the given files (".env" when none) into
// the environment. Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:        getEnv("PORT", "8080"),
		ServerReadTimeout: getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),

		// Conversation store
		SourceBackend: getEnv("SOURCE_BACKEND", BackendNATS),
		NATSURL:       getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:    getEnv("NATS_CA_FILE", ""),
		NATSCertFile:  getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:   getEnv("NATS_KEY_FILE", ""),
		NATSToken:     getEnv("NATS_TOKEN", ""),
		NATSKVBucket:  getEnv("NATS_KV_BUCKET", "CONVERSATIONS"),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// AI endpoint
		AIProvider:      getEnv("AI_PROVIDER", "anthropic"),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AIModel:         getEnv("AI_MODEL", ""),
		AIMaxTokens:     getIntEnv("AI_MAX_TOKENS", 4096),
		AITimeout:       getDurationEnv("AI_TIMEOUT", 60*time.Second),
		AIMaxHistory:    getIntEnv("AI_MAX_HISTORY", 200),
		AISystemPrompt:  getEnv("AI_SYSTEM_PROMPT", "You are a helpful assistant."),
		AIStream:        getBoolEnv("AI_STREAM", true),
		AISessionTTL:    getDurationEnv("AI_SESSION_TTL", 30*time.Minute),
		AIMaxSessions:   getIntEnv("AI_MAX_SESSIONS", 10000),
		HistoryDBPath:   getEnv("HISTORY_DB_PATH", "data/history"),

		// Read state
		ReadMarkTimeout: getDurationEnv("READ_MARK_TIMEOUT", 10*time.Second),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// AIAPIKey returns the key of the selected AI provider.
func (c *Config) AIAPIKey() string {
	if c.AIProvider == "openai" {
		return c.OpenAIAPIKey
	}
	return c.AnthropicAPIKey
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
