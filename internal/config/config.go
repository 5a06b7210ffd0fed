// Package config provides environment configuration for the engine server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Engine settings
	MaxConcurrentConversations int
	MaxConversationsPerAgent   int
	TickInterval               time.Duration
	ConversationTimeout        time.Duration
	RetentionWindow            time.Duration
	UserPriorityBoost          bool

	// Transport settings
	TransportMode  string // "simulated" or "networked"
	TransportURL   string
	TypingInterval time.Duration
	MessagePause   time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	NATSEnabled  bool

	// JWT settings
	JWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// Engine
		MaxConcurrentConversations: getIntEnv("ENGINE_MAX_CONCURRENT", 10),
		MaxConversationsPerAgent:   getIntEnv("ENGINE_MAX_PER_AGENT", 1),
		TickInterval:               getDurationEnv("ENGINE_TICK_INTERVAL", 100*time.Millisecond),
		ConversationTimeout:        getDurationEnv("ENGINE_CONVERSATION_TIMEOUT", 60*time.Second),
		RetentionWindow:            getDurationEnv("ENGINE_RETENTION_WINDOW", 5*time.Minute),
		UserPriorityBoost:          getBoolEnv("ENGINE_USER_PRIORITY_BOOST", true),

		// Transport
		TransportMode:  getEnv("ENGINE_TRANSPORT", "simulated"),
		TransportURL:   getEnv("ENGINE_TRANSPORT_URL", "ws://localhost:9010/dialogue"),
		TypingInterval: getDurationEnv("ENGINE_TYPING_INTERVAL", 40*time.Millisecond),
		MessagePause:   getDurationEnv("ENGINE_MESSAGE_PAUSE", 1200*time.Millisecond),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		NATSEnabled:  getBoolEnv("NATS_ENABLED", false),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
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
