// Package config loads server configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	FrontendURL string

	// LLM
	LLMProvider string
	LLMAPIKey   string
	LLMModel    string
	LLMBaseURL  string

	// Providers
	ProvidersFile string

	// Data directory for durable conversation history
	DataDir string

	// Security
	JWTSecret string
	TokenTTL  time.Duration

	// Supervisor
	HealthProbeInterval time.Duration

	// Invocation resilience
	RetryMaxAttempts int
	BreakerThreshold int
	BreakerCoolDown  time.Duration

	// Conversations idle longer than this are reaped from memory.
	ConversationMaxIdle time.Duration
}

func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:5173"),

		LLMProvider: getEnv("LLM_PROVIDER", "openai"),
		LLMAPIKey:   getEnv("LLM_API_KEY", ""),
		LLMModel:    getEnv("LLM_MODEL", "gpt-4o"),
		LLMBaseURL:  getEnv("LLM_BASE_URL", ""),

		ProvidersFile: getEnv("PROVIDERS_FILE", "data/providers.json"),
		DataDir:       getEnv("DATA_DIR", "data"),

		JWTSecret: getEnv("JWT_SECRET", "default-secret-change-me"),
		TokenTTL:  getDuration("TOKEN_TTL", time.Hour),

		HealthProbeInterval: getDuration("HEALTH_PROBE_INTERVAL", 30*time.Second),

		RetryMaxAttempts: getInt("RETRY_MAX_ATTEMPTS", 3),
		BreakerThreshold: getInt("BREAKER_THRESHOLD", 3),
		BreakerCoolDown:  getDuration("BREAKER_COOLDOWN", 30*time.Second),

		ConversationMaxIdle: getDuration("CONVERSATION_MAX_IDLE", 24*time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
