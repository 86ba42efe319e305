package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port            int
	NatsURL         string
	NatsToken       string
	DatabaseURL     string
	LogLevel        string
	AnthropicAPIKey string
	AnthropicModel  string
	APIToken        string

	// AuditSampleSize limits waste analysis to the first N steps. Zero
	// analyses every step.
	AuditSampleSize int
	StageTimeout    time.Duration
	LLMTimeout      time.Duration
	PromptWorkers   int
	PromptAuthor    string
}

func Load() Config {
	return Config{
		Port:            envInt("SOPLINE_PORT", 8760),
		NatsURL:         envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:       envStr("NATS_TOKEN", ""),
		DatabaseURL:     envStr("DATABASE_URL", ""),
		LogLevel:        envStr("LOG_LEVEL", "info"),
		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  envStr("SOPLINE_MODEL", "claude-sonnet-4-20250514"),
		APIToken:        envStr("SOPLINE_API_TOKEN", ""),
		AuditSampleSize: envInt("SOPLINE_AUDIT_SAMPLE", 0),
		StageTimeout:    envDuration("SOPLINE_STAGE_TIMEOUT", 2*time.Minute),
		LLMTimeout:      envDuration("SOPLINE_LLM_TIMEOUT", 90*time.Second),
		PromptWorkers:   envInt("SOPLINE_PROMPT_WORKERS", 4),
		PromptAuthor:    envStr("SOPLINE_PROMPT_AUTHOR", "sopline"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
