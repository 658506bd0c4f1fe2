// Package config reads the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

var defaultModels = map[string]string{
	ProviderOpenAI: "gpt-4o-mini",
	ProviderGemini: "gemini-2.0-flash",
}

type Config struct {
	StateBackend      string
	StateTable        string
	RedisAddr         string
	RedisPrefix       string
	SessionTTL        time.Duration
	MemoryMaxSessions int

	ParamPrefix       string
	Provider          string
	Model             string
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RPS               float64
	Burst             int
	ModerationEnabled bool

	MaxContextItems  int
	MaxMessageLength int
	MaxSessionTurns  int

	LogLevel slog.Level
	Addr     string
}

// Load builds a Config from getenv. defaultBackend applies when
// STATE_BACKEND is unset: the Lambda entry point uses DynamoDB, the local
// server an in-memory store.
func Load(getenv func(string) string, defaultBackend string) (Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	provider := strings.ToLower(env("GENERATION_PROVIDER", ProviderOpenAI))
	cfg := Config{
		StateBackend:      strings.ToLower(env("STATE_BACKEND", defaultBackend)),
		StateTable:        env("STATE_TABLE", ""),
		RedisAddr:         env("REDIS_ADDR", ""),
		RedisPrefix:       env("REDIS_PREFIX", "story-agent"),
		SessionTTL:        time.Duration(envInt(getenv, "SESSION_TTL_HOURS", 720)) * time.Hour,
		MemoryMaxSessions: envInt(getenv, "MEMORY_MAX_SESSIONS", 1024),
		ParamPrefix:       strings.TrimRight(env("PARAM_PREFIX", ""), "/"),
		Provider:          provider,
		Model:             env("GENERATION_MODEL", defaultModels[provider]),
		BaseURL:           env("GENERATION_BASE_URL", ""),
		Timeout:           time.Duration(envInt(getenv, "GENERATION_TIMEOUT_SECONDS", 60)) * time.Second,
		RPS:               envFloat(getenv, "GENERATION_RPS", 0),
		Burst:             envInt(getenv, "GENERATION_BURST", 1),
		ModerationEnabled: envBool(getenv, "MODERATION_ENABLED", provider == ProviderOpenAI),
		MaxContextItems:   envInt(getenv, "MAX_CONTEXT_ITEMS", 20),
		MaxMessageLength:  envInt(getenv, "MAX_MESSAGE_LENGTH", 2000),
		MaxSessionTurns:   envInt(getenv, "MAX_SESSION_TURNS", 50),
		LogLevel:          parseLevel(env("LOG_LEVEL", "info")),
		Addr:              env("ADDR", ":8080"),
	}
	switch provider {
	case ProviderOpenAI:
		cfg.APIKey = env("OPENAI_API_KEY", "")
	case ProviderGemini:
		cfg.APIKey = env("GEMINI_API_KEY", "")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadLocal reads an optional .env file before Load. Variables already set in
// the environment win over the file.
func LoadLocal(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load env file: %w", err)
	}
	return Load(os.Getenv, BackendMemory)
}

func (c Config) validate() error {
	var errs []error
	switch c.StateBackend {
	case BackendDynamoDB:
		if c.StateTable == "" {
			errs = append(errs, errors.New("STATE_TABLE is required for the dynamodb backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STATE_BACKEND %q", c.StateBackend))
	}

	switch c.Provider {
	case ProviderOpenAI:
	case ProviderGemini:
		if c.ModerationEnabled {
			errs = append(errs, errors.New("MODERATION_ENABLED requires the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GENERATION_PROVIDER %q", c.Provider))
	}
	if c.APIKey == "" && c.ParamPrefix == "" {
		errs = append(errs, errors.New("PARAM_PREFIX is required when no API key is set"))
	}
	if c.RPS < 0 {
		errs = append(errs, errors.New("GENERATION_RPS must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// TokenParam is the SSM parameter holding the provider token, relative to
// ParamPrefix.
func (c Config) TokenParam() string {
	if c.Provider == ProviderGemini {
		return "gemini-token"
	}
	return "open-ai-token"
}

func envInt(getenv func(string) string, key string, def int) int {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envFloat(getenv func(string) string, key string, def float64) float64 {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(getenv func(string) string, key string, def bool) bool {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
