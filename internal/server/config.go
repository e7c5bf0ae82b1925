// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat service.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string   `env:"SERVER_PORT"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageSize int64    `env:"MAX_MESSAGE_SIZE"`
	SendBufferSize int      `env:"SEND_BUFFER_SIZE"`
	RateLimit      RateLimitConfig

	HistoryLimit        int           `env:"HISTORY_LIMIT"`
	TypingTimeout       time.Duration `env:"TYPING_TIMEOUT"`
	TypingSweepInterval time.Duration `env:"TYPING_SWEEP_INTERVAL"`
	PersistTimeout      time.Duration `env:"PERSIST_TIMEOUT"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT"`

	JWTSecret string        `env:"JWT_SECRET"`
	JWTTTL    time.Duration `env:"JWT_TTL"`
	JWTIssuer string        `env:"JWT_ISSUER"`

	DatabasePath    string        `env:"DATABASE_PATH"`
	RedisAddr       string        `env:"REDIS_ADDR"`
	HistoryCacheTTL time.Duration `env:"HISTORY_CACHE_TTL"`

	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		SendBufferSize: 256,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		HistoryLimit:        50,
		TypingTimeout:       5 * time.Second,
		TypingSweepInterval: time.Second,
		PersistTimeout:      5 * time.Second,
		ShutdownTimeout:     10 * time.Second,
		JWTTTL:              time.Hour,
		JWTIssuer:           "roomchat",
		DatabasePath:        "roomchat.db",
		HistoryCacheTTL:     5 * time.Minute,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Sanitize fills zero or invalid values with defaults and trims origins.
func (cfg Config) Sanitize() Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = def.TypingTimeout
	}
	if cfg.TypingSweepInterval <= 0 {
		cfg.TypingSweepInterval = def.TypingSweepInterval
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.JWTTTL <= 0 {
		cfg.JWTTTL = def.JWTTTL
	}
	if cfg.HistoryCacheTTL <= 0 {
		cfg.HistoryCacheTTL = def.HistoryCacheTTL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}

	cfg.AllowedOrigins = parseOrigins(cfg.AllowedOrigins)
	return cfg
}

// Validate reports settings that cannot be defaulted.
func (cfg Config) Validate() error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	return nil
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig reads an optional .env file and then the environment.
// Unset variables keep their defaults.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		// Missing .env files are normal outside development.
		_ = godotenv.Load(envFiles...)
	}

	cfg := defaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg = cfg.Sanitize()
	return &cfg, nil
}

func parseOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
