// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	GRPCPort    string `env:"GRPC_PORT" envDefault:"9090"`
	FrontendURL string `env:"FRONTEND_URL"`
	DBPath      string `env:"DB_PATH" envDefault:"./data/fitcoach.db"`

	Auth            AuthConfig            `envPrefix:"AUTH_"`
	LLM             LLMConfig             `envPrefix:"LLM_"`
	Chat            ChatConfig            `envPrefix:"CHAT_"`
	Plan            PlanConfig            `envPrefix:"PLAN_"`
	Redis           RedisConfig           `envPrefix:"REDIS_"`
	AMQP            AMQPConfig            `envPrefix:"AMQP_"`
	RateLimit       RateLimitConfig       `envPrefix:"RATE_LIMIT_"`
	ConversationLog ConversationLogConfig `envPrefix:"CONVERSATION_LOG_"`
	Timeout         TimeoutConfig         `envPrefix:"TIMEOUT_"`
}

// AuthConfig controls token issuance and sign-in policy.
type AuthConfig struct {
	JWTSecret                string        `env:"JWT_SECRET"`
	AccessTTL                time.Duration `env:"ACCESS_TTL" envDefault:"15m"`
	RefreshTTL               time.Duration `env:"REFRESH_TTL" envDefault:"720h"`
	RefreshWindow            time.Duration `env:"REFRESH_WINDOW" envDefault:"60s"`
	BcryptCost               int           `env:"BCRYPT_COST" envDefault:"10"`
	RequireEmailConfirmation bool          `env:"REQUIRE_EMAIL_CONFIRMATION" envDefault:"false"`
	SignInAttempts           int           `env:"SIGNIN_ATTEMPTS" envDefault:"5"`
	SignInWindow             time.Duration `env:"SIGNIN_WINDOW" envDefault:"1m"`
	SweepInterval            time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
}

// LLMConfig selects and configures the chat model backend.
type LLMConfig struct {
	Provider    string        `env:"PROVIDER" envDefault:"gemini"`
	Model       string        `env:"MODEL"`
	APIKey      string        `env:"API_KEY"`
	BaseURL     string        `env:"BASE_URL"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"30s"`
	MaxTokens   int           `env:"MAX_TOKENS" envDefault:"1024"`
	Temperature float64       `env:"TEMPERATURE" envDefault:"0.7"`
}

// ChatConfig controls the onboarding conversation.
type ChatConfig struct {
	MaxInteractions int           `env:"MAX_INTERACTIONS" envDefault:"3"`
	IdleTTL         time.Duration `env:"IDLE_TTL" envDefault:"30m"`
}

// PlanConfig points at the plan generation service.
type PlanConfig struct {
	APIURL  string        `env:"API_URL"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

// RedisConfig enables the distributed rate limiter when Addr is set.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// AMQPConfig enables onboarding event publishing when URL is set.
type AMQPConfig struct {
	URL   string `env:"URL"`
	Queue string `env:"QUEUE" envDefault:"fitcoach.onboarding"`

	// DialTimeout bounds connecting to the broker. Publishing happens on the
	// request path, so an unreachable broker must fail fast.
	DialTimeout time.Duration `env:"DIAL_TIMEOUT" envDefault:"3s"`
}

// RateLimitConfig controls request throttling on chat and auth routes.
type RateLimitConfig struct {
	Enabled        bool          `env:"ENABLED" envDefault:"true"`
	Capacity       int           `env:"CAPACITY" envDefault:"10"`
	RefillInterval time.Duration `env:"REFILL_INTERVAL" envDefault:"6s"`
	Prefix         string        `env:"PREFIX" envDefault:"fitcoach:rl"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `env:"ENABLED" envDefault:"true"`
	Dir           string `env:"DIR" envDefault:"./data/logs/conversations"`
	GlobalEnabled bool   `env:"GLOBAL_ENABLED" envDefault:"false"`
	GlobalPath    string `env:"GLOBAL_PATH" envDefault:"./data/logs/conversations/all.ndjson"`
	QueueSize     int    `env:"QUEUE_SIZE" envDefault:"1000"`
}

// TimeoutConfig holds per-concern deadlines.
type TimeoutConfig struct {
	HealthCheck time.Duration `env:"HEALTH_CHECK" envDefault:"5s"`
	Database    time.Duration `env:"DATABASE" envDefault:"5s"`
	Shutdown    time.Duration `env:"SHUTDOWN" envDefault:"10s"`

	// HealthMonitor is how often dependencies are checked for the gRPC
	// health service. Each check of the model backend is a billed request.
	HealthMonitor time.Duration `env:"HEALTH_MONITOR" envDefault:"5m"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFrom reads configuration from the given environment map instead of
// the process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	return load(env.Options{Environment: environ})
}

func load(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModel(cfg.LLM.Provider)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultModel returns the model used when LLM_MODEL is unset.
func DefaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 characters")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		return fmt.Errorf("AUTH_REFRESH_TTL must exceed AUTH_ACCESS_TTL")
	}
	switch c.LLM.Provider {
	case "gemini", "anthropic", "openai":
	default:
		return fmt.Errorf("LLM_PROVIDER must be one of gemini, anthropic, openai")
	}
	if c.Auth.SignInAttempts <= 0 || c.Auth.SignInWindow <= 0 {
		return fmt.Errorf("AUTH_SIGNIN_ATTEMPTS and AUTH_SIGNIN_WINDOW must be > 0")
	}
	if c.Auth.SweepInterval <= 0 {
		return fmt.Errorf("AUTH_SWEEP_INTERVAL must be > 0")
	}
	if c.Timeout.HealthMonitor <= 0 || c.Timeout.HealthCheck <= 0 {
		return fmt.Errorf("TIMEOUT_HEALTH_MONITOR and TIMEOUT_HEALTH_CHECK must be > 0")
	}
	if c.AMQP.DialTimeout <= 0 {
		return fmt.Errorf("AMQP_DIAL_TIMEOUT must be > 0")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be > 0")
	}
	if c.Chat.MaxInteractions <= 0 {
		return fmt.Errorf("CHAT_MAX_INTERACTIONS must be > 0")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Capacity <= 0 || c.RateLimit.RefillInterval <= 0) {
		return fmt.Errorf("RATE_LIMIT_CAPACITY and RATE_LIMIT_REFILL_INTERVAL must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if appEnv := os.Getenv("APP_ENV"); appEnv != "" {
		return appEnv == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AIEnabled reports whether an LLM API key is configured.
func (c *Config) AIEnabled() bool {
	return c.LLM.APIKey != ""
}
