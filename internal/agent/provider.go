package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/fitcoach/internal/config"
)

var (
	// ErrEmptyReply is returned when the model answers with no text.
	ErrEmptyReply = errors.New("model returned an empty reply")
	// ErrUnknownProvider is returned for an unsupported LLM_PROVIDER.
	ErrUnknownProvider = errors.New("unknown llm provider")
	// ErrMissingAPIKey is returned when a provider is built without a key.
	ErrMissingAPIKey = errors.New("llm api key is required")
)

// Provider is a chat model backend. Implementations differ only in how the
// system prompt reaches the model.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Ping sends a minimal request to verify the backend answers.
	Ping(ctx context.Context) error
}

// ProviderConfig holds what every provider needs.
type ProviderConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// ProviderConfigFrom maps application config to provider config.
func ProviderConfigFrom(cfg config.LLMConfig) ProviderConfig {
	return ProviderConfig{
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		BaseURL:     cfg.BaseURL,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
	}
}

// NewProvider builds the provider named by cfg.Provider.
func NewProvider(ctx context.Context, cfg config.LLMConfig) (Provider, error) {
	pc := ProviderConfigFrom(cfg)
	switch strings.ToLower(cfg.Provider) {
	case "gemini", "google":
		return NewGemini(ctx, pc)
	case "anthropic", "claude":
		return NewAnthropic(pc)
	case "openai":
		return NewOpenAI(pc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// pingPrompt is the smallest request that still exercises the model.
const pingPrompt = "Reply with OK."
