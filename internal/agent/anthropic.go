package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ashureev/fitcoach/internal/domain"
)

const defaultAnthropicMaxTokens = 1024

// Anthropic calls the Claude Messages API. The system prompt goes in the
// dedicated system field.
type Anthropic struct {
	client anthropic.Client
	cfg    ProviderConfig
}

// NewAnthropic creates a Claude provider. BaseURL, when set, replaces the
// API host; the client appends the versioned path itself.
func NewAnthropic(cfg ProviderConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(1),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

// Name implements Provider.
func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) params(req ChatRequest, maxTokens int64) anthropic.MessageNewParams {
	msgs := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, m := range req.History {
		block := anthropic.NewTextBlock(m.Text)
		if m.Role == domain.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Message)))

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.cfg.Model),
		MaxTokens:   maxTokens,
		Messages:    msgs,
		Temperature: anthropic.Float(a.cfg.Temperature),
	}
	if strings.TrimSpace(req.System) != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

func (a *Anthropic) send(ctx context.Context, params anthropic.MessageNewParams) (string, error) {
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// Chat implements Provider.
func (a *Anthropic) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	maxTokens := int64(a.cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	text, err := a.send(ctx, a.params(req, maxTokens))
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, ErrEmptyReply
	}
	return parseReply(text), nil
}

// Ping implements Provider.
func (a *Anthropic) Ping(ctx context.Context) error {
	if _, err := a.send(ctx, a.params(ChatRequest{Message: pingPrompt}, 8)); err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}
