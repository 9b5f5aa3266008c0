package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI calls the Chat Completions API of OpenAI or any compatible server
// reachable at BaseURL.
type OpenAI struct {
	client openai.Client
	cfg    ProviderConfig
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(cfg ProviderConfig) (*OpenAI, error) {
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
	return &OpenAI{client: openai.NewClient(opts...), cfg: cfg}, nil
}

// Name implements Provider.
func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) messages(req ChatRequest) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.History {
		if m.Role == domain.RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(m.Text))
		} else {
			msgs = append(msgs, openai.UserMessage(m.Text))
		}
	}
	return append(msgs, openai.UserMessage(req.Message))
}

// Chat implements Provider.
func (o *OpenAI) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Messages:    o.messages(req),
		Model:       openai.ChatModel(o.cfg.Model),
		Temperature: openai.Float(o.cfg.Temperature),
	}
	if o.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(o.cfg.MaxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyReply
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, ErrEmptyReply
	}
	return parseReply(text), nil
}

// Ping implements Provider. It looks up the configured model, which costs no
// tokens.
func (o *OpenAI) Ping(ctx context.Context) error {
	if _, err := o.client.Models.Get(ctx, o.cfg.Model); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}
