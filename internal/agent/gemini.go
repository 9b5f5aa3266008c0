package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/fitcoach/internal/domain"
	"google.golang.org/genai"
)

// geminiAck is the model turn that closes the instruction priming pair.
const geminiAck = "Understood. I will follow these instructions for the rest of the conversation."

// Gemini calls Google's Gemini API. The system prompt is sent as a leading
// user turn answered by a canned model acknowledgement.
type Gemini struct {
	client *genai.Client
	cfg    ProviderConfig
}

// NewGemini creates a Gemini provider.
func NewGemini(ctx context.Context, cfg ProviderConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

// Name implements Provider.
func (g *Gemini) Name() string { return "gemini" }

func geminiRole(r domain.Role) genai.Role {
	if r == domain.RoleAssistant {
		return genai.RoleModel
	}
	return genai.RoleUser
}

func (g *Gemini) contents(req ChatRequest) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+3)
	if strings.TrimSpace(req.System) != "" {
		contents = append(contents,
			genai.NewContentFromText(req.System, genai.RoleUser),
			genai.NewContentFromText(geminiAck, genai.RoleModel),
		)
	}
	for _, m := range req.History {
		contents = append(contents, genai.NewContentFromText(m.Text, geminiRole(m.Role)))
	}
	return append(contents, genai.NewContentFromText(req.Message, genai.RoleUser))
}

func (g *Gemini) generationConfig() *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(g.cfg.Temperature)),
	}
	if g.cfg.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(g.cfg.MaxTokens)
	}
	return gc
}

// Chat implements Provider.
func (g *Gemini) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, g.contents(req), g.generationConfig())
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, ErrEmptyReply
	}
	return parseReply(text), nil
}

// Ping implements Provider.
func (g *Gemini) Ping(ctx context.Context) error {
	_, err := g.client.Models.GenerateContent(ctx, g.cfg.Model,
		[]*genai.Content{genai.NewContentFromText(pingPrompt, genai.RoleUser)},
		&genai.GenerateContentConfig{MaxOutputTokens: 8})
	if err != nil {
		return fmt.Errorf("gemini ping: %w", err)
	}
	return nil
}
