package agent

import (
	"context"
	"log/slog"
	"time"
)

const channelChat = "onboarding_chat"

// Service wraps a Provider with a per-call deadline and conversation
// logging.
type Service struct {
	provider Provider
	timeout  time.Duration
	log      ConversationLogger
}

// NewService creates a service. A nil logger disables conversation logging.
func NewService(provider Provider, timeout time.Duration, logger ConversationLogger) *Service {
	if logger == nil {
		logger = noopConversationLogger{}
	}
	return &Service{provider: provider, timeout: timeout, log: logger}
}

// Name returns the provider name.
func (s *Service) Name() string {
	return s.provider.Name()
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Chat sends one turn to the model.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.log.Log(ConversationLogEvent{
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Channel:    channelChat,
		Direction:  "outbound",
		EventType:  "chat_user_message",
		Provider:   s.provider.Name(),
		ContentRaw: req.Message,
		Meta:       map[string]any{"history_turns": len(req.History)},
	})

	start := time.Now()
	resp, err := s.provider.Chat(ctx, req)
	if err != nil {
		slog.Error("Model call failed", "provider", s.provider.Name(), "user_id", req.UserID, "error", err)
		s.log.Log(ConversationLogEvent{
			UserID:     req.UserID,
			SessionID:  req.SessionID,
			Channel:    channelChat,
			Direction:  "inbound",
			EventType:  "chat_error",
			Provider:   s.provider.Name(),
			ContentRaw: err.Error(),
		})
		return nil, err
	}

	s.log.Log(ConversationLogEvent{
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Channel:    channelChat,
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		Provider:   s.provider.Name(),
		ContentRaw: resp.Text,
		Meta: map[string]any{
			"adjustments": resp.Adjustments,
			"latency_ms":  time.Since(start).Milliseconds(),
		},
	})
	return resp, nil
}

// Ping checks that the provider answers.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.provider.Ping(ctx)
}

// Close flushes the conversation log.
func (s *Service) Close() error {
	return s.log.Close()
}
