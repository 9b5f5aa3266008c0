package plan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/ashureev/fitcoach/internal/events"
)

// Generator submits plan requests.
type Generator interface {
	Generate(ctx context.Context, questionnaire map[string]any, adjustments []string) (*Result, error)
}

// OnboardingMarker flags a profile as onboarded.
type OnboardingMarker interface {
	MarkOnboardingCompleted(ctx context.Context, userID string) error
}

// Service generates the plan that closes onboarding.
type Service struct {
	gen       Generator
	profiles  OnboardingMarker
	publisher events.Publisher
}

// NewService creates a service. A nil publisher drops events.
func NewService(gen Generator, profiles OnboardingMarker, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{gen: gen, profiles: profiles, publisher: publisher}
}

// Generate requests a plan and, on success, marks onboarding completed.
func (s *Service) Generate(ctx context.Context, userID string, q *domain.Questionnaire, adjustments []string) (*Result, error) {
	if q == nil {
		return nil, fmt.Errorf("generate plan: questionnaire is required")
	}

	res, err := s.gen.Generate(ctx, q.Flatten(), adjustments)
	if err != nil {
		slog.Warn("Plan generation failed", "user_id", userID, "error", err)
		return nil, err
	}

	if err := s.profiles.MarkOnboardingCompleted(ctx, userID); err != nil {
		return nil, err
	}

	if err := s.publisher.Publish(ctx, events.Event{
		Type:       events.TypeOnboardingCompleted,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
		Data: map[string]any{
			"plan_id":     res.PlanID,
			"adjustments": len(adjustments),
		},
	}); err != nil {
		slog.Warn("Failed to publish onboarding completed event", "user_id", userID, "error", err)
	}

	slog.Info("Plan generated", "user_id", userID, "plan_id", res.PlanID)
	return res, nil
}
