package questionnaire

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/fitcoach/internal/chat"
	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/ashureev/fitcoach/internal/events"
	"github.com/ashureev/fitcoach/internal/store"
)

// RouteChat is the onboarding step that follows the questionnaire. A
// submitted form lands here rather than on the root of the main stack:
// onboarding is only complete once the chat finishes and a plan exists, and
// the resolver keeps the main stack unreachable until then.
const RouteChat = "onboarding/chat"

// Navigation tells the client where to go next.
type Navigation struct {
	Route        string `json:"route"`
	ResetHistory bool   `json:"reset_history"`
}

// SubmitResult is returned after a successful submission.
type SubmitResult struct {
	Navigation Navigation     `json:"navigation"`
	Attributes map[string]any `json:"attributes"`
}

// AttributeUpdater stores profile attributes.
type AttributeUpdater interface {
	UpdateAttributes(ctx context.Context, userID, displayName string, attrs map[string]any) error
}

// Service submits questionnaires.
type Service struct {
	profiles  AttributeUpdater
	storage   store.DeviceStorage
	publisher events.Publisher
	now       func() time.Time
}

// NewService creates a service. A nil publisher drops events.
func NewService(profiles AttributeUpdater, storage store.DeviceStorage, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{profiles: profiles, storage: storage, publisher: publisher, now: time.Now}
}

// Submit validates q before any I/O, stores it on the profile and seeds the
// chat step on the device. The returned navigation replaces the history so
// the form cannot be reached with back navigation.
func (s *Service) Submit(ctx context.Context, deviceID, userID string, q domain.Questionnaire) (*SubmitResult, error) {
	q = Normalize(q)
	if err := Validate(q, s.now()); err != nil {
		return nil, err
	}

	attrs := q.Flatten()
	if err := s.profiles.UpdateAttributes(ctx, userID, q.Name, attrs); err != nil {
		return nil, fmt.Errorf("submit questionnaire: %w", err)
	}
	if err := chat.SaveQuestionnaire(ctx, store.Device(s.storage, deviceID), userID, q); err != nil {
		return nil, fmt.Errorf("save questionnaire snapshot: %w", err)
	}

	if err := s.publisher.Publish(ctx, events.Event{
		Type:       events.TypeQuestionnaireSubmitted,
		UserID:     userID,
		OccurredAt: s.now().UTC(),
		Data:       map[string]any{"primary_goal": q.PrimaryGoal, "training_days": len(q.TrainingDays)},
	}); err != nil {
		slog.Warn("Failed to publish questionnaire event", "user_id", userID, "error", err)
	}

	slog.Info("Questionnaire submitted", "user_id", userID, "device_id", deviceID)
	return &SubmitResult{
		Navigation: Navigation{Route: RouteChat, ResetHistory: true},
		Attributes: attrs,
	}, nil
}
