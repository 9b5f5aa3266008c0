package domain

import (
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is a single transcript entry.
type ChatMessage struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	// IsError marks replies synthesized after a backend failure. They are
	// kept in the transcript but never sent back to the model.
	IsError bool `json:"is_error,omitempty"`
}

// ChatState is the persisted onboarding conversation for one user.
type ChatState struct {
	Messages         []ChatMessage `json:"messages"`
	InteractionCount int           `json:"interaction_count"`
	Adjustments      []string      `json:"adjustments"`
	Ended            bool          `json:"ended"`
}

// Clone returns a deep copy of the state.
func (s ChatState) Clone() ChatState {
	out := ChatState{
		InteractionCount: s.InteractionCount,
		Ended:            s.Ended,
	}
	if s.Messages != nil {
		out.Messages = append([]ChatMessage(nil), s.Messages...)
	}
	if s.Adjustments != nil {
		out.Adjustments = append([]string(nil), s.Adjustments...)
	}
	return out
}

// ModelHistory returns the transcript without synthesized error turns.
func (s ChatState) ModelHistory() []ChatMessage {
	out := make([]ChatMessage, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.IsError {
			continue
		}
		out = append(out, m)
	}
	return out
}
