// Package agent talks to the language models behind the onboarding chat.
package agent

import "github.com/ashureev/fitcoach/internal/domain"

// Message is one prior turn sent to the model.
type Message struct {
	Role domain.Role `json:"role"`
	Text string      `json:"text"`
}

// ChatRequest is a single model call.
type ChatRequest struct {
	System  string    `json:"system"`
	History []Message `json:"history"`
	Message string    `json:"message"`

	UserID    string `json:"-"`
	SessionID string `json:"-"`
}

// ChatResponse is the model reply with adjustment lines already removed
// from Text.
type ChatResponse struct {
	Text        string   `json:"text"`
	Adjustments []string `json:"adjustments,omitempty"`
}

// HistoryFromTranscript converts a transcript to model history. Error turns
// must be filtered out by the caller.
func HistoryFromTranscript(msgs []domain.ChatMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{Role: m.Role, Text: m.Text})
	}
	return out
}
