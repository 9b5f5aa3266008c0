package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/ashureev/fitcoach/internal/store"
)

// Device storage key prefixes. Every key is suffixed with the user id.
const (
	keyState         = "chat.state."
	keyQuestionnaire = "chat.questionnaire."
	keyAdjustments   = "chat.adjustments."
	keyCompleted     = "chat.completed."
)

var (
	ErrNoQuestionnaire    = errors.New("no questionnaire data found")
	ErrEmptyMessage       = errors.New("message is empty")
	ErrSendInFlight       = errors.New("a message is already being sent")
	ErrChatEnded          = errors.New("chat has ended")
	ErrBackendUnavailable = errors.New("chat backend is unavailable")
	ErrNotReady           = errors.New("chat is still restoring")
	ErrNotOpen            = errors.New("chat is not open")
	ErrFlowClosed         = errors.New("chat was closed, open it again")
)

// Phase is the state of a Flow.
type Phase int

const (
	Restoring Phase = iota
	Idle
	Sending
	Ended
	FatalError
)

var phaseNames = [...]string{
	Restoring:  "restoring",
	Idle:       "idle",
	Sending:    "sending",
	Ended:      "ended",
	FatalError: "fatal_error",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if name == string(text) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown chat phase %q", text)
}

// StateKeys returns every device storage key holding chat data for userID.
func StateKeys(userID string) []string {
	return []string{
		keyState + userID,
		keyQuestionnaire + userID,
		keyAdjustments + userID,
		keyCompleted + userID,
	}
}

func getJSON(ctx context.Context, kv store.KV, key string, v any) (bool, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func setJSON(ctx context.Context, kv store.KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Set(ctx, key, string(data))
}

// LoadState reads the persisted conversation. Returns nil, nil when the
// user has not chatted on this device.
func LoadState(ctx context.Context, kv store.KV, userID string) (*domain.ChatState, error) {
	var state domain.ChatState
	ok, err := getJSON(ctx, kv, keyState+userID, &state)
	if err != nil || !ok {
		return nil, err
	}
	if len(state.Adjustments) == 0 {
		var adj []string
		if ok, err := getJSON(ctx, kv, keyAdjustments+userID, &adj); err == nil && ok {
			state.Adjustments = adj
		}
	}
	return &state, nil
}

// SaveState writes the conversation, its adjustments and the completed
// flag. The flag is removed while the chat is still open.
func SaveState(ctx context.Context, kv store.KV, userID string, state domain.ChatState) error {
	if err := setJSON(ctx, kv, keyState+userID, state); err != nil {
		return err
	}
	adj := state.Adjustments
	if adj == nil {
		adj = []string{}
	}
	if err := setJSON(ctx, kv, keyAdjustments+userID, adj); err != nil {
		return err
	}
	if state.Ended {
		return kv.Set(ctx, keyCompleted+userID, "true")
	}
	return kv.Delete(ctx, keyCompleted+userID)
}

// Completed reads the completion flag without decoding the transcript.
func Completed(ctx context.Context, kv store.KV, userID string) (bool, error) {
	raw, ok, err := kv.Get(ctx, keyCompleted+userID)
	if err != nil {
		return false, err
	}
	return ok && raw == "true", nil
}

// LoadQuestionnaire reads the questionnaire snapshot.
func LoadQuestionnaire(ctx context.Context, kv store.KV, userID string) (*domain.Questionnaire, error) {
	var q domain.Questionnaire
	ok, err := getJSON(ctx, kv, keyQuestionnaire+userID, &q)
	if err != nil || !ok {
		return nil, err
	}
	return &q, nil
}

// SaveQuestionnaire writes the questionnaire snapshot the chat is seeded
// with.
func SaveQuestionnaire(ctx context.Context, kv store.KV, userID string, q domain.Questionnaire) error {
	return setJSON(ctx, kv, keyQuestionnaire+userID, q)
}

// ClearConversation removes the transcript, adjustments and completed flag
// but keeps the questionnaire snapshot.
func ClearConversation(ctx context.Context, kv store.KV, userID string) error {
	return kv.Delete(ctx, keyState+userID, keyAdjustments+userID, keyCompleted+userID)
}
