// Package chat runs the turn-limited onboarding conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/fitcoach/internal/agent"
	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/ashureev/fitcoach/internal/plan"
	"github.com/ashureev/fitcoach/internal/store"
)

const (
	closingNotice = "That's everything I need for now. Tap Finish and I'll put your plan together."
	errorReply    = "Sorry, I couldn't reach the coaching service. We'll go with what you've told me so far, so tap Finish to generate your plan."
	errorBanner   = "The coach is unavailable right now. Your answers are saved."
)

// Model is the chat backend.
type Model interface {
	Chat(ctx context.Context, req agent.ChatRequest) (*agent.ChatResponse, error)
	Ping(ctx context.Context) error
}

// Planner turns the onboarding answers into a plan.
type Planner interface {
	Generate(ctx context.Context, userID string, q *domain.Questionnaire, adjustments []string) (*plan.Result, error)
}

// Snapshot is a point-in-time view of a Flow.
type Snapshot struct {
	Phase            Phase                `json:"phase"`
	BackendAvailable bool                 `json:"backend_available"`
	BackendChecked   bool                 `json:"backend_checked"`
	Messages         []domain.ChatMessage `json:"messages"`
	InteractionCount int                  `json:"interaction_count"`
	MaxInteractions  int                  `json:"max_interactions"`
	Adjustments      []string             `json:"adjustments"`
	Ended            bool                 `json:"ended"`
	Banner           string               `json:"banner,omitempty"`
	Error            string               `json:"error,omitempty"`
}

// CanSend reports whether input should be enabled.
func (s Snapshot) CanSend() bool {
	return s.Phase == Idle && s.BackendAvailable
}

// Flow is the conversation of one user on one device. Sends are strictly
// sequential: a send while another is in flight is rejected.
type Flow struct {
	userID          string
	deviceID        string
	kv              store.KV
	model           Model
	planner         Planner
	maxInteractions int
	now             func() time.Time

	sendMu sync.Mutex

	mu               sync.RWMutex
	phase            Phase
	backendAvailable bool
	backendChecked   bool
	state            domain.ChatState
	questionnaire    *domain.Questionnaire
	banner           string
	fatal            error
	lastUsed         time.Time
	closed           bool

	// pins counts holders that keep the flow from idle eviction. Guarded
	// by Service.mu.
	pins int
}

// NewFlow creates a flow in the Restoring phase. model and planner may be
// nil, in which case the backend is reported unavailable and Finish fails.
func NewFlow(userID, deviceID string, kv store.KV, model Model, planner Planner, maxInteractions int) *Flow {
	if maxInteractions <= 0 {
		maxInteractions = 3
	}
	return &Flow{
		userID:          userID,
		deviceID:        deviceID,
		kv:              kv,
		model:           model,
		planner:         planner,
		maxInteractions: maxInteractions,
		now:             time.Now,
		phase:           Restoring,
		lastUsed:        time.Now(),
	}
}

// Restore loads the persisted conversation and questionnaire. routeData is
// used, and persisted, when storage has no questionnaire.
func (f *Flow) Restore(ctx context.Context, routeData *domain.Questionnaire) error {
	state, err := LoadState(ctx, f.kv, f.userID)
	if err != nil {
		return f.fail(fmt.Errorf("restore chat: %w", err))
	}
	q, err := LoadQuestionnaire(ctx, f.kv, f.userID)
	if err != nil {
		return f.fail(fmt.Errorf("restore questionnaire: %w", err))
	}
	if q == nil && routeData != nil {
		q = routeData
		if err := SaveQuestionnaire(ctx, f.kv, f.userID, *q); err != nil {
			slog.Warn("Failed to persist questionnaire snapshot", "user_id", f.userID, "error", err)
		}
	}
	if q == nil {
		return f.fail(ErrNoQuestionnaire)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if state != nil {
		f.state = state.Clone()
	}
	f.questionnaire = q
	f.fatal = nil
	f.phase = Idle
	if f.state.Ended {
		f.phase = Ended
	}
	return nil
}

func (f *Flow) fail(err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phase = FatalError
	f.fatal = err
	slog.Error("Chat restore failed", "user_id", f.userID, "device_id", f.deviceID, "error", err)
	return err
}

// CheckBackend pings the model and records whether it is reachable.
func (f *Flow) CheckBackend(ctx context.Context) bool {
	available := false
	if f.model != nil {
		if err := f.model.Ping(ctx); err != nil {
			slog.Warn("Chat backend ping failed", "user_id", f.userID, "error", err)
		} else {
			available = true
		}
	}

	f.mu.Lock()
	f.backendAvailable = available
	f.backendChecked = true
	f.mu.Unlock()
	return available
}

// Snapshot returns the current view.
func (f *Flow) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snapshotLocked()
}

func (f *Flow) snapshotLocked() Snapshot {
	st := f.state.Clone()
	snap := Snapshot{
		Phase:            f.phase,
		BackendAvailable: f.backendAvailable,
		BackendChecked:   f.backendChecked,
		Messages:         st.Messages,
		InteractionCount: st.InteractionCount,
		MaxInteractions:  f.maxInteractions,
		Adjustments:      st.Adjustments,
		Ended:            st.Ended,
		Banner:           f.banner,
	}
	if snap.Messages == nil {
		snap.Messages = []domain.ChatMessage{}
	}
	if snap.Adjustments == nil {
		snap.Adjustments = []string{}
	}
	if f.fatal != nil {
		snap.Error = f.fatal.Error()
	}
	return snap
}

func (f *Flow) touch() {
	f.mu.Lock()
	f.lastUsed = f.now()
	f.mu.Unlock()
}

// close detaches the flow from its service. Later turns fail with
// ErrFlowClosed; a turn already in flight completes.
func (f *Flow) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// Closed reports whether the flow was dropped by its service.
func (f *Flow) Closed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.closed
}

// LastUsed returns when the flow last handled a call.
func (f *Flow) LastUsed() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastUsed
}

// DismissBanner clears the error banner.
func (f *Flow) DismissBanner() {
	f.mu.Lock()
	f.banner = ""
	f.mu.Unlock()
}

// Send runs one turn. Backend failures are not returned as errors: they end
// the chat, roll back the interaction counter and adjustments, and show up
// in the snapshot as an error reply plus a banner. Errors are returned only
// when the message is rejected.
func (f *Flow) Send(ctx context.Context, text string) (Snapshot, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return f.Snapshot(), ErrEmptyMessage
	}
	if !f.sendMu.TryLock() {
		return f.Snapshot(), ErrSendInFlight
	}
	defer f.sendMu.Unlock()
	f.touch()

	f.mu.Lock()
	if err := f.acceptLocked(); err != nil {
		snap := f.snapshotLocked()
		f.mu.Unlock()
		return snap, err
	}

	before := f.state.Clone()
	history := agent.HistoryFromTranscript(f.state.ModelHistory())
	system := BuildSystemPrompt(f.questionnaire, f.state.Adjustments, f.maxInteractions)

	f.state.Messages = append(f.state.Messages, domain.ChatMessage{
		Role:      domain.RoleUser,
		Text:      text,
		Timestamp: f.now().UTC(),
	})
	f.state.InteractionCount++
	f.phase = Sending
	pending := f.state.Clone()
	f.mu.Unlock()

	if err := SaveState(ctx, f.kv, f.userID, pending); err != nil {
		f.mu.Lock()
		f.state = before
		f.phase = Idle
		snap := f.snapshotLocked()
		f.mu.Unlock()
		return snap, fmt.Errorf("persist chat before send: %w", err)
	}

	resp, err := f.model.Chat(ctx, agent.ChatRequest{
		System:    system,
		History:   history,
		Message:   text,
		UserID:    f.userID,
		SessionID: f.deviceID,
	})

	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		return f.abandon(before)
	}

	f.mu.Lock()
	if err != nil {
		f.failTurnLocked(before)
	} else {
		f.completeTurnLocked(resp)
	}
	final := f.state.Clone()
	f.mu.Unlock()

	if err := SaveState(ctx, f.kv, f.userID, final); err != nil {
		slog.Error("Failed to persist chat turn", "user_id", f.userID, "error", err)
	}
	return f.Snapshot(), nil
}

func (f *Flow) acceptLocked() error {
	switch {
	case f.closed:
		return ErrFlowClosed
	case f.phase == Restoring:
		return ErrNotReady
	case f.phase == FatalError:
		return f.fatal
	case f.phase == Sending:
		return ErrSendInFlight
	case f.phase == Ended || f.state.Ended:
		return ErrChatEnded
	case !f.backendAvailable || f.model == nil:
		return ErrBackendUnavailable
	}
	return nil
}

func (f *Flow) completeTurnLocked(resp *agent.ChatResponse) {
	f.state.Adjustments = agent.MergeAdjustments(f.state.Adjustments, resp.Adjustments)
	reply := resp.Text
	if f.state.InteractionCount >= f.maxInteractions {
		f.state.Ended = true
		reply += "\n\n" + closingNotice
	}
	f.state.Messages = append(f.state.Messages, domain.ChatMessage{
		Role:      domain.RoleAssistant,
		Text:      reply,
		Timestamp: f.now().UTC(),
	})
	f.phase = Idle
	if f.state.Ended {
		f.phase = Ended
	}
}

// failTurnLocked ends the chat after a backend failure. The transcript keeps
// the user message and gains a synthesized reply; the counter and
// adjustments go back to their values before the send.
func (f *Flow) failTurnLocked(before domain.ChatState) {
	f.state.Messages = append(f.state.Messages, domain.ChatMessage{
		Role:      domain.RoleAssistant,
		Text:      errorReply,
		Timestamp: f.now().UTC(),
		IsError:   true,
	})
	f.state.InteractionCount = before.InteractionCount
	f.state.Adjustments = before.Adjustments
	f.state.Ended = true
	f.phase = Ended
	f.banner = errorBanner
	slog.Warn("Chat ended after backend failure", "user_id", f.userID, "turn", before.InteractionCount+1)
}

// abandon undoes the optimistic write of a send whose caller went away.
func (f *Flow) abandon(before domain.ChatState) (Snapshot, error) {
	f.mu.Lock()
	f.state = before
	f.phase = Idle
	if before.Ended {
		f.phase = Ended
	}
	snap := f.snapshotLocked()
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := SaveState(ctx, f.kv, f.userID, before); err != nil {
		slog.Warn("Failed to roll back abandoned chat turn", "user_id", f.userID, "error", err)
	}
	return snap, context.Canceled
}

// Finish hands the questionnaire and adjustments to plan generation. It is
// allowed from any phase except Restoring and FatalError.
func (f *Flow) Finish(ctx context.Context) (*plan.Result, error) {
	if !f.sendMu.TryLock() {
		return nil, ErrSendInFlight
	}
	defer f.sendMu.Unlock()
	f.touch()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFlowClosed
	}
	switch f.phase {
	case Restoring:
		f.mu.Unlock()
		return nil, ErrNotReady
	case FatalError:
		err := f.fatal
		f.mu.Unlock()
		return nil, err
	}
	q := *f.questionnaire
	adjustments := append([]string(nil), f.state.Adjustments...)
	f.mu.Unlock()

	if f.planner == nil {
		return nil, plan.ErrNotConfigured
	}
	res, err := f.planner.Generate(ctx, f.userID, &q, adjustments)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.state.Ended = true
	f.phase = Ended
	final := f.state.Clone()
	f.mu.Unlock()

	if err := SaveState(ctx, f.kv, f.userID, final); err != nil {
		slog.Warn("Failed to persist finished chat", "user_id", f.userID, "error", err)
	}
	return res, nil
}

// Reset clears the conversation and returns the flow to Idle. The
// questionnaire snapshot is kept.
func (f *Flow) Reset(ctx context.Context) error {
	if !f.sendMu.TryLock() {
		return ErrSendInFlight
	}
	defer f.sendMu.Unlock()
	if f.Closed() {
		return ErrFlowClosed
	}

	if err := ClearConversation(ctx, f.kv, f.userID); err != nil {
		return fmt.Errorf("reset chat: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = domain.ChatState{}
	f.banner = ""
	if f.questionnaire != nil {
		f.phase = Idle
	}
	return nil
}
