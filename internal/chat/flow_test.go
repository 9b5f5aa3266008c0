package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/fitcoach/internal/agent"
	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/ashureev/fitcoach/internal/plan"
	"github.com/ashureev/fitcoach/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type step struct {
	resp *agent.ChatResponse
	err  error
}

// scriptedModel answers turns from a script and records every request.
type scriptedModel struct {
	mu       sync.Mutex
	script   []step
	requests []agent.ChatRequest
	pingErr  error

	// when set, Chat signals entered and waits for release or ctx
	entered chan struct{}
	release chan struct{}
}

func (m *scriptedModel) Chat(ctx context.Context, req agent.ChatRequest) (*agent.ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var s step
	if len(m.script) > 0 {
		s, m.script = m.script[0], m.script[1:]
	} else {
		s = step{resp: &agent.ChatResponse{Text: "ok"}}
	}
	entered, release := m.entered, m.release
	m.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.resp, s.err
}

func (m *scriptedModel) Ping(context.Context) error { return m.pingErr }

func (m *scriptedModel) lastRequest() agent.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

type fakePlanner struct {
	gotAdjustments []string
	gotUser        string
	err            error
}

func (p *fakePlanner) Generate(_ context.Context, userID string, _ *domain.Questionnaire, adjustments []string) (*plan.Result, error) {
	p.gotUser = userID
	p.gotAdjustments = adjustments
	if p.err != nil {
		return nil, p.err
	}
	return &plan.Result{Status: "success", PlanID: "plan-1"}, nil
}

var testQuestionnaire = domain.Questionnaire{
	Name: "Sam", BirthDay: 2, BirthMonth: 3, BirthYear: 1990, Gender: "female",
	WeightKg: 61, HeightCm: 168, ExperienceLevel: "beginner", PrimaryGoal: "strength",
	TrainingDays: []string{"mon", "thu"}, CardioPreference: "low", StretchingPreference: "yes",
	SessionDuration: "45m",
}

func newRepo(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func openFlow(t *testing.T, svc *Service) *Flow {
	t.Helper()
	f, err := svc.Open(context.Background(), "d1", "u1", &testQuestionnaire)
	require.NoError(t, err)
	return f
}

func TestEndsAfterMaxInteractions(t *testing.T) {
	repo := newRepo(t)
	model := &scriptedModel{script: []step{
		{resp: &agent.ChatResponse{Text: "Any injuries?"}},
		{resp: &agent.ChatResponse{Text: "Got it.", Adjustments: []string{"no running"}}},
		{resp: &agent.ChatResponse{Text: "Thanks!"}},
	}}
	svc := NewService(repo, model, nil, Config{MaxInteractions: 3})
	f := openFlow(t, svc)
	ctx := context.Background()

	for i, msg := range []string{"hello", "bad knee", "that's all"} {
		snap, err := f.Send(ctx, msg)
		require.NoError(t, err, "turn %d", i+1)
		assert.Equal(t, i+1, snap.InteractionCount)
	}

	snap := f.Snapshot()
	assert.True(t, snap.Ended)
	assert.Equal(t, Ended, snap.Phase)
	assert.False(t, snap.CanSend())
	require.Len(t, snap.Messages, 6)
	assert.True(t, strings.HasPrefix(snap.Messages[5].Text, "Thanks!"))
	assert.True(t, strings.HasSuffix(snap.Messages[5].Text, closingNotice))
	assert.False(t, strings.Contains(snap.Messages[3].Text, closingNotice))
	assert.Equal(t, []string{"no running"}, snap.Adjustments)

	_, err := f.Send(ctx, "one more thing")
	assert.ErrorIs(t, err, ErrChatEnded)
	assert.Len(t, f.Snapshot().Messages, 6)

	done, err := Completed(ctx, store.Device(repo, "d1"), "u1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestBackendFailureFailsClosed(t *testing.T) {
	repo := newRepo(t)
	model := &scriptedModel{script: []step{
		{resp: &agent.ChatResponse{Text: "Hi!", Adjustments: []string{"short sessions"}}},
		{err: errors.New("503 service unavailable")},
	}}
	svc := NewService(repo, model, nil, Config{MaxInteractions: 3})
	f := openFlow(t, svc)
	ctx := context.Background()

	_, err := f.Send(ctx, "hello")
	require.NoError(t, err)

	snap, err := f.Send(ctx, "I like swimming")
	require.NoError(t, err)
	assert.True(t, snap.Ended)
	assert.Equal(t, Ended, snap.Phase)
	assert.Equal(t, 1, snap.InteractionCount, "counter rolled back to its pre-send value")
	assert.Equal(t, []string{"short sessions"}, snap.Adjustments)
	assert.Equal(t, errorBanner, snap.Banner)

	require.Len(t, snap.Messages, 4)
	assert.Equal(t, "I like swimming", snap.Messages[2].Text)
	assert.Equal(t, domain.RoleAssistant, snap.Messages[3].Role)
	assert.True(t, snap.Messages[3].IsError)

	_, err = f.Send(ctx, "retry?")
	assert.ErrorIs(t, err, ErrChatEnded)

	f.DismissBanner()
	assert.Empty(t, f.Snapshot().Banner)

	persisted, err := LoadState(ctx, store.Device(repo, "d1"), "u1")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.True(t, persisted.Ended)
	assert.Equal(t, 1, persisted.InteractionCount)
	assert.Len(t, persisted.Messages, 4)
}

func TestErrorTurnsAreNotSentToModel(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	kv := store.Device(repo, "d1")
	require.NoError(t, SaveState(ctx, kv, "u1", domain.ChatState{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleUser, Text: "first"},
			{Role: domain.RoleAssistant, Text: "oops", IsError: true},
			{Role: domain.RoleUser, Text: "second"},
			{Role: domain.RoleAssistant, Text: "real reply"},
		},
		InteractionCount: 1,
		Adjustments:      []string{"keep it short"},
	}))

	model := &scriptedModel{}
	f := openFlow(t, NewService(repo, model, nil, Config{MaxInteractions: 3}))
	_, err := f.Send(ctx, "third")
	require.NoError(t, err)

	req := model.lastRequest()
	assert.Equal(t, "third", req.Message)
	require.Len(t, req.History, 3)
	for _, m := range req.History {
		assert.NotEqual(t, "oops", m.Text)
	}
	assert.Contains(t, req.System, "keep it short")
	assert.Contains(t, req.System, "strength")
	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, "d1", req.SessionID)
}

func TestConcurrentSendIsRejected(t *testing.T) {
	repo := newRepo(t)
	model := &scriptedModel{entered: make(chan struct{}), release: make(chan struct{})}
	f := openFlow(t, NewService(repo, model, nil, Config{MaxInteractions: 3}))
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := f.Send(ctx, "first")
		errc <- err
	}()
	<-model.entered

	snap, err := f.Send(ctx, "second")
	assert.ErrorIs(t, err, ErrSendInFlight)
	assert.Equal(t, Sending, snap.Phase)
	_, err = f.Finish(ctx)
	assert.ErrorIs(t, err, ErrSendInFlight)

	close(model.release)
	require.NoError(t, <-errc)

	snap = f.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "first", snap.Messages[0].Text)
}

func TestCancelledSendRollsBack(t *testing.T) {
	repo := newRepo(t)
	model := &scriptedModel{entered: make(chan struct{}), release: make(chan struct{})}
	f := openFlow(t, NewService(repo, model, nil, Config{MaxInteractions: 3}))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.Send(ctx, "hello")
		errc <- err
	}()
	<-model.entered
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)
	snap := f.Snapshot()
	assert.Equal(t, Idle, snap.Phase)
	assert.Empty(t, snap.Messages)
	assert.Zero(t, snap.InteractionCount)
	assert.False(t, snap.Ended)

	persisted, err := LoadState(context.Background(), store.Device(repo, "d1"), "u1")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Empty(t, persisted.Messages)
}

func TestRejections(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	f := openFlow(t, NewService(repo, &scriptedModel{pingErr: errors.New("down")}, nil, Config{}))
	snap := f.Snapshot()
	assert.True(t, snap.BackendChecked)
	assert.False(t, snap.BackendAvailable)
	_, err := f.Send(ctx, "hi")
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	_, err = f.Send(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	noModel := NewFlow("u1", "d1", store.Device(repo, "d1"), nil, nil, 3)
	_, err = noModel.Send(ctx, "hi")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.False(t, noModel.CheckBackend(ctx))
}

func TestMissingQuestionnaireIsFatal(t *testing.T) {
	repo := newRepo(t)
	svc := NewService(repo, &scriptedModel{}, nil, Config{})
	ctx := context.Background()

	f, err := svc.Open(ctx, "d1", "u1", nil)
	assert.ErrorIs(t, err, ErrNoQuestionnaire)
	snap := f.Snapshot()
	assert.Equal(t, FatalError, snap.Phase)
	assert.Equal(t, ErrNoQuestionnaire.Error(), snap.Error)

	_, err = f.Send(ctx, "hi")
	assert.ErrorIs(t, err, ErrNoQuestionnaire)
	_, err = f.Finish(ctx)
	assert.ErrorIs(t, err, ErrNoQuestionnaire)

	// a later open with route data recovers
	f, err = svc.Open(ctx, "d1", "u1", &testQuestionnaire)
	require.NoError(t, err)
	assert.Equal(t, Idle, f.Snapshot().Phase)

	q, err := LoadQuestionnaire(ctx, store.Device(repo, "d1"), "u1")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, testQuestionnaire.TrainingDays, q.TrainingDays)
}

func TestStateSurvivesRestart(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	model := &scriptedModel{script: []step{
		{resp: &agent.ChatResponse{Text: "Noted.", Adjustments: []string{"home workouts"}}},
	}}

	f := openFlow(t, NewService(repo, model, nil, Config{MaxInteractions: 3}))
	_, err := f.Send(ctx, "I train at home")
	require.NoError(t, err)
	before := f.Snapshot()

	restarted, err := NewService(repo, model, nil, Config{MaxInteractions: 3}).Open(ctx, "d1", "u1", nil)
	require.NoError(t, err)
	after := restarted.Snapshot()

	require.Len(t, after.Messages, len(before.Messages))
	for i := range before.Messages {
		assert.Equal(t, before.Messages[i].Text, after.Messages[i].Text)
		assert.Equal(t, before.Messages[i].Role, after.Messages[i].Role)
		assert.True(t, before.Messages[i].Timestamp.Equal(after.Messages[i].Timestamp))
	}
	assert.Equal(t, before.InteractionCount, after.InteractionCount)
	assert.Equal(t, before.Adjustments, after.Adjustments)
	assert.Equal(t, before.Ended, after.Ended)

	done, err := Completed(ctx, store.Device(repo, "d1"), "u1")
	require.NoError(t, err)
	assert.False(t, done)

	_, err = NewService(repo, model, nil, Config{}).Open(ctx, "d2", "u1", nil)
	assert.ErrorIs(t, err, ErrNoQuestionnaire, "state is scoped to the device")
}

func TestFinishForwardsAdjustments(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	model := &scriptedModel{script: []step{
		{resp: &agent.ChatResponse{Text: "ok", Adjustments: []string{"no burpees"}}},
	}}
	planner := &fakePlanner{}
	f := openFlow(t, NewService(repo, model, planner, Config{MaxInteractions: 3}))

	_, err := f.Send(ctx, "I hate burpees")
	require.NoError(t, err)

	res, err := f.Finish(ctx)
	require.NoError(t, err)
	assert.Equal(t, "plan-1", res.PlanID)
	assert.Equal(t, "u1", planner.gotUser)
	assert.Equal(t, []string{"no burpees"}, planner.gotAdjustments)
	assert.True(t, f.Snapshot().Ended)

	planner.err = &plan.LogicalError{StatusCode: 500, Message: "down"}
	_, err = f.Finish(ctx)
	var logical *plan.LogicalError
	assert.ErrorAs(t, err, &logical)

	_, err = NewFlow("u1", "d1", store.Device(repo, "d1"), model, nil, 3).Finish(ctx)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestResetKeepsQuestionnaire(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	svc := NewService(repo, &scriptedModel{}, nil, Config{MaxInteractions: 1})
	f := openFlow(t, svc)

	_, err := f.Send(ctx, "hello")
	require.NoError(t, err)
	require.True(t, f.Snapshot().Ended)

	require.NoError(t, svc.Reset(ctx, "d1", "u1"))
	snap := f.Snapshot()
	assert.Equal(t, Idle, snap.Phase)
	assert.Empty(t, snap.Messages)

	kv := store.Device(repo, "d1")
	state, err := LoadState(ctx, kv, "u1")
	require.NoError(t, err)
	assert.Nil(t, state)
	q, err := LoadQuestionnaire(ctx, kv, "u1")
	require.NoError(t, err)
	assert.NotNil(t, q)

	svc.Forget("d1", "u1")
	require.NoError(t, svc.Reset(ctx, "d1", "u1"))
}

func TestEvictIdle(t *testing.T) {
	repo := newRepo(t)
	svc := NewService(repo, &scriptedModel{}, nil, Config{IdleTTL: time.Minute})
	f := openFlow(t, svc)

	assert.Equal(t, 0, svc.EvictIdle(f.LastUsed().Add(30*time.Second)))
	assert.Equal(t, 1, svc.EvictIdle(f.LastUsed().Add(2*time.Minute)))
	assert.Equal(t, 0, svc.OpenFlows())

	ctx, cancel := context.WithCancel(context.Background())
	done := svc.StartJanitor(ctx, time.Hour)
	cancel()
	<-done
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func TestHeldFlowIsNotEvicted(t *testing.T) {
	repo := newRepo(t)
	model := &scriptedModel{}
	svc := NewService(repo, model, nil, Config{MaxInteractions: 2, IdleTTL: time.Minute})
	ctx := context.Background()

	held, release, err := svc.Acquire(ctx, "d1", "u1", &testQuestionnaire)
	require.NoError(t, err)
	_, err = held.Send(ctx, "one")
	require.NoError(t, err)

	later := held.LastUsed().Add(time.Hour)
	assert.Equal(t, 0, svc.EvictIdle(later), "a held flow stays")

	other, err := svc.Open(ctx, "d1", "u1", nil)
	require.NoError(t, err)
	require.Same(t, held, other, "every caller shares the held flow")

	snap, err := other.Send(ctx, "two")
	require.NoError(t, err)
	assert.True(t, snap.Ended)
	_, err = held.Send(ctx, "three")
	assert.ErrorIs(t, err, ErrChatEnded)
	assert.Equal(t, 2, model.calls())

	release()
	release()
	assert.Equal(t, 1, svc.EvictIdle(held.LastUsed().Add(time.Hour)))
	assert.True(t, held.Closed())
	_, err = held.Send(ctx, "four")
	assert.ErrorIs(t, err, ErrFlowClosed)

	reopened, err := svc.Open(ctx, "d1", "u1", nil)
	require.NoError(t, err)
	assert.NotSame(t, held, reopened)
	assert.Equal(t, 2, reopened.Snapshot().InteractionCount)
	_, err = reopened.Send(ctx, "five")
	assert.ErrorIs(t, err, ErrChatEnded)
	assert.Equal(t, 2, model.calls(), "the interaction limit holds across flows")
}

func TestForgetClosesHeldFlow(t *testing.T) {
	repo := newRepo(t)
	model := &scriptedModel{}
	svc := NewService(repo, model, nil, Config{MaxInteractions: 3})
	ctx := context.Background()

	held, release, err := svc.Acquire(ctx, "d1", "u1", &testQuestionnaire)
	require.NoError(t, err)
	defer release()

	svc.Forget("d1", "u1")
	_, err = held.Send(ctx, "hello")
	assert.ErrorIs(t, err, ErrFlowClosed)
	_, err = held.Finish(ctx)
	assert.ErrorIs(t, err, ErrFlowClosed)
	assert.ErrorIs(t, held.Reset(ctx), ErrFlowClosed)
	assert.Zero(t, model.calls())

	fresh, err := svc.Open(ctx, "d1", "u1", nil)
	require.NoError(t, err)
	assert.NotSame(t, held, fresh)
	_, err = fresh.Send(ctx, "hello")
	assert.NoError(t, err)
}

func TestBuildSystemPrompt(t *testing.T) {
	q := testQuestionnaire
	q.HasInjuries = true
	prompt := BuildSystemPrompt(&q, []string{"avoid jumps"}, 3)

	assert.Contains(t, prompt, "limited to 3 exchanges")
	assert.Contains(t, prompt, agent.AdjustmentPrefix)
	assert.Contains(t, prompt, "- Birth date: 1990-03-02")
	assert.Contains(t, prompt, "- Training days: mon, thu")
	assert.Contains(t, prompt, "- Injuries: yes, no details given")
	assert.Contains(t, prompt, "- avoid jumps")
	assert.NotContains(t, BuildSystemPrompt(&testQuestionnaire, nil, 3), "Injuries")
}
