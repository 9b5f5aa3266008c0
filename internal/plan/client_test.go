package plan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/ashureev/fitcoach/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSuccess(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/plans", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"status":"success","message":"Plan ready","plan_id":"p-1"}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL+"/", time.Second).Generate(context.Background(), map[string]any{"name": "Sam"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "p-1", res.PlanID)

	assert.Equal(t, map[string]any{"name": "Sam"}, got["questionnaireData"])
	assert.Equal(t, []any{}, got["adjustments"])
}

func TestGenerateErrorExtraction(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"message field", http.StatusBadRequest, `{"message":"Weight is out of range"}`, "Weight is out of range"},
		{"nested error", http.StatusInternalServerError, `{"error":{"message":"model overloaded"}}`, "model overloaded"},
		{"string error", http.StatusBadGateway, `{"error":"upstream down"}`, "upstream down"},
		{"detail", http.StatusUnprocessableEntity, `{"detail":"bad payload"}`, "bad payload"},
		{"errors list", http.StatusBadRequest, `{"errors":[{"message":"missing goal"}]}`, "missing goal"},
		{"empty message falls through", http.StatusBadRequest, `{"message":"","detail":"later"}`, "later"},
		{"not json", http.StatusInternalServerError, `<html>oops</html>`, genericFailure},
		{"logical failure", http.StatusOK, `{"status":"error","message":"Quota exceeded"}`, "Quota exceeded"},
		{"logical failure without message", http.StatusOK, `{"status":"failed"}`, genericFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second).Generate(context.Background(), map[string]any{}, []string{"a"})
			var logical *LogicalError
			require.ErrorAs(t, err, &logical)
			assert.Equal(t, tt.status, logical.StatusCode)
			assert.Equal(t, tt.want, UserMessage(err))
		})
	}
}

func TestGenerateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second).Generate(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Contains(t, UserMessage(err), "Could not reach")

	_, err = NewClient("", time.Second).Generate(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

type fakeGenerator struct {
	res *Result
	err error
	got map[string]any
}

func (f *fakeGenerator) Generate(_ context.Context, q map[string]any, _ []string) (*Result, error) {
	f.got = q
	return f.res, f.err
}

type fakeMarker struct{ marked []string }

func (f *fakeMarker) MarkOnboardingCompleted(_ context.Context, userID string) error {
	f.marked = append(f.marked, userID)
	return nil
}

type recordingPublisher struct{ events []events.Event }

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func TestServiceMarksOnboardingOnSuccessOnly(t *testing.T) {
	q := &domain.Questionnaire{Name: "Sam", TrainingDays: []string{"mon"}}
	marker := &fakeMarker{}
	pub := &recordingPublisher{}

	gen := &fakeGenerator{err: &LogicalError{StatusCode: 500, Message: "nope"}}
	_, err := NewService(gen, marker, pub).Generate(context.Background(), "u1", q, nil)
	require.Error(t, err)
	assert.Empty(t, marker.marked)
	assert.Empty(t, pub.events)

	gen = &fakeGenerator{res: &Result{Status: "success", PlanID: "p"}}
	res, err := NewService(gen, marker, pub).Generate(context.Background(), "u1", q, []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, "p", res.PlanID)
	assert.Equal(t, []string{"u1"}, marker.marked)
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.TypeOnboardingCompleted, pub.events[0].Type)
	assert.Equal(t, "Sam", gen.got["name"])

	_, err = NewService(gen, marker, nil).Generate(context.Background(), "u1", nil, nil)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnreachable))
}
