// Package plan requests training plans from the plan generation service.
package plan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrUnreachable wraps transport failures where no response was received.
var ErrUnreachable = errors.New("plan service unreachable")

// ErrNotConfigured is returned when no plan service URL is set.
var ErrNotConfigured = errors.New("plan service is not configured")

const genericFailure = "We couldn't generate your plan. Please try again."

// errorPaths are tried in order to find a user-facing message in an error
// body.
var errorPaths = []string{"message", "error.message", "error", "detail", "errors.0.message"}

// LogicalError is a response that arrived but reports failure, either by
// status code or by its status field.
type LogicalError struct {
	StatusCode int
	Message    string
}

func (e *LogicalError) Error() string {
	return fmt.Sprintf("plan generation failed (status %d): %s", e.StatusCode, e.Message)
}

// Result is a successful plan generation response.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	PlanID  string `json:"plan_id,omitempty"`
}

type generateRequest struct {
	QuestionnaireData map[string]any `json:"questionnaireData"`
	Adjustments       []string       `json:"adjustments"`
}

// Client calls POST {baseURL}/plans.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client with the given request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Generate submits the questionnaire and adjustments.
func (c *Client) Generate(ctx context.Context, questionnaire map[string]any, adjustments []string) (*Result, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	if adjustments == nil {
		adjustments = []string{}
	}

	body, err := json.Marshal(generateRequest{QuestionnaireData: questionnaire, Adjustments: adjustments})
	if err != nil {
		return nil, fmt.Errorf("encode plan request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/plans", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create plan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &LogicalError{StatusCode: resp.StatusCode, Message: extractMessage(raw)}
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &LogicalError{StatusCode: resp.StatusCode, Message: genericFailure}
	}
	if !strings.EqualFold(result.Status, "success") {
		return nil, &LogicalError{StatusCode: resp.StatusCode, Message: extractMessage(raw)}
	}
	return &result, nil
}

// extractMessage returns the first non-empty string found at errorPaths.
func extractMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return genericFailure
	}
	for _, path := range errorPaths {
		r := gjson.GetBytes(body, path)
		if r.Type == gjson.String && strings.TrimSpace(r.Str) != "" {
			return strings.TrimSpace(r.Str)
		}
	}
	return genericFailure
}

// UserMessage converts a Generate error into a display string.
func UserMessage(err error) string {
	var logical *LogicalError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &logical):
		return logical.Message
	case errors.Is(err, ErrUnreachable):
		return "Could not reach the plan service. Check your connection and try again."
	case errors.Is(err, ErrNotConfigured):
		return "Plan generation is not available right now."
	default:
		return genericFailure
	}
}
