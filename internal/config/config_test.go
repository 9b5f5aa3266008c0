package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{"AUTH_JWT_SECRET": testSecret})
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM.Model)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 3, cfg.Chat.MaxInteractions)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 60*time.Second, cfg.Auth.RefreshWindow)
	assert.Equal(t, 1000, cfg.ConversationLog.QueueSize)
	assert.Empty(t, cfg.Redis.Addr)
	assert.False(t, cfg.AIEnabled())
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"AUTH_JWT_SECRET":       testSecret,
		"LLM_PROVIDER":          " Anthropic ",
		"LLM_API_KEY":           "k",
		"CHAT_MAX_INTERACTIONS": "2",
		"REDIS_ADDR":            "localhost:6379",
		"PLAN_TIMEOUT":          "10s",
	})
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "claude-sonnet-4-5", cfg.LLM.Model)
	assert.Equal(t, 2, cfg.Chat.MaxInteractions)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 10*time.Second, cfg.Plan.Timeout)
	assert.True(t, cfg.AIEnabled())
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
		wantErr string
	}{
		{"short secret", map[string]string{"AUTH_JWT_SECRET": "short"}, "AUTH_JWT_SECRET"},
		{"unknown provider", map[string]string{"AUTH_JWT_SECRET": testSecret, "LLM_PROVIDER": "llama"}, "LLM_PROVIDER"},
		{"zero interactions", map[string]string{"AUTH_JWT_SECRET": testSecret, "CHAT_MAX_INTERACTIONS": "0"}, "CHAT_MAX_INTERACTIONS"},
		{"refresh shorter than access", map[string]string{"AUTH_JWT_SECRET": testSecret, "AUTH_REFRESH_TTL": "1m"}, "AUTH_REFRESH_TTL"},
		{"zero sign-in window", map[string]string{"AUTH_JWT_SECRET": testSecret, "AUTH_SIGNIN_WINDOW": "0s"}, "AUTH_SIGNIN_WINDOW"},
		{"zero sign-in attempts", map[string]string{"AUTH_JWT_SECRET": testSecret, "AUTH_SIGNIN_ATTEMPTS": "0"}, "AUTH_SIGNIN_ATTEMPTS"},
		{"zero sweep interval", map[string]string{"AUTH_JWT_SECRET": testSecret, "AUTH_SWEEP_INTERVAL": "0s"}, "AUTH_SWEEP_INTERVAL"},
		{"zero health monitor", map[string]string{"AUTH_JWT_SECRET": testSecret, "TIMEOUT_HEALTH_MONITOR": "0s"}, "TIMEOUT_HEALTH_MONITOR"},
		{"zero amqp dial timeout", map[string]string{"AUTH_JWT_SECRET": testSecret, "AMQP_DIAL_TIMEOUT": "0s"}, "AMQP_DIAL_TIMEOUT"},
		{"bad duration", map[string]string{"AUTH_JWT_SECRET": testSecret, "LLM_TIMEOUT": "soon"}, "parse environment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(tt.environ)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), err.Error())
		})
	}
}
