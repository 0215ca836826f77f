package caam

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		provider Provider
		text     string
		want     bool
	}{
		{ProviderClaude, `{"type":"rate_limit_error","message":"..."}`, true},
		{ProviderClaude, `{"type":"overloaded_error"}`, true},
		{ProviderClaude, "Rate Limit reached, retry later", true},
		{ProviderClaude, "HTTP 429 Too Many Requests", true},
		{ProviderClaude, "invalid api key", false},
		{ProviderCodex, `{"code":"rate_limit_exceeded"}`, true},
		{ProviderCodex, "Too Many Requests", true},
		{ProviderCodex, "model not found", false},
		{ProviderGemini, `{"status":"RESOURCE_EXHAUSTED"}`, true},
		{ProviderGemini, "Quota exceeded for requests", true},
		{ProviderGemini, "permission denied", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, IsRateLimitError(tc.provider, tc.text),
			"%s: %q", tc.provider, tc.text)
	}
}

func TestIsRateLimitErrorEdgeCases(t *testing.T) {
	assert.False(t, IsRateLimitError(ProviderClaude, ""))
	assert.False(t, IsRateLimitError(Provider("unknown"), "429"))
}
