package gitsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		text      string
		code      ErrorCode
		retryable bool
	}{
		{"Permission denied (publickey)", CodeAuthError, false},
		{"fatal: Authentication failed for repo", CodeAuthError, false},
		{"CONFLICT (content): Automatic merge failed", CodeConflict, false},
		{"! [rejected] non-fast-forward", CodeConflict, false},
		{"Connection refused: Could not resolve host", CodeNetwork, true},
		{"operation timed out after 30s: timeout", CodeNetwork, true},
		{"API rate limit exceeded", CodeRateLimit, true},
		{"HTTP 429 returned by remote", CodeRateLimit, true},
		{"something exploded", CodeUnknown, true},
	}
	for _, tc := range tests {
		code, retryable := classify(tc.text)
		assert.Equal(t, tc.code, code, tc.text)
		assert.Equal(t, tc.retryable, retryable, tc.text)
	}
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	base := 2 * time.Second
	max := 5 * time.Minute

	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(base, max, attempt, CodeNetwork, 4)
		expected := base << (attempt - 1)
		if expected > max {
			expected = max
		}
		// ±20% jitter around the capped exponential value.
		assert.GreaterOrEqual(t, d, expected-expected/5, "attempt %d", attempt)
		assert.LessOrEqual(t, d, max, "attempt %d", attempt)
	}
}

func TestRetryDelayRateLimitFactor(t *testing.T) {
	base := time.Second
	// First attempt, factor 4: delay centred on 4s, never below plain base
	// plus jitter ceiling.
	d := retryDelay(base, time.Hour, 1, CodeRateLimit, 4)
	assert.GreaterOrEqual(t, d, 4*time.Second-4*time.Second/5)
	assert.LessOrEqual(t, d, 4*time.Second+4*time.Second/5)
}
