package gitsync

import (
	"math/rand"
	"time"
)

// retryDelay computes the backoff before the given attempt is retried:
// base · 2^(attempt-1) with ±20% jitter, capped at max. Rate-limited
// failures are stretched by factor before the cap applies.
func retryDelay(base, max time.Duration, attempt int, code ErrorCode, rateLimitFactor int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base << (attempt - 1)
	if code == CodeRateLimit && rateLimitFactor > 1 {
		delay *= time.Duration(rateLimitFactor)
	}
	if delay > max {
		delay = max
	}

	// ±20% jitter keeps synchronized retries from stampeding.
	jitter := time.Duration(rand.Int63n(2*int64(delay)/5+1)) - delay/5
	delay += jitter
	if delay > max {
		delay = max
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
