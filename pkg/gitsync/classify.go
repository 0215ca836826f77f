package gitsync

import "strings"

type classRule struct {
	code      ErrorCode
	patterns  []string
	retryable bool
}

// classRules are checked in order; the first matching pattern wins. The
// order matters: an authentication failure that also mentions a timeout
// must classify as AUTH_ERROR.
var classRules = []classRule{
	{CodeAuthError, []string{"permission denied", "authentication failed", "publickey"}, false},
	{CodeConflict, []string{"conflict", "merge failed", "non-fast-forward"}, false},
	{CodeRateLimit, []string{"rate limit", "429"}, true},
	{CodeNetwork, []string{"connection refused", "could not resolve", "timeout", "network"}, true},
}

// classify maps an error text to its code and retryability.
func classify(errorText string) (ErrorCode, bool) {
	lower := strings.ToLower(errorText)
	for _, rule := range classRules {
		for _, p := range rule.patterns {
			if strings.Contains(lower, p) {
				return rule.code, rule.retryable
			}
		}
	}
	return CodeUnknown, true
}
