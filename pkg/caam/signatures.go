package caam

import (
	"regexp"
	"strings"
)

// rateLimitSignatures holds the provider-specific markers that identify a
// rate-limit response. Substrings are matched case-insensitively; the
// regex fragments cover structured error codes embedded in larger bodies.
type rateLimitSignatures struct {
	substrings []string
	patterns   []*regexp.Regexp
}

var providerSignatures = map[Provider]rateLimitSignatures{
	ProviderClaude: {
		substrings: []string{"rate_limit_error", "overloaded_error", "rate limit", "429"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)"type"\s*:\s*"(rate_limit|overloaded)_error"`),
		},
	},
	ProviderCodex: {
		substrings: []string{"rate_limit_exceeded", "too many requests", "429"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)"code"\s*:\s*"rate_limit_exceeded"`),
		},
	},
	ProviderGemini: {
		substrings: []string{"resource_exhausted", "quota exceeded", "429"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)"status"\s*:\s*"RESOURCE_EXHAUSTED"`),
		},
	},
}

// IsRateLimitError reports whether the error text matches the provider's
// rate-limit signature set.
func IsRateLimitError(provider Provider, text string) bool {
	if text == "" {
		return false
	}
	sigs, ok := providerSignatures[provider]
	if !ok {
		return false
	}
	lower := strings.ToLower(text)
	for _, sub := range sigs.substrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	for _, re := range sigs.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
