package dcg

import "regexp"

// redaction replaces the value token that follows a secret-bearing
// keyword. The keyword and separator are kept so the stored command
// stays readable.
type redaction struct {
	re *regexp.Regexp
}

var redactions = []redaction{
	{regexp.MustCompile(`(?i)(password\s*[=:]\s*)([^\s'"]+)`)},
	{regexp.MustCompile(`(?i)(api[_-]?key\s*[=:]\s*)([^\s'"]+)`)},
	{regexp.MustCompile(`(?i)(token\s*[=:]\s*)([^\s'"]+)`)},
	{regexp.MustCompile(`(?i)(secret\s*[=:]\s*)([^\s'"]+)`)},
	{regexp.MustCompile(`(?i)(authorization:\s*(?:bearer\s+|basic\s+|token\s+)?)([^\s'"]+)`)},
	{regexp.MustCompile(`(?i)(bearer\s+)([^\s'"]+)`)},
}

const redactedMarker = "[REDACTED]"

// Redactor scrubs secret values from command strings before they are
// persisted or shipped to the audit trail.
type Redactor struct{}

// NewRedactor returns the standard redactor.
func NewRedactor() *Redactor { return &Redactor{} }

// Redact replaces every secret value token in s with [REDACTED]. Safe
// to call repeatedly; an already-redacted string is unchanged.
func (r *Redactor) Redact(s string) string {
	for _, rd := range redactions {
		s = rd.re.ReplaceAllString(s, "${1}"+redactedMarker)
	}
	return s
}
