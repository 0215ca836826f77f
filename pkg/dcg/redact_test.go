package dcg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	r := NewRedactor()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"password assignment",
			"mysql -u root --password=hunter2 db",
			"mysql -u root --password=[REDACTED] db",
		},
		{
			"api key colon",
			"config set api_key: sk-abc123",
			"config set api_key: [REDACTED]",
		},
		{
			"api-key dash",
			"curl -d api-key=abc123 https://x",
			"curl -d api-key=[REDACTED] https://x",
		},
		{
			"token",
			"export TOKEN=ghp_deadbeef",
			"export TOKEN=[REDACTED]",
		},
		{
			"secret",
			"helm install --set secret=s3cr3t app",
			"helm install --set secret=[REDACTED] app",
		},
		{
			"bearer header",
			"curl -H 'Authorization: Bearer secret123' https://api.example.com",
			"curl -H 'Authorization: Bearer [REDACTED]' https://api.example.com",
		},
		{
			"authorization basic scheme",
			"curl -H 'Authorization: Basic dXNlcg==' https://api.example.com",
			"curl -H 'Authorization: Basic [REDACTED]' https://api.example.com",
		},
		{
			"case insensitive",
			"PASSWORD=abc TOKEN:xyz",
			"PASSWORD=[REDACTED] TOKEN:[REDACTED]",
		},
		{
			"no secrets untouched",
			"ls -la /tmp",
			"ls -la /tmp",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.Redact(tc.in))
		})
	}
}

func TestRedactIsIdempotent(t *testing.T) {
	r := NewRedactor()
	once := r.Redact("curl -H 'Authorization: Bearer secret123' x")
	assert.Equal(t, once, r.Redact(once))
}
