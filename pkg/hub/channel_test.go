package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannelVariants(t *testing.T) {
	tests := []struct {
		in   string
		want Channel
	}{
		{"agent:output:a1", Channel{KindAgent, "output", "a1"}},
		{"agent:state:a1", Channel{KindAgent, "state", "a1"}},
		{"agent:tools:a1", Channel{KindAgent, "tools", "a1"}},
		{"workspace:agents:ws1", Channel{KindWorkspace, "agents", "ws1"}},
		{"workspace:reservations:ws1", Channel{KindWorkspace, "reservations", "ws1"}},
		{"workspace:conflicts:ws1", Channel{KindWorkspace, "conflicts", "ws1"}},
		{"user:mail:u1", Channel{KindUser, "mail", "u1"}},
		{"user:notifications:u1", Channel{KindUser, "notifications", "u1"}},
		{"system:health", Channel{KindSystem, "health", ""}},
		{"system:metrics", Channel{KindSystem, "metrics", ""}},
		{"system:dcg", Channel{KindSystem, "dcg", ""}},
	}
	for _, tc := range tests {
		ch, err := ParseChannel(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, ch, tc.in)
		assert.Equal(t, tc.in, ch.String())
	}
}

func TestParseChannelRejectsInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"agent",
		"agent:output",       // missing subject
		"agent:banana:a1",    // unknown topic
		"cluster:output:a1",  // unknown kind
		"system:health:x",    // system channels carry no subject
		"workspace:agents:",  // empty subject
		"agent:output:a1:x2", // too many parts
	} {
		_, err := ParseChannel(in)
		assert.Error(t, err, in)
	}
}
